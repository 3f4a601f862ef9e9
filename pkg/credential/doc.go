// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package credential describes the configuration record of one host service integration.

A [Credential] names an external government endpoint, the wire protocol used to reach it
([ServiceTypeSOAPXML] or [ServiceTypeJSONBearer]), the identity and secret presented to it,
and a free-form extension map carrying protocol-specific settings.

# Extension Map

The extension map (additional_config) holds optional keys:

	auth_endpoint         login URL for bearer credentials
	refresh_endpoint      refresh-token exchange URL (optional)
	token_field           response field carrying the access token (default access_token)
	refresh_token_field   response field carrying the refresh token (default refresh_token)
	token_expiry          default token lifetime in seconds
	timeout               per-call timeout in seconds
	ssl_cert_path         client certificate for mutual TLS
	ssl_key_path          client key for mutual TLS
	ssl_verify            set false to skip server certificate verification

The transmission layer writes back only the cached token fields (cached_token,
cached_refresh_token, token_expires_at) and the usage statistics.

# Formats

A transmission is requested by [Format]. [ServiceTypeFor] maps the format to the
protocol kind of the credential that can serve it:

	xml  -> soap_xml
	json -> json_bearer
*/
package credential
