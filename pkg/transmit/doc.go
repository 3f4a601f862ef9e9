// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transmit delivers documents to the host over one of two protocols.

# Formats

	xml   SOAP 1.2 envelope, identity embedded in the body  (soap_xml credentials)
	json  JSON body with a bearer token                     (json_bearer credentials)

The [Service] resolves the format to a service type, loads the oldest active
credential of that type, validates it and hands it to the matching
[Transmitter]. It performs exactly one attempt; wrap Send in a retry handler
to get backoff:

	svc := transmit.NewService(repo, soapTx, bearerTx, logger)

	result, err := retry.Do(ctx, handler, func(ctx context.Context, _ int) (*transmit.Result, error) {
	    return svc.Send(ctx, doc, "xml", nil)
	})

# Errors

Failures are *[Error] values with a [Kind]. Configuration kinds (invalid
format, missing credential, misconfigured credential) report Permanent() and
are never retried. HTTP failures expose the status through HTTPStatus().

# Tokens

The [TokenManager] caches bearer tokens per credential and writes them back
into the credential's extension map. A token is reused only while it remains
valid for more than five minutes. Logins and refreshes for one credential are
coalesced across goroutines.
*/
package transmit
