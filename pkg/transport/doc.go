// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transport implements the outbound HTTPS layer used to reach host
endpoints.

Clients negotiate TLS 1.2 or 1.3 and read the whole response body, returning
it together with the status code. A non-2xx status is not an error at this
layer: callers decide how to classify it.

# Client Usage

	client := transport.NewHTTPSClient(transport.DefaultHTTPSConfig())

	resp, err := client.Post(ctx, "https://host.example/ws", body, map[string]string{
	    "Content-Type": "text/xml; charset=utf-8",
	})

# Pooling

Credentials may carry their own timeout, client certificate or a TLS
verification opt-out. A [Pool] keeps one client per distinct combination so
connections are reused across transmissions:

	pool := transport.NewPool(nil)
	client, err := pool.Client(transport.ClientOptions{
	    Timeout:  15 * time.Second,
	    CertFile: "/etc/hostlink/client.pem",
	    KeyFile:  "/etc/hostlink/client.key",
	})

# References

  - TLS 1.3 RFC 8446: https://datatracker.ietf.org/doc/html/rfc8446
  - TLS 1.2 RFC 5246: https://datatracker.ietf.org/doc/html/rfc5246
*/
package transport
