// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package hostlink transmits customs documents to a government host system.

# Overview

go-hostlink delivers tank and cargo declarations to the customs host over one
of two wire protocols, selected per call by payload format:

  - xml: a SOAP 1.2 envelope posted over HTTPS, with the operator's username
    and password embedded in the body
  - json: a JSON document posted with an OAuth-style bearer token obtained by
    logging in against the credential's auth endpoint

Credentials live in storage with their passwords encrypted at rest. Bearer
tokens are cached inside the credential's extension map, refreshed when they
expire and re-obtained after a 401. Failed transmissions are classified and
retried with exponential backoff (1s, 3s by default).

# Package Structure

	github.com/sirosfoundation/go-hostlink/pkg/credential   - Credential model, token cache fields, validation
	github.com/sirosfoundation/go-hostlink/pkg/soap         - SOAP 1.2 envelope building and response parsing
	github.com/sirosfoundation/go-hostlink/pkg/transport    - HTTPS client pool with TLS 1.2/1.3 and mTLS
	github.com/sirosfoundation/go-hostlink/pkg/transmit     - SOAP and bearer transmitters, token manager, service
	github.com/sirosfoundation/go-hostlink/pkg/retry        - Failure classification and backoff
	github.com/sirosfoundation/go-hostlink/internal/...     - Storage, secrets, rendering, dispatch, HTTP API
	github.com/sirosfoundation/go-hostlink/cmd/hostlinkd    - The daemon

# Quick Start

To send a document with the library:

	deps := transmit.Deps{
	    Renderer:    render.New(),
	    Secrets:     cipher,
	    Credentials: store,
	}
	svc := transmit.NewService(store,
	    transmit.NewSOAPTransmitter(deps, soap.DefaultService(), logger),
	    transmit.NewBearerTransmitter(deps, transmit.NewTokenManager(deps, logger), logger),
	    logger,
	)
	result, err := retry.Do(ctx, retry.New(nil, logger),
	    func(ctx context.Context, attempt int) (*transmit.Result, error) {
	        return svc.Send(ctx, doc, "xml", nil)
	    })

See examples/basic for a runnable version.

# License

BSD-2-Clause License
*/
package hostlink
