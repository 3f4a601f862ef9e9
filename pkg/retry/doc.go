// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package retry provides an exponential-backoff executor with classified errors.

The [Handler] wraps a single fallible operation and re-runs it from the top
until it succeeds, a failure is classified as terminal, or the attempt budget
is exhausted. The most recent failure is always returned to the caller.

# Backoff

The wait before attempt n+1 is

	BaseDelay * Multiplier^(n-1)

With the defaults (3 attempts, 1s, x3) the waits are 1s then 3s. The delay is
not capped. Waits are cancellable through the context.

# Classification

Failures are classified in priority order:

 1. HTTP status 4xx other than 401: terminal
 2. authentication keywords: retry only on attempt 1 with status 401
 3. validation keywords: terminal
 4. connection, timeout, network or DNS keywords: retry
 5. HTTP status 5xx: retry
 6. HTTP status 401: retry only on attempt 1
 7. anything else: retry

The status is read from errors implementing HTTPStatus() int, falling back to a
status code found in the message text. Errors implementing Permanent() bool
and returning true are terminal before any rule is evaluated, as is a done
context.
*/
package retry
