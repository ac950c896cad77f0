/*
Package middleware provides the HTTP middleware wrapped around the widget
gateway.

# Middleware Components

## Request ID (requestid.go)

RequestID assigns each request an identifier and adds it to:
  - The request context (accessible via GetRequestID)
  - The X-Request-ID response header

A well-formed inbound X-Request-ID (a UUID) is kept so traces can span the
embedding site and the gateway.

## Logging (logging.go)

Logging provides structured request logging using slog:
  - Logs request start (method, path, remote_addr)
  - Logs request completion (status, duration)
  - Supports custom log fields via AddLogField/AddError; the gateway pipeline
    uses these for tenant_id, credential_id and pipeline_state

## Timeout (timeout.go)

Timeout bounds the request context. Handlers observe ctx.Done().

## Recovery (recover.go)

Recoverer converts panics that escape everything else into a response
written by the supplied fallback handler, after logging the stack.

# Middleware Chain Order

 1. RequestID
 2. chi RealIP, only when server.trust_proxy is set
 3. Logging
 4. Recoverer
 5. Timeout
 6. chi RequestSize
 7. OTel instrumentation
*/
package middleware
