/*
Package middleware provides the HTTP middleware chain of the gateway.

# Middleware Components

## Request ID (requestid.go)

RequestIDMiddleware assigns each request an ID, reusing a well-formed inbound
X-Request-ID, and exposes it through GetRequestID and the X-Request-ID
response header.

## Logging (logging.go)

LoggingMiddleware emits "request started" and "request completed" records.
Handlers enrich the completion record with AddLogField and AddError.

## Gateway authentication (auth.go)

GatewayAuth checks the proxy or management key presented as a bearer token,
an x-api-key header or an api_key query parameter, and removes it before the
request reaches the upstream.

## Admission (admission.go)

Admission sheds requests with 503 while the process is under pressure.

## CORS (cors.go)

CORS answers preflight requests and decorates responses for allowed origins.

## Quota headers (quota.go)

QuotaHeaders writes X-RateLimit-* headers from quota information recorded by
the proxy handler with SetQuota.

## Timeout (timeout.go)

TimeoutMiddleware bounds the request context.

# Middleware Chain Order

 1. RequestIDMiddleware
 2. LoggingMiddleware
 3. Recoverer (chi)
 4. CORS
 5. GatewayAuth (per route group)
 6. Admission (proxy routes)
 7. QuotaHeaders (proxy routes)
*/
package middleware
