// Package httpmw provides HTTP middleware for the resource API server.
//
// httpserver composes them outermost first: recover, security headers,
// request ID, client IP, rate limiting, OTel tracing, trace headers, metrics,
// request logger, access log, then the chi router.
//
// Resource keys arrive in the URL path and are logged; query strings and
// other headers are not, to keep caller-supplied data out of the logs.
package httpmw
