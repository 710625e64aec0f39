// Package httpmw holds the middleware the site handler is assembled from.
//
// httpserver.NewHandler fixes the order: recover, security headers, request
// id, client ip, rate limit, otelhttp, metrics, logger, access log, router.
// Query strings and user agents stay out of logs.
package httpmw
