// Package httpmw provides the HTTP middleware wrapped around the proxy.
//
// httpserver.NewHandler composes them outermost first: Recover, RequestID,
// ClientIP, otelhttp, TraceResponseHeaders, metrics, WithLogger, then inside
// the chi router AnnotateHTTPRoute, AccessLog, MaxBody and Rule.
//
// Rate limiting and throttling sit between Rule and the proxy so the access
// log sees the final status and the time spent paced.
package httpmw
