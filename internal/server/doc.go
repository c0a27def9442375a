// Package server implements the HTTP API of the client file vault. It wires
// the chi router, the middleware chain (request id, access log, metrics,
// security headers, rate limiting, compression, audit) and the handlers
// over the client, file and log services.
package server
