// Package httputil provides JSON response helpers, request parsing, and the
// middleware shared by the API router.
//
// # Errors
//
// Handlers return domain errors through WriteDomainError, which maps
// apperrors kinds to status codes (403, 400, 404, 409, 502) and hides
// unclassified errors behind a 500.
//
// # Middleware
//
//	router.Use(httputil.RequestIDMiddleware(logger))
//	router.Use(httputil.RecoveryMiddleware)
//	router.Use(httputil.LoggingMiddleware)
package httputil
