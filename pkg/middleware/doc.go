// Package middleware provides shared HTTP request limits for the API.
//
// # Rate Limiting
//
// RateLimitMiddleware keeps fixed-window counters in Redis so that every
// API replica enforces the same budget:
//
//	Anonymous (by client IP):  100 req/min
//	Per identity:             1000 req/min
//
// Responses carry X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset. A rejected request gets 429 with Retry-After. When
// Redis is unreachable requests are let through and a warning is logged.
//
//	limits := middleware.NewRateLimitMiddleware(redisClient,
//		middleware.PerIdentityRateLimitConfig(), middleware.DefaultRateLimitConfig())
//	server := api.NewServer(api.Options{
//		Authenticate: identity.BearerMiddleware(verifier, identities),
//		RateLimit:    limits.Handler,
//	}, groups...)
package middleware
