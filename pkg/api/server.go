package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/orgplane/pkg/httputil"
	"github.com/platinummonkey/orgplane/pkg/observability"
)

// PathPrefix is where every API route is mounted
const PathPrefix = "/api/v1"

const defaultMaxBodyBytes = 1 << 20

// RouteGroup registers a set of handlers on the API router
type RouteGroup interface {
	RegisterRoutes(router *mux.Router)
}

// Options configures the API server
type Options struct {
	Logger  *logrus.Logger
	Metrics *observability.Metrics

	// Authenticate resolves the caller, usually identity.BearerMiddleware.
	// Requests pass through anonymously when nil.
	Authenticate func(http.Handler) http.Handler
	// RateLimit runs after Authenticate so it can key on the identity
	RateLimit func(http.Handler) http.Handler

	MaxBodyBytes int64
}

// Server represents our API server
type Server struct {
	router *mux.Router
}

// NewServer creates the router with the shared middleware chain and mounts
// every group under PathPrefix
func NewServer(opts Options, groups ...RouteGroup) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}

	router := mux.NewRouter()
	router.Use(httputil.RequestIDMiddleware(opts.Logger))
	router.Use(httputil.RecoveryMiddleware)
	router.Use(httputil.LoggingMiddleware)
	if opts.Metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(opts.Metrics))
	}
	router.Use(httputil.MaxBytesMiddleware(opts.MaxBodyBytes))

	sub := router.PathPrefix(PathPrefix).Subrouter()
	if opts.Authenticate != nil {
		sub.Use(opts.Authenticate)
	}
	if opts.RateLimit != nil {
		sub.Use(opts.RateLimit)
	}
	for _, group := range groups {
		group.RegisterRoutes(sub)
	}

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusNotFound, "not found")
	})

	return &Server{router: router}
}

// Router returns the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
