// Package api exposes the broker's inbound HTTP surface: the two tiered
// ask endpoints, the debug/introspection endpoint, and the auth and
// correlation middleware around them.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/opsbridge-ai/toolbroker/internal/broker"
	"github.com/opsbridge-ai/toolbroker/internal/policy"
	"github.com/opsbridge-ai/toolbroker/internal/request"
)

// ProcessLister reports live supervised backend processes for the debug
// endpoint. Satisfied by gateway.Supervisor.
type ProcessLister interface {
	Active() []string
}

// BackendNamer exposes the routing decision per tool. Satisfied by
// route.Router.
type BackendNamer interface {
	BackendFor(toolName string) string
}

// Dependencies holds everything the HTTP layer needs.
type Dependencies struct {
	Broker    *broker.Broker
	Firewall  *policy.Firewall
	Auth      Authenticator
	Backends  BackendNamer
	Processes ProcessLister
	Logger    *zap.Logger
}

// NewRouter builds the chi handler tree.
func NewRouter(d *Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestLogging(d.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/healthz"))
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Route("/v1", func(r chi.Router) {
		r.Use(d.authMiddleware)
		r.Post("/ask/user", d.handleAsk(request.TierUser))
		r.Post("/ask/admin", d.handleAsk(request.TierAdmin))
		r.Get("/debug/tools", d.handleDebugTools)
	})

	return r
}
