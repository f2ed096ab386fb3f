package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentchat/server/internal/arbitration"
	"github.com/agentchat/server/internal/channel"
	"github.com/agentchat/server/internal/evidence"
	"github.com/agentchat/server/internal/fabric"
	"github.com/agentchat/server/internal/handlers"
	"github.com/agentchat/server/internal/proposal"
	"github.com/agentchat/server/internal/reputation"
)

// Server is the HTTP sidecar next to the websocket: the upgrade endpoint,
// health and stats for operators, Prometheus metrics, the evidence audit
// chains and a keyed admin surface. The protocol itself never leaves the
// websocket.
type Server struct {
	hub       *fabric.Hub
	router    *handlers.Router
	channels  *channel.Store
	proposals *proposal.Store
	disputes  *arbitration.Store
	vault     *evidence.Vault
	rep       reputation.Store
	metrics   http.Handler
	logger    *log.Logger

	srv *http.Server
}

// Deps wires the sidecar to the running stores. Metrics may be nil, in
// which case the default Prometheus handler serves /metrics.
type Deps struct {
	Hub        *fabric.Hub
	Router     *handlers.Router
	Channels   *channel.Store
	Proposals  *proposal.Store
	Disputes   *arbitration.Store
	Vault      *evidence.Vault
	Reputation reputation.Store
	Metrics    http.Handler
}

func NewServer(d Deps) *Server {
	m := d.Metrics
	if m == nil {
		m = promhttp.Handler()
	}
	return &Server{
		hub:       d.Hub,
		router:    d.Router,
		channels:  d.Channels,
		proposals: d.Proposals,
		disputes:  d.Disputes,
		vault:     d.Vault,
		rep:       d.Reputation,
		metrics:   m,
		logger:    log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Routes builds the full route table. Factored out of Start so tests can
// drive the handlers through httptest.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()

	// CORS Middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Admin-Key")
			if req.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Use(s.logRequests)

	// The protocol surface.
	r.HandleFunc("/ws", s.hub.ServeWS)

	// Operator surface.
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", s.metrics).Methods("GET")
	r.HandleFunc("/api/v1/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/api/v1/agents", s.handleAgents).Methods("GET")
	r.HandleFunc("/api/v1/channels", s.handleChannels).Methods("GET")
	r.HandleFunc("/api/v1/reputation/{agent_id}", s.handleReputation).Methods("GET")

	// Evidence audit chains.
	r.HandleFunc("/api/v1/disputes/{dispute_id}/audit", s.handleAuditChain).Methods("GET")
	r.HandleFunc("/api/v1/disputes/{dispute_id}/audit/validate", s.handleAuditValidate).Methods("GET")
	r.HandleFunc("/api/v1/audit/records", s.handleAuditSearch).Methods("GET")

	// Keyed admin surface.
	r.HandleFunc("/api/v1/admin/migrate", s.handleAdminMigrate).Methods("POST")
	r.HandleFunc("/api/v1/admin/motd", s.handleAdminMotd).Methods("POST")

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Printf("sidecar listening on %s", addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, req)
		if req.URL.Path == "/metrics" || req.URL.Path == "/healthz" {
			return // scraped constantly, not worth the noise
		}
		s.logger.Printf("%s %s (%s)", req.Method, req.URL.Path, time.Since(start).Round(time.Microsecond))
	})
}
