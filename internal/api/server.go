package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/openpsd/xs2a-consent/internal/common/config"
)

type Server struct {
	config  *config.Config
	router  *mux.Router
	handler *Handler
}

func NewServer(cfg *config.Config, handler *Handler) *Server {
	server := &Server{
		config:  cfg,
		router:  mux.NewRouter(),
		handler: handler,
	}

	// Setup routes
	server.setupRoutes()

	return server
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.HandleFunc("/health", s.handler.HealthCheck).Methods("GET")

	// API v1 routes
	api := s.router.PathPrefix("/v1").Subrouter()

	// Consent lifecycle
	api.HandleFunc("/consents", s.handler.CreateConsent).Methods("POST")
	api.HandleFunc("/consents/{consent-id}/status", s.handler.GetConsentStatus).Methods("GET")
	api.HandleFunc("/consents/{consent-id}/actions", s.handler.GetConsentActions).Methods("GET")
	api.HandleFunc("/consents/{consent-id}", s.handler.GetConsent).Methods("GET")
	api.HandleFunc("/consents/{consent-id}", s.handler.DeleteConsent).Methods("DELETE")

	// Account reads gated by consent scope
	api.HandleFunc("/accounts", s.handler.GetAccounts).Methods("GET")
	api.HandleFunc("/accounts/{account-id}/balances", s.handler.GetBalances).Methods("GET")
	api.HandleFunc("/accounts/{account-id}/transactions", s.handler.GetTransactions).Methods("GET")

	// Metrics endpoint (Prometheus)
	api.HandleFunc("/metrics", s.handler.Metrics).Methods("GET")

	// Middleware
	s.router.Use(loggingMiddleware)
	s.router.Use(corsMiddleware)
}

// Router exposes the configured router, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	server := &http.Server{
		Addr:         ":" + s.config.APIPort,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// Middleware functions
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		// Simple logging - replace with structured logging in production
		println("[API]", r.Method, r.URL.Path, "-", duration.String())
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
