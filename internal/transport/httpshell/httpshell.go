// Package httpshell fronts the broker over HTTP: one POST /mcp endpoint
// per JSON-RPC request, with the session's bearer token (if any) carried
// in the Authorization header rather than a separate authenticate call.
package httpshell

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ravelsys/mcp-broker/internal/broker"
	"github.com/ravelsys/mcp-broker/internal/jsonrpc"
)

const requestTimeout = 30 * time.Second

// Shell is an HTTP front end over a shared Broker. Every request gets its
// own ephemeral session: HTTP has no notion of a persistent connection the
// way a stdio pipe does, so the bearer token is re-validated on each call
// rather than cached across requests.
type Shell struct {
	broker *broker.Broker
	router chi.Router
}

// New builds an HTTP shell bound to b, with the standard middleware stack.
func New(b *broker.Broker) *Shell {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	s := &Shell{broker: b, router: r}
	r.Get("/health", s.handleHealth)
	r.Post("/mcp", s.handleMCP)
	return s
}

// ServeHTTP lets Shell be used directly as an http.Handler, e.g. with
// http.ListenAndServe.
func (s *Shell) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Shell) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Shell) handleMCP(w http.ResponseWriter, r *http.Request) {
	var req jsonrpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, jsonrpc.NewError(nil, jsonrpc.CodeParseError, "Parse error", nil))
		return
	}

	session := s.broker.NewSession()
	if token := bearerToken(r); token != "" {
		authReq, _ := jsonrpc.NewRequest(0, "authenticate", map[string]any{"jwt_token": token})
		session.Handle(r.Context(), authReq)
	}

	resp := session.Handle(r.Context(), &req)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeResponse(w, resp)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

func writeResponse(w http.ResponseWriter, resp *jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
