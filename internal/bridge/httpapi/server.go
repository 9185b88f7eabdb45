// Package httpapi is the bridge's REST surface: health and status, identity
// mappings, the webhook ingress mount, peer registration, and the HTTP
// transport for the unified tool.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/kmoroz/tsunagi/common/version"
	"github.com/kmoroz/tsunagi/internal/bridge/peers"
	"github.com/kmoroz/tsunagi/internal/bridge/store"
	"github.com/kmoroz/tsunagi/internal/bridge/toolapi"
)

// Probe checks one dependency for the health report.
type Probe func(ctx context.Context) error

// IdentityDirectory is the read-only identity access the REST layer needs.
type IdentityDirectory interface {
	GetIdentity(ctx context.Context, agentID string) (*store.Identity, error)
	ExportIdentities(ctx context.Context) ([]map[string]any, error)
}

// Counters supplies point-in-time routing statistics for /status.
type Counters func() (forwarded, dropped, overflow, failed uint64)

// ProvisionCounters supplies the reconciler's lifetime counters for /health.
type ProvisionCounters func() (provisioned, renamed, revived, retired uint64)

// ConversationSeeder binds a pre-existing runtime conversation to a room.
// The returned id is the stored one, which an earlier bind may own.
type ConversationSeeder interface {
	BindConversation(ctx context.Context, roomID, agentID, userScope, conversationID string) (string, error)
}

// Config holds the server wiring.
type Config struct {
	Addr       string
	Identities IdentityDirectory
	Peers      *peers.Registry
	Tool       *toolapi.Dispatcher
	// Conversations backs POST /conversations/register; nil disables it.
	Conversations ConversationSeeder
	// Webhook handles POST /webhooks/agent-response; nil disables the mount.
	Webhook http.Handler
	// Probes feed the health verdict, keyed by dependency name.
	Probes map[string]Probe
	// Routing is optional; zeros are reported when unset.
	Routing Counters
	// Provisioning is optional; the health report omits it when unset.
	Provisioning ProvisionCounters
}

// Server is the HTTP front of the bridge.
type Server struct {
	cfg       Config
	mux       *http.ServeMux
	server    *http.Server
	startedAt time.Time
}

type healthResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version"`
	Commit       string            `json:"commit"`
	Checks       map[string]string `json:"checks,omitempty"`
	Provisioning *provisionStats   `json:"provisioning,omitempty"`
}

type provisionStats struct {
	Provisioned uint64 `json:"provisioned"`
	Renamed     uint64 `json:"renamed"`
	Revived     uint64 `json:"revived"`
	Retired     uint64 `json:"retired"`
}

type statusResponse struct {
	Status     string    `json:"status"`
	Version    string    `json:"version"`
	Commit     string    `json:"commit"`
	BuildTime  string    `json:"build_time"`
	StartedAt  time.Time `json:"started_at"`
	UptimeSecs float64   `json:"uptime_seconds"`
	Forwarded  uint64    `json:"events_forwarded"`
	Dropped    uint64    `json:"events_dropped"`
	Overflow   uint64    `json:"queue_overflow"`
	Failed     uint64    `json:"forward_failures"`
	Peers      int       `json:"peers"`
}

// New configures the server without starting it.
func New(cfg Config) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:       cfg,
		mux:       mux,
		startedAt: time.Now(),
	}
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /agents/mappings", s.handleMappings)
	mux.HandleFunc("GET /agents/{agent_id}/room", s.handleAgentRoom)
	mux.HandleFunc("POST /conversations/register", s.handleRegisterConversation)
	mux.HandleFunc("POST /peers/register", s.handleRegisterPeer)
	mux.HandleFunc("GET /peers", s.handlePeers)
	mux.HandleFunc("POST /tool", s.handleTool)
	if cfg.Webhook != nil {
		mux.Handle("POST /webhooks/agent-response", cfg.Webhook)
	}
	return s
}

// ServeHTTP implements http.Handler so tests can drive the mux directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handle registers an extra route before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Start listens in the background; it blocks only until the listener is
// established, and shuts down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http server: listen %s: %w", s.cfg.Addr, err)
	}

	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
	}()

	return nil
}

// Stop shuts the server down outside of ctx cancellation.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
}

// handleHealth reports healthy, degraded, or unhealthy: healthy when every
// probe passes, unhealthy when all fail, degraded in between.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.cfg.Probes))
	failed := 0
	for name, probe := range s.cfg.Probes {
		if err := probe(ctx); err != nil {
			checks[name] = err.Error()
			failed++
		} else {
			checks[name] = "ok"
		}
	}

	status := "healthy"
	code := http.StatusOK
	switch {
	case len(s.cfg.Probes) > 0 && failed == len(s.cfg.Probes):
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	case failed > 0:
		status = "degraded"
	}

	resp := healthResponse{
		Status:  status,
		Version: version.Version,
		Commit:  version.GitCommit,
		Checks:  checks,
	}
	if s.cfg.Provisioning != nil {
		stats := &provisionStats{}
		stats.Provisioned, stats.Renamed, stats.Revived, stats.Retired = s.cfg.Provisioning()
		resp.Provisioning = stats
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  s.startedAt,
		UptimeSecs: time.Since(s.startedAt).Seconds(),
	}
	if s.cfg.Routing != nil {
		resp.Forwarded, resp.Dropped, resp.Overflow, resp.Failed = s.cfg.Routing()
	}
	if s.cfg.Peers != nil {
		if live, err := s.cfg.Peers.List(r.Context()); err == nil {
			resp.Peers = len(live)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleMappings returns the credential-free identity audit dictionary.
func (s *Server) handleMappings(w http.ResponseWriter, r *http.Request) {
	idents, err := s.cfg.Identities.ExportIdentities(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to export identities")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identities": idents,
		"count":      len(idents),
	})
}

func (s *Server) handleAgentRoom(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	ident, err := s.cfg.Identities.GetIdentity(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown agent")
			return
		}
		writeError(w, http.StatusInternalServerError, "identity lookup failed")
		return
	}
	if ident.RoomID == "" || ident.Removed() {
		writeError(w, http.StatusNotFound, "agent has no room")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": ident.AgentID,
		"mxid":     ident.MXID,
		"room_id":  ident.RoomID,
	})
}

type registerConversationRequest struct {
	RoomID         string `json:"room_id"`
	AgentID        string `json:"agent_id"`
	UserScope      string `json:"user_scope,omitempty"`
	ConversationID string `json:"conversation_id"`
}

// handleRegisterConversation seeds a room-conversation binding for a
// conversation that already exists on the runtime side.
func (s *Server) handleRegisterConversation(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Conversations == nil {
		writeError(w, http.StatusNotImplemented, "conversation registration disabled")
		return
	}
	var req registerConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.RoomID == "" || req.AgentID == "" || req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "room_id, agent_id and conversation_id are required")
		return
	}
	if req.UserScope == "" {
		req.UserScope = "api"
	}
	stored, err := s.cfg.Conversations.BindConversation(r.Context(), req.RoomID, req.AgentID, req.UserScope, req.ConversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to bind conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"room_id":         req.RoomID,
		"agent_id":        req.AgentID,
		"user_scope":      req.UserScope,
		"conversation_id": stored,
	})
}

type registerPeerRequest struct {
	SessionID  string   `json:"session_id,omitempty"`
	Directory  string   `json:"directory,omitempty"`
	ListenPort int      `json:"listen_port,omitempty"`
	Rooms      []string `json:"rooms"`
}

func (s *Server) handleRegisterPeer(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Peers == nil {
		writeError(w, http.StatusNotImplemented, "peer registry disabled")
		return
	}
	var req registerPeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	reg, err := s.cfg.Peers.Register(r.Context(), &store.PeerRegistration{
		SessionID:  req.SessionID,
		Directory:  req.Directory,
		ListenPort: req.ListenPort,
		Rooms:      req.Rooms,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":  reg.SessionID,
		"ttl_seconds": int(s.cfg.Peers.TTL().Seconds()),
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Peers == nil {
		writeError(w, http.StatusNotImplemented, "peer registry disabled")
		return
	}
	live, err := s.cfg.Peers.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list peers")
		return
	}
	type peerView struct {
		SessionID  string   `json:"session_id"`
		Directory  string   `json:"directory,omitempty"`
		ListenPort int      `json:"listen_port,omitempty"`
		Rooms      []string `json:"rooms"`
		LastSeen   string   `json:"last_seen"`
	}
	views := make([]peerView, 0, len(live))
	for _, p := range live {
		views = append(views, peerView{
			SessionID:  p.SessionID,
			Directory:  p.Directory,
			ListenPort: p.ListenPort,
			Rooms:      p.Rooms,
			LastSeen:   p.LastSeen.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": views})
}

// handleTool is the HTTP transport for the unified tool: the body is one
// toolapi.Call, the response either {"result": ...} or the structured error.
func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tool == nil {
		writeError(w, http.StatusNotImplemented, "tool dispatch disabled")
		return
	}
	var call toolapi.Call
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	result, err := s.cfg.Tool.Dispatch(r.Context(), call)
	if err != nil {
		var toolErr *toolapi.Error
		switch {
		case errors.As(err, &toolErr):
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": toolErr})
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", "err", err)
	}
}
