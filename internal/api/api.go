// Package api provides HTTP handlers and the main API server logic for
// IntakeFlow.
//
// It exposes endpoints for starting and continuing intake conversations,
// inspecting session state, administering the step catalog, and streaming
// session events over WebSocket.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/intakeflow/intakeflow/internal/events"
	"github.com/intakeflow/intakeflow/internal/flow"
	"github.com/intakeflow/intakeflow/internal/models"
	"github.com/intakeflow/intakeflow/internal/store"
	"github.com/intakeflow/intakeflow/internal/util"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Opts holds configurable fields for the API server.
type Opts struct {
	Addr string
}

// Option configures the server via functional options.
type Option func(*Opts)

// WithAddr overrides the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires the conversation engine, the catalog store, and the event
// bus behind the HTTP surface.
type Server struct {
	engine *flow.Engine
	store  store.Store
	bus    *events.Bus
	addr   string
}

// NewServer creates an API server around an engine and its backing store.
func NewServer(engine *flow.Engine, st store.Store, bus *events.Bus, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{engine: engine, store: st, bus: bus, addr: cfg.Addr}
}

// Handler returns the server's route multiplexer.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/intake/start", s.startHandler)
	mux.HandleFunc("/api/intake/message", s.messageHandler)
	mux.HandleFunc("/api/intake/state", s.stateHandler)
	mux.HandleFunc("/api/flow/steps", s.stepsHandler)
	mux.HandleFunc("/api/flow/steps/", s.stepHandler)
	mux.HandleFunc("/ws", s.wsHandler)
	return mux
}

// Run starts the HTTP server and blocks until it exits.
func (s *Server) Run() error {
	slog.Info("Server.Run: IntakeFlow API listening", "addr", s.addr, "flow", s.engine.FlowName())
	return http.ListenAndServe(s.addr, s.Handler())
}

func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req models.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.startHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.FlowName != "" && req.FlowName != s.engine.FlowName() {
		slog.Warn("Server.startHandler: unknown flow requested", "flow", req.FlowName)
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown flow: "+req.FlowName))
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = util.GenerateSessionID("injury")
	}
	slog.Debug("Server.startHandler: starting conversation", "sessionID", sessionID)

	reply, err := s.engine.Start(r.Context(), sessionID)
	if err != nil {
		slog.Error("Server.startHandler: engine start failed", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start conversation"))
		return
	}
	state, err := s.engine.State(r.Context(), sessionID)
	if err != nil {
		slog.Error("Server.startHandler: state lookup failed", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation state"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(models.StartResponse{
		SessionID: sessionID,
		Reply:     reply,
		State:     models.SnapshotOf(state),
	}))
}

func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req models.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.messageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.SessionID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: session_id"))
		return
	}
	if req.Message == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: message"))
		return
	}

	reply, err := s.engine.HandleUser(r.Context(), req.SessionID, req.Message)
	if errors.Is(err, models.ErrSessionNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown session: "+req.SessionID))
		return
	}
	if err != nil {
		slog.Error("Server.messageHandler: engine turn failed", "error", err, "sessionID", req.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}
	state, err := s.engine.State(r.Context(), req.SessionID)
	if err != nil {
		slog.Error("Server.messageHandler: state lookup failed", "error", err, "sessionID", req.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation state"))
		return
	}
	resp := models.MessageResponse{
		SessionID: req.SessionID,
		Reply:     reply,
		State:     models.SnapshotOf(state),
	}
	// A farewell at the end of a completed intake closes the session; hand
	// the caller a fresh id so the next intake starts clean.
	if reply == flow.ClosingMessage {
		resp.NextSessionID = util.GenerateSessionID("injury")
		slog.Debug("Server.messageHandler: session ended, rotating", "sessionID", req.SessionID, "nextSessionID", resp.NextSessionID)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: session_id"))
		return
	}
	state, err := s.engine.State(r.Context(), sessionID)
	if errors.Is(err, models.ErrSessionNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown session: "+sessionID))
		return
	}
	if err != nil {
		slog.Error("Server.stateHandler: state lookup failed", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation state"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(models.SnapshotOf(state)))
}
