// Package server exposes the analysis service over HTTP:
//
//	GET  /healthz                        -> liveness probe
//	GET  /datasets                       -> dataset catalog
//	GET  /datasets/{id}/schema           -> schema plus sample rows
//	POST /chat                           -> one chat turn
//	POST /chat/stream                    -> one chat turn as SSE
//	POST /runs                           -> direct run submission
//	GET  /runs/{id}                      -> run capsule
//	GET  /runs/{id}/status               -> run status only
//	GET  /threads/{id}/messages          -> thread history window
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tabletalk/tabletalk"
	"github.com/tabletalk/tabletalk/dataset"
	"github.com/tabletalk/tabletalk/observer"
	"github.com/tabletalk/tabletalk/session"
	"github.com/tabletalk/tabletalk/store"
)

const (
	schemaSampleRows   = 3
	defaultThreadLimit = 50
	maxThreadLimit     = 200
)

// Server binds the orchestrator and stores to HTTP routes.
type Server struct {
	orch            *session.Orchestrator
	registry        *dataset.Registry
	capsules        store.CapsuleStore
	messages        store.MessageStore
	inst            *observer.Instruments
	sandboxProvider string
	logger          *slog.Logger
}

// Option customises server behaviour.
type Option func(*Server)

// WithInstruments attaches telemetry instruments. Without them the
// server runs fine and records nothing.
func WithInstruments(inst *observer.Instruments) Option {
	return func(s *Server) { s.inst = inst }
}

// WithSandboxProvider sets the provider label stamped on sandbox run
// metrics.
func WithSandboxProvider(name string) Option {
	return func(s *Server) { s.sandboxProvider = name }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a server over the orchestrator and its stores.
func New(orch *session.Orchestrator, registry *dataset.Registry,
	capsules store.CapsuleStore, messages store.MessageStore, opts ...Option) *Server {
	s := &Server{
		orch:     orch,
		registry: registry,
		capsules: capsules,
		messages: messages,
		logger:   nopLogger,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Handler returns the routed handler with request-id middleware bound.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /datasets", s.handleDatasets)
	mux.HandleFunc("GET /datasets/{id}/schema", s.handleDatasetSchema)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /chat/stream", s.handleChatStream)
	mux.HandleFunc("POST /runs", s.handleSubmitRun)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /runs/{id}/status", s.handleGetRunStatus)
	mux.HandleFunc("GET /threads/{id}/messages", s.handleThreadMessages)

	return s.requestID(mux)
}

// requestID assigns each request an id, echoes it in the response, and
// records completion telemetry.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = "req-" + uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = r.URL.Path
		}
		duration := time.Since(start)
		s.inst.RecordHTTPRequest(r.Context(), r.Method, endpoint, strconv.Itoa(sw.status), duration)
		s.logger.Info("http request completed",
			"request_id", reqID, "method", r.Method, "endpoint", endpoint,
			"status", sw.status, "duration", duration)
	})
}

// statusWriter captures the response status for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush passes through so SSE responses keep streaming.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDatasets(w http.ResponseWriter, _ *http.Request) {
	type entry struct {
		ID          string   `json:"id"`
		Name        string   `json:"name"`
		Description string   `json:"description,omitempty"`
		Prompts     []string `json:"prompts"`
		VersionHash string   `json:"version_hash,omitempty"`
	}
	out := struct {
		Datasets []entry `json:"datasets"`
	}{Datasets: make([]entry, 0, len(s.registry.Datasets))}
	for _, ds := range s.registry.Datasets {
		prompts := ds.Prompts
		if prompts == nil {
			prompts = []string{}
		}
		out.Datasets = append(out.Datasets, entry{
			ID: ds.ID, Name: ds.Name, Description: ds.Description,
			Prompts: prompts, VersionHash: ds.VersionHash,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDatasetSchema(w http.ResponseWriter, r *http.Request) {
	ds, err := s.registry.ByID(r.PathValue("id"))
	if err != nil {
		writeDetail(w, http.StatusNotFound, "Dataset not found")
		return
	}
	type fileEntry struct {
		Name       string                          `json:"name"`
		Path       string                          `json:"path"`
		Schema     map[string]dataset.ColumnSchema `json:"schema"`
		SampleRows []map[string]string             `json:"sample_rows"`
	}
	files := make([]fileEntry, 0, len(ds.Files))
	for _, f := range ds.Files {
		sample, err := dataset.SampleRows(s.registry.FilePath(f), schemaSampleRows)
		if err != nil {
			sample = []map[string]string{}
		}
		schema := f.Schema
		if schema == nil {
			schema = map[string]dataset.ColumnSchema{}
		}
		files = append(files, fileEntry{Name: f.Name, Path: f.Path, Schema: schema, SampleRows: sample})
	}
	writeJSON(w, http.StatusOK, struct {
		ID    string      `json:"id"`
		Name  string      `json:"name"`
		Files []fileEntry `json:"files"`
	}{ID: ds.ID, Name: ds.Name, Files: files})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req session.Request
	if !decodeBody(w, r, &req) {
		return
	}
	inputMode, _ := session.Directive(req.Message)

	resp, err := s.orch.Chat(r.Context(), req)
	if err != nil {
		s.inst.RecordAgentTurn(r.Context(), "/chat", inputMode, "failed")
		s.writeError(w, err)
		return
	}
	s.inst.RecordAgentTurn(r.Context(), "/chat", inputMode, resp.Status)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req session.Request
	if !decodeBody(w, r, &req) {
		return
	}
	inputMode, _ := session.Directive(req.Message)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeDetail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := make(chan tabletalk.StreamEvent, 64)
	var resp *session.Response
	done := make(chan struct{})
	go func() {
		defer close(ch)
		defer close(done)
		resp = s.orch.ChatStream(r.Context(), req, ch)
	}()

	for ev := range ch {
		writeSSE(w, ev)
		flusher.Flush()
	}
	<-done

	status := "failed"
	if resp != nil {
		status = resp.Status
	}
	s.inst.RecordAgentTurn(r.Context(), "/chat/stream", inputMode, status)
}

// writeSSE renders one stream event as an SSE frame. Event payloads
// mirror the JSON the non-streaming endpoint returns.
func writeSSE(w http.ResponseWriter, ev tabletalk.StreamEvent) {
	var payload any
	switch ev.Type {
	case tabletalk.EventStatus:
		payload = map[string]string{"stage": ev.Stage}
	case tabletalk.EventToken:
		payload = map[string]string{"content": ev.Content}
	case tabletalk.EventToolCall:
		payload = map[string]any{"name": ev.Name, "input": ev.Args}
	case tabletalk.EventToolResult:
		payload = map[string]string{"output": ev.Content}
	default:
		payload = ev.Data
	}
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req session.RunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := s.orch.SubmitRun(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.inst.RecordSandboxRun(r.Context(), s.sandboxProvider, req.QueryType, resp.Status)
	s.logger.Info("run submission completed",
		"run_id", resp.RunID, "dataset_id", req.DatasetID,
		"query_mode", req.QueryType, "status", resp.Status)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	capsule, err := s.capsules.GetCapsule(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if capsule == nil {
		writeDetail(w, http.StatusNotFound, "Run not found")
		return
	}
	writeJSON(w, http.StatusOK, capsule)
}

func (s *Server) handleGetRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	capsule, err := s.capsules.GetCapsule(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := "not_found"
	if capsule != nil {
		status = capsule.Status
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": status})
}

func (s *Server) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	limit := defaultThreadLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	limit = min(max(limit, 1), maxThreadLimit)

	messages, err := s.messages.GetMessages(r.Context(), threadID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if messages == nil {
		messages = []tabletalk.ThreadMessage{}
	}
	writeJSON(w, http.StatusOK, struct {
		ThreadID string                    `json:"thread_id"`
		Messages []tabletalk.ThreadMessage `json:"messages"`
	}{ThreadID: threadID, Messages: messages})
}

// writeError maps orchestration failures to HTTP responses. HTTPError
// carries its own status; anything else is a 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var httpErr *tabletalk.HTTPError
	if errors.As(err, &httpErr) {
		writeDetail(w, httpErr.Status, httpErr.Msg)
		return
	}
	s.logger.Error("request failed", "error", err)
	writeDetail(w, http.StatusInternalServerError, "internal server error")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
