// Package panel exposes the lifecycle event feed (internal/streaming) to an
// external dashboard over Server-Sent Events, per SPEC_FULL.md section
// 13.5, plus two JSON execution-history routes backed by the recorder.
// Grounded on the teacher's internal/panel/server.go and sse.go;
// trimmed to those routes — the teacher's HTML dashboard pages
// (templates, decisions, scheduler, agents) have no equivalent in this
// domain's workflow model and are dropped rather than adapted (see
// DESIGN.md).
package panel

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"

	"github.com/definitelycarter/fuschia/internal/recorder"
	"github.com/definitelycarter/fuschia/internal/streaming"
)

// Deps holds the dependencies a Server needs to answer requests.
type Deps struct {
	Hub    streaming.EventHub
	Sink   *recorder.Recorder // optional; enables GET /executions and /executions/{id}
	Logger *slog.Logger
}

// Server serves the lifecycle-event panel routes.
type Server struct {
	deps Deps
}

// New builds a Server. Hub may be nil, in which case the SSE routes answer
// 503; Sink may be nil, in which case the execution-history routes answer
// 404.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/workflows/{id}", s.handleSSEWorkflow)
	mux.HandleFunc("GET /executions", s.handleListExecutions)
	mux.HandleFunc("GET /executions/{id}", s.handleGetExecution)
	return mux
}

func (s *Server) handleSSEGlobal(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.EventFilter{})
}

func (s *Server) handleSSEWorkflow(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.EventFilter{WorkflowID: r.PathValue("id")})
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.EventFilter) {
	if s.deps.Hub == nil {
		http.Error(w, "event feed not configured", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("sse subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	// Send the headers now, so the client sees the stream open before the
	// first event arrives.
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: " + event.EventType + "\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sink == nil {
		http.Error(w, "execution history not configured", http.StatusNotFound)
		return
	}
	workflowID := r.URL.Query().Get("workflow_id")
	if workflowID == "" {
		http.Error(w, "workflow_id query parameter required", http.StatusBadRequest)
		return
	}
	list, err := s.deps.Sink.ListByWorkflow(r.Context(), workflowID, 50)
	if err != nil {
		s.deps.Logger.Error("list executions failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, list)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sink == nil {
		http.Error(w, "execution history not configured", http.StatusNotFound)
		return
	}
	rec, err := s.deps.Sink.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, rec)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
