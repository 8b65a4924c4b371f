package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/iris-network/iris/pkg/log"
	"github.com/iris-network/iris/pkg/metrics"
	"github.com/iris-network/iris/pkg/orchestrator"
	"github.com/iris-network/iris/pkg/storage"
	"github.com/iris-network/iris/pkg/types"
)

// TaskService is the orchestrator surface the HTTP boundary needs.
type TaskService interface {
	Submit(req orchestrator.SubmitRequest) (*types.Task, error)
	Get(taskID string) (*types.Task, error)
	Cancel(taskID string) error
	Subscribe(ctx context.Context, taskID string) (<-chan types.StreamFrame, error)
}

// NetworkView produces the monitoring snapshot.
type NetworkView interface {
	NetworkSnapshot() types.NetworkSnapshot
	Nodes() []types.NodeView
}

// NodeGateway adopts upgraded worker websockets.
type NodeGateway interface {
	Serve(conn *websocket.Conn)
}

// Options wires the server's collaborators.
type Options struct {
	Tasks   TaskService
	Network NetworkView
	Nodes   NodeGateway
	History storage.Store
}

// Server is the coordinator's HTTP boundary: the client REST API, the worker
// websocket endpoint, and the operational endpoints.
type Server struct {
	tasks    TaskService
	network  NetworkView
	nodes    NodeGateway
	history  storage.Store
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewServer creates the API server.
func NewServer(opts Options) *Server {
	return &Server{
		tasks:   opts.Tasks,
		network: opts.Network,
		nodes:   opts.Nodes,
		history: opts.History,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Workers connect from anywhere; auth happens on the first frame.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.WithComponent("api"),
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/livez", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Delete("/tasks/{id}", s.handleCancelTask)
		r.Get("/tasks/{id}/stream", s.handleStreamTask)
		r.Get("/history", s.handleHistory)
		r.Get("/network", s.handleNetwork)
		r.Get("/nodes", s.handleNodes)
	})

	r.Get("/ws/node", s.handleNodeSocket)

	return r
}

type createTaskRequest struct {
	Prompt     string                 `json:"prompt"`
	Mode       string                 `json:"mode,omitempty"`
	Streaming  bool                   `json:"streaming,omitempty"`
	Difficulty string                 `json:"difficulty,omitempty"`
	Account    string                 `json:"account,omitempty"`
	Files      []types.FileAttachment `json:"files,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	task, err := s.tasks.Submit(orchestrator.SubmitRequest{
		AccountRef: req.Account,
		Prompt:     req.Prompt,
		Files:      req.Files,
		Mode:       types.TaskMode(req.Mode),
		Streaming:  req.Streaming,
		Difficulty: types.Difficulty(req.Difficulty),
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrEmptyPrompt) {
			writeError(w, http.StatusBadRequest, "prompt is required")
			return
		}
		s.logger.Error().Err(err).Msg("task submission failed")
		writeError(w, http.StatusInternalServerError, "task submission failed")
		return
	}
	writeJSON(w, http.StatusAccepted, taskJSON(task))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, taskJSON(task))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Cancel(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStreamTask relays the task's frame queue as server-sent events. One
// JSON frame per event; the stream ends when the task closes.
func (s *Server) handleStreamTask(w http.ResponseWriter, r *http.Request) {
	frames, err := s.tasks.Subscribe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writer := bufio.NewWriter(w)
	for frame := range frames {
		data, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		fmt.Fprintf(writer, "data: %s\n\n", data)
		writer.Flush()
		flusher.Flush()
	}
	fmt.Fprint(writer, "event: done\ndata: {}\n\n")
	writer.Flush()
	flusher.Flush()
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	records, err := s.history.ListTaskRecords(limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("history read failed")
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if records == nil {
		records = []*types.TaskRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": records})
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.network.NetworkSnapshot())
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.network.Nodes()
	if nodes == nil {
		nodes = []types.NodeView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

// handleNodeSocket upgrades a worker connection and hands it to the
// registry. The handshake happens on the socket, not here.
func (s *Server) handleNodeSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	go s.nodes.Serve(conn)
}

// taskJSON is the wire shape of a task. Subtask prompts are echoed back so
// clients can see how their request was divided.
func taskJSON(task *types.Task) map[string]any {
	subtasks := make([]map[string]any, 0, len(task.Subtasks))
	for _, st := range task.Subtasks {
		subtasks = append(subtasks, map[string]any{
			"index":       st.Index,
			"prompt":      st.Prompt,
			"node_id":     st.NodeID,
			"attempts":    st.Attempts,
			"state":       st.State,
			"error_kind":  st.ErrorKind,
			"duration_ms": st.DurationMs,
		})
	}

	out := map[string]any{
		"id":         task.ID,
		"prompt":     task.Prompt,
		"mode":       task.Mode,
		"streaming":  task.Streaming,
		"difficulty": task.Difficulty,
		"status":     task.Status,
		"reason":     task.Reason,
		"result":     task.Result,
		"created_at": task.CreatedAt.Format(time.RFC3339Nano),
		"subtasks":   subtasks,
	}
	if !task.FinishedAt.IsZero() {
		out["finished_at"] = task.FinishedAt.Format(time.RFC3339Nano)
	}
	return out
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
