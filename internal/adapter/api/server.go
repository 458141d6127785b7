package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"parley/internal/domain"
	"parley/internal/infra/middleware"
	"parley/internal/usecase"
)

// Server is the HTTP surface: the talk route, the notification mailbox
// routes and the conversation log.
type Server struct {
	server *http.Server
	logger *slog.Logger
	addr   string

	talk          *usecase.TalkService
	notifications *usecase.NotificationService
	messages      domain.MessageStore

	// Optional realtime event stream handler, mounted at /ws when set.
	stream http.Handler

	requestsPerMin int
	burstSize      int

	// Actual bound address (set after Start)
	boundAddr string

	// Lifecycle management for rate limiter cleanup goroutine
	ctx    context.Context
	cancel context.CancelFunc
}

// Options carries the server's wiring.
type Options struct {
	Addr           string
	Talk           *usecase.TalkService
	Notifications  *usecase.NotificationService
	Messages       domain.MessageStore
	Stream         http.Handler // nil disables /ws
	RequestsPerMin int
	BurstSize      int
	Logger         *slog.Logger
}

// NewServer creates the HTTP API server.
func NewServer(opts Options) *Server {
	return &Server{
		addr:           opts.Addr,
		talk:           opts.Talk,
		notifications:  opts.Notifications,
		messages:       opts.Messages,
		stream:         opts.Stream,
		requestsPerMin: opts.RequestsPerMin,
		burstSize:      opts.BurstSize,
		logger:         opts.Logger,
	}
}

// Start begins serving. Non-blocking (serves in a goroutine).
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	mux := s.routes()

	secureHandler := middleware.SecurityHeaders(
		middleware.RateLimit(s.ctx, s.requestsPerMin, s.burstSize)(mux),
	)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           secureHandler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.boundAddr = ln.Addr().String()

	go func() {
		s.logger.Info("api server started", "addr", s.boundAddr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Addr returns the actual bound address, useful when Addr was ":0".
func (s *Server) Addr() string { return s.boundAddr }

// Handler returns the route mux without the outer middleware, for tests.
func (s *Server) Handler() http.Handler { return s.routes() }

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/bots/{botId}/talk/{userId}", s.handleTalk)
	mux.HandleFunc("GET /api/v1/bots/{botId}/notifications", s.handleInbox)
	mux.HandleFunc("GET /api/v1/bots/{botId}/notifications/archive", s.handleArchived)
	mux.HandleFunc("POST /api/v1/bots/{botId}/notifications/read", s.handleReadAll)
	mux.HandleFunc("POST /api/v1/bots/{botId}/notifications/archive", s.handleArchiveAll)
	mux.HandleFunc("POST /api/v1/bots/{botId}/notifications/{id}/read", s.handleRead)
	mux.HandleFunc("POST /api/v1/bots/{botId}/notifications/{id}/archive", s.handleArchive)
	mux.HandleFunc("GET /api/v1/bots/{botId}/logs", s.handleLogs)
	mux.HandleFunc("GET /api/v1/bots/{botId}/logs/archive", s.handleLogsArchive)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	if s.stream != nil {
		mux.Handle("GET /ws", s.stream)
	}
	return mux
}

type talkRequest struct {
	Text   string         `json:"text"`
	Type   string         `json:"type,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	Raw    map[string]any `json:"raw,omitempty"`
	FormID string         `json:"formId,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleTalk(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("botId")
	userID := r.PathValue("userId")

	// Limit request body to 1MB to prevent DoS
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req talkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		msg := "invalid JSON: " + err.Error()
		if err.Error() == "http: request body too large" {
			msg = "request body too large (max 1MB)"
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: msg, Code: string(domain.CodeInvalidParameter),
		})
		return
	}

	payload := domain.Payload{
		Text: req.Text,
		Type: req.Type,
		Data: req.Data,
		Raw:  req.Raw,
	}
	if payload.Type == "" {
		payload.Type = domain.PayloadTypeText
	}
	// Form payloads carry the form identifier at the top level of the
	// request; fold it into the structured data.
	if req.FormID != "" && payload.Type == domain.PayloadTypeForm {
		if payload.Data == nil {
			payload.Data = make(map[string]any, 1)
		}
		payload.Data["formId"] = req.FormID
	}

	if r.URL.Query().Get("wait") == "false" {
		if err := s.talk.EmitMessage(r.Context(), botID, userID, payload); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	reply, err := s.talk.SendNewMessage(r.Context(), botID, userID, payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	list, err := s.notifications.GetInbox(r.Context(), r.PathValue("botId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, notificationList(list))
}

func (s *Server) handleArchived(w http.ResponseWriter, r *http.Request) {
	list, err := s.notifications.GetArchived(r.Context(), r.PathValue("botId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, notificationList(list))
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if err := s.notifications.MarkAsRead(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleReadAll(w http.ResponseWriter, r *http.Request) {
	if err := s.notifications.MarkAllAsRead(r.Context(), r.PathValue("botId")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if err := s.notifications.Archive(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleArchiveAll(w http.ResponseWriter, r *http.Request) {
	if err := s.notifications.ArchiveAll(r.Context(), r.PathValue("botId")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error: "limit must be a non-negative integer",
				Code:  string(domain.CodeInvalidParameter),
			})
			return
		}
		limit = n
	}
	list, err := s.messages.ListByBot(r.Context(), r.PathValue("botId"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []*domain.StoredMessage{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleLogsArchive renders the conversation log as a plain-text download,
// one line per record, oldest first.
func (s *Server) handleLogsArchive(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("botId")
	list, err := s.messages.ListByBot(r.Context(), botID, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", "logs-"+botID+".txt"))
	// ListByBot returns newest first; the archive reads top to bottom.
	for i := len(list) - 1; i >= 0; i-- {
		m := list[i]
		fmt.Fprintf(w, "%s %s: %s\n",
			m.CreatedAt.UTC().Format(time.RFC3339), m.UserID, m.Payload.Text)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps domain error categories to HTTP statuses and writes the
// JSON error envelope.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := domain.ErrorCodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case domain.CodeInvalidParameter:
		status = http.StatusBadRequest
	case domain.CodeNotFound:
		status = http.StatusNotFound
	case domain.CodeTimeout:
		status = http.StatusGatewayTimeout
	case domain.CodeQueueClosed:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err, "code", code)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: string(code)})
}

// notificationList never serializes to JSON null.
func notificationList(list []*domain.Notification) []*domain.Notification {
	if list == nil {
		return []*domain.Notification{}
	}
	return list
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
