package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stark-backend/internal/dispatch"
	xerrors "stark-backend/internal/errors"
	"stark-backend/internal/execution"
	"stark-backend/internal/observability/metrics"
	"stark-backend/pkg/logger"
)

// Server 暴露消息提交、会话查询和执行控制的 REST 接口。
type Server struct {
	addr         string
	service      *dispatch.Service
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
	middlewares  []func(http.Handler) http.Handler
}

// Option 自定义 Server。
type Option func(*Server)

// WithTimeouts 设置读写超时。
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
	}
}

// WithMiddleware 在路由外层追加中间件，先追加的位于外层。
func WithMiddleware(mw func(http.Handler) http.Handler) Option {
	return func(s *Server) {
		if mw != nil {
			s.middlewares = append(s.middlewares, mw)
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, service *dispatch.Service, opts ...Option) *Server {
	s := &Server{
		addr:         addr,
		service:      service,
		readTimeout:  15 * time.Second,
		writeTimeout: 30 * time.Second,
		logger:       logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/v1/messages", s.handleSubmitMessage)
	mux.HandleFunc("GET /api/v1/messages", s.handleListMessages)
	mux.HandleFunc("GET /api/v1/messages/{id}", s.handleMessageDetail)

	mux.HandleFunc("GET /api/v1/sessions/{session_id}", s.handleSessionStatus)
	mux.HandleFunc("DELETE /api/v1/sessions/{session_id}/tasks/{task_id}", s.handleDeleteTask)

	mux.HandleFunc("POST /api/v1/channels/{channel_id}/stop", s.handleStopChannel)
	mux.HandleFunc("POST /api/v1/channels/{channel_id}/subagents/stop", s.handleStopSubagents)
	mux.HandleFunc("GET /api/v1/channels/{channel_id}/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/v1/channels/{channel_id}/subagents", s.handleListSubagents)

	mux.HandleFunc("POST /api/v1/subagents", s.handleSpawnSubagent)
	mux.HandleFunc("POST /api/v1/executions/{execution_id}/cancel", s.handleCancelExecution)
	var handler http.Handler = mux
	for idx := len(s.middlewares) - 1; idx >= 0; idx-- {
		handler = s.middlewares[idx](handler)
	}
	return instrument(mux, handler)
}

func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req dispatch.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	msg, err := s.service.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := []dispatch.ListOption{dispatch.WithQuery(query.Get("q"))}
	if raw := query.Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, dispatch.WithLimit(limit))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, dispatch.WithOffset(offset))
		}
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []dispatch.Status
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, dispatch.Status(strings.TrimSpace(part)))
		}
		opts = append(opts, dispatch.WithStatuses(statuses...))
	}
	for key, apply := range map[string]func(int64) dispatch.ListOption{
		"channel_id": dispatch.WithChannel,
		"session_id": dispatch.WithSession,
	} {
		if raw := query.Get(key); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				writeError(w, xerrors.New(xerrors.CodeInvalidArgument, key+" 必须为整数"))
				return
			}
			opts = append(opts, apply(id))
		}
	}
	if query.Get("order") == "asc" {
		opts = append(opts, dispatch.WithSortOrder(dispatch.SortByUpdatedAsc))
	}

	messages, err := s.service.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleMessageDetail(w http.ResponseWriter, r *http.Request) {
	msg, err := s.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "session_id")
	if !ok {
		return
	}
	status, err := s.service.SessionStatus(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "session_id")
	if !ok {
		return
	}
	taskID := r.PathValue("task_id")
	if err := s.service.DeleteTask(sessionID, taskID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"session_id": sessionID, "task_id": taskID, "queued": true})
}

func (s *Server) handleStopChannel(w http.ResponseWriter, r *http.Request) {
	channelID, ok := pathID(w, r, "channel_id")
	if !ok {
		return
	}
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		writeJSON(w, http.StatusOK, map[string]int{"cancelled": s.service.Stop(channelID)})
		return
	}
	wait, err := time.ParseDuration(raw)
	if err != nil || wait < 0 {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "wait 必须是合法的时长，例如 5s"))
		return
	}
	acknowledged, total := s.service.StopAndWait(r.Context(), channelID, wait)
	writeJSON(w, http.StatusOK, map[string]int{"acknowledged": acknowledged, "cancelled": total})
}

func (s *Server) handleStopSubagents(w http.ResponseWriter, r *http.Request) {
	channelID, ok := pathID(w, r, "channel_id")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": s.service.StopSubagents(channelID)})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	channelID, ok := pathID(w, r, "channel_id")
	if !ok {
		return
	}
	current, infos := s.service.ListExecutions(channelID)
	writeJSON(w, http.StatusOK, map[string]any{
		"current_execution_id": current,
		"executions":           nonNil(infos),
	})
}

func (s *Server) handleListSubagents(w http.ResponseWriter, r *http.Request) {
	channelID, ok := pathID(w, r, "channel_id")
	if !ok {
		return
	}
	var sessionID *int64
	if raw := r.URL.Query().Get("session_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "session_id 必须为整数"))
			return
		}
		sessionID = &id
	}
	writeJSON(w, http.StatusOK, map[string]any{"subagents": nonNil(s.service.ListSubagents(channelID, sessionID))})
}

type spawnRequest struct {
	ParentSessionID int64  `json:"parent_session_id"`
	ChannelID       int64  `json:"channel_id"`
	Label           string `json:"label"`
	Task            string `json:"task"`
}

func (s *Server) handleSpawnSubagent(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	info, err := s.service.SpawnSubagent(req.ParentSessionID, req.ChannelID, req.Label, req.Task)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, info)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("execution_id")
	if err := s.service.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"execution_id": id, "cancelled": true})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, name+" 必须为整数"))
		return 0, false
	}
	return id, true
}

func nonNil(infos []execution.Info) []execution.Info {
	if infos == nil {
		return []execution.Info{}
	}
	return infos
}

type errorResponse struct {
	Code    xerrors.Code      `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Code: xerrors.CodeOf(err), Message: err.Error()}
	if coded, ok := xerrors.From(err); ok {
		resp.Message = coded.Message()
		resp.Details = coded.Metadata()
	}
	status := statusFor(xerrors.KindOf(err))
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.Any("error", err))
	}
	writeJSON(w, status, resp)
}

func statusFor(kind xerrors.Kind) int {
	switch kind {
	case xerrors.KindInvalid:
		return http.StatusBadRequest
	case xerrors.KindNotFound:
		return http.StatusNotFound
	case xerrors.KindConflict:
		return http.StatusConflict
	case xerrors.KindUnavailable:
		return http.StatusServiceUnavailable
	case xerrors.KindTimeout, xerrors.KindCancelled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 以路由模式为标签记录请求指标。
func instrument(mux *http.ServeMux, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		pattern := r.Pattern
		if pattern == "" {
			_, pattern = mux.Handler(r)
		}
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(started))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
