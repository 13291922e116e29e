package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codocs/codocs/internal/domain"
	"github.com/codocs/codocs/internal/repository"
	"github.com/codocs/codocs/internal/service/auth"
	"github.com/codocs/codocs/internal/service/cospace"
	"github.com/codocs/codocs/internal/service/export"
	"github.com/codocs/codocs/internal/service/feed"
	"github.com/codocs/codocs/internal/service/team"
	"github.com/codocs/codocs/internal/ws"
	"github.com/codocs/codocs/pkg/config"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     auth.Service
	team     team.Service
	cospace  cospace.Service
	feed     *feed.Service
	export   export.Service
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error

	pollTimeout    time.Duration
	pollMaxTimeout time.Duration

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitRealtime  = 30
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, teamSvc team.Service, cospaceSvc cospace.Service, feedSvc *feed.Service, exportSvc export.Service, limiter RateLimiter, cfg config.APIConfig, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		auth:    authSvc,
		team:    teamSvc,
		cospace: cospaceSvc,
		feed:    feedSvc,
		export:  exportSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:        limiter,
		dbHealth:       dbHealth,
		pollTimeout:    cfg.LongPollTimeout,
		pollMaxTimeout: cfg.LongPollMaxTimeout,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/auth/signup", r.audit("/auth/signup", r.withRateLimit("/auth/signup", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleSignup)))
	r.mux.HandleFunc("/auth/login", r.audit("/auth/login", r.withRateLimit("/auth/login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/auth/github/token", r.audit("/auth/github/token", r.handlerAuthRate("/auth/github/token", rateLimitUserWrite, rateWindowDefault, r.handleGithubToken)))
	r.mux.HandleFunc("/me", r.audit("/me", r.handlerAuthRate("/me", rateLimitUserRead, rateWindowDefault, r.handleMe)))
	r.mux.HandleFunc("/teams", r.audit("/teams", r.handlerAuthRate("/teams", rateLimitUserWrite, rateWindowDefault, r.handleTeams)))
	r.mux.HandleFunc("/teams/", r.audit("/teams/", r.handlerAuthRate("/teams/", rateLimitUserWrite, rateWindowDefault, r.handleTeamSubroutes)))
	r.mux.HandleFunc("/cospaces", r.audit("/cospaces", r.handlerAuthRate("/cospaces", rateLimitUserWrite, rateWindowDefault, r.handleCoSpaces)))
	r.mux.HandleFunc("/comments", r.audit("/comments", r.handlerAuthRate("/comments", rateLimitUserWrite, rateWindowDefault, r.handleCommentCreate)))
	r.mux.HandleFunc("/comments/", r.audit("/comments/", r.handleCommentSubroutes))
	r.mux.HandleFunc("/ws/comments", r.audit("/ws/comments", r.withRateLimit("/ws/comments", rateLimitRealtime, rateWindowRealtime, rateLimitKeyIP, r.handleCommentsWS)))
	r.mux.HandleFunc("/export/github", r.audit("/export/github", r.withRateLimit("/export/github", rateLimitUserWrite, rateWindowDefault, rateLimitKeyIP, r.handleExport)))
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := r.auth.Signup(req.Context(), payload.Username, payload.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUsernameTaken) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user": map[string]any{
			"id":       user.ID,
			"username": user.Username,
		},
		"token": token,
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := r.auth.Login(req.Context(), payload.Username, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user": map[string]any{
			"id":       user.ID,
			"username": user.Username,
		},
		"token": token,
	})
}

func (r *Router) handleGithubToken(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.auth.StoreGithubToken(req.Context(), info.UserID, payload.Token); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       info.UserID,
		"username": info.Username,
	})
}

func (r *Router) handleTeams(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	switch req.Method {
	case http.MethodGet:
		teams, err := r.team.ListForUser(req.Context(), info.UserID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(teams))
		for i := range teams {
			payload = append(payload, teamPayload(&teams[i]))
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodPost:
		var payload struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.team.Create(req.Context(), info.UserID, payload.Name)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, teamPayload(created))
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleTeamSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/teams/")
	parts := strings.Split(trimmed, "/")
	teamID := parts[0]
	if teamID == "" {
		r.notFound(w)
		return
	}
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	switch {
	case len(parts) == 1:
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		found, err := r.team.Get(req.Context(), teamID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, teamPayload(found))
	case len(parts) == 2 && parts[1] == "members":
		r.handleTeamMembers(w, req, info, teamID)
	case len(parts) == 3 && parts[1] == "members" && parts[2] != "":
		r.handleTeamMember(w, req, info, teamID, parts[2])
	default:
		r.notFound(w)
	}
}

func (r *Router) handleTeamMembers(w http.ResponseWriter, req *http.Request, info authInfo, teamID string) {
	switch req.Method {
	case http.MethodGet:
		members, err := r.team.ListMembers(req.Context(), info.UserID, teamID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(members))
		for _, member := range members {
			payload = append(payload, map[string]any{
				"user_id":  member.UserID,
				"username": member.Username,
				"role":     member.Role,
			})
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodPost:
		var payload struct {
			GithubUsername string `json:"github_username"`
			Role           string `json:"role"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := r.team.AddMember(req.Context(), info.UserID, teamID, payload.GithubUsername, payload.Role); err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleTeamMember(w http.ResponseWriter, req *http.Request, info authInfo, teamID, userID string) {
	switch req.Method {
	case http.MethodPut:
		var payload struct {
			Role string `json:"role"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := r.team.SetRole(req.Context(), info.UserID, teamID, userID, payload.Role); err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case http.MethodDelete:
		if err := r.team.RemoveMember(req.Context(), info.UserID, teamID, userID); err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleCoSpaces(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	switch req.Method {
	case http.MethodGet:
		cospaces, err := r.cospace.ListForUser(req.Context(), info.UserID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(cospaces))
		for i := range cospaces {
			payload = append(payload, cospacePayload(&cospaces[i]))
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodPost:
		var payload struct {
			Name        string `json:"name"`
			TeamID      string `json:"team_id"`
			Description string `json:"description"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.cospace.Create(req.Context(), info.UserID, payload.Name, payload.TeamID, payload.Description)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, cospacePayload(created))
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleCommentCreate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	var payload struct {
		CoSpaceID string          `json:"cospace_id"`
		Selector  string          `json:"selector"`
		Text      string          `json:"text"`
		Metadata  json.RawMessage `json:"metadata"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.CoSpaceID == "" {
		writeError(w, http.StatusBadRequest, "cospace_id is required")
		return
	}
	comment, err := r.feed.Post(req.Context(), feed.Caller{UserID: info.UserID, Username: info.Username}, feed.PostInput{
		CoSpaceID: payload.CoSpaceID,
		Selector:  payload.Selector,
		Text:      payload.Text,
		Metadata:  payload.Metadata,
	})
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": comment.ID})
}

// handleCommentSubroutes serves the read paths. They are deliberately
// unauthenticated: co-space ids are unguessable and readers may not
// have accounts.
func (r *Router) handleCommentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/comments/")
	parts := strings.Split(trimmed, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		r.withRateLimit("/comments/", rateLimitUserRead, rateWindowDefault, rateLimitKeyIP, func(w http.ResponseWriter, req *http.Request) {
			r.handleCommentList(w, req, parts[0])
		})(w, req)
	case len(parts) == 2 && parts[0] == "longpoll" && parts[1] != "":
		r.withRateLimit("/comments/longpoll/", rateLimitRealtime, rateWindowRealtime, rateLimitKeyIP, func(w http.ResponseWriter, req *http.Request) {
			r.handleCommentLongPoll(w, req, parts[1])
		})(w, req)
	case len(parts) == 2 && parts[0] == "stream" && parts[1] != "":
		r.withRateLimit("/comments/stream/", rateLimitRealtime, rateWindowRealtime, rateLimitKeyIP, func(w http.ResponseWriter, req *http.Request) {
			r.handleCommentStream(w, req, parts[1])
		})(w, req)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleCommentList(w http.ResponseWriter, req *http.Request, cospaceID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	sinceID, err := parseSinceID(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since_id")
		return
	}
	comments, err := r.feed.List(req.Context(), cospaceID, sinceID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commentPayloads(comments))
}

func (r *Router) handleCommentLongPoll(w http.ResponseWriter, req *http.Request, cospaceID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	sinceID, err := parseSinceID(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since_id")
		return
	}
	timeout := r.pollTimeout
	if raw := req.URL.Query().Get("timeout"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = time.Duration(seconds) * time.Second
	}
	if timeout > r.pollMaxTimeout {
		timeout = r.pollMaxTimeout
	}
	comments, err := r.feed.LongPoll(req.Context(), cospaceID, sinceID, timeout)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commentPayloads(comments))
}

func (r *Router) handleCommentStream(w http.ResponseWriter, req *http.Request, cospaceID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	channel := feed.Channel(cospaceID)
	r.feed.Hub().Register(channel, client)
	defer func() {
		r.feed.Hub().Unregister(channel, client)
		client.Close()
	}()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleCommentsWS(w http.ResponseWriter, req *http.Request) {
	cospaceID := req.URL.Query().Get("cospace_id")
	if cospaceID == "" {
		writeError(w, http.StatusBadRequest, "cospace_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	channel := feed.Channel(cospaceID)
	r.feed.Hub().Register(channel, client)
	go func() {
		defer func() {
			r.feed.Hub().Unregister(channel, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// handleExport accepts an optional bearer token: authenticated callers
// may fall back to their stored credential, anonymous callers must
// supply one in the body.
func (r *Router) handleExport(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	callerID := ""
	if strings.TrimSpace(req.Header.Get("Authorization")) != "" {
		ctx, info, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		req = req.WithContext(ctx)
		callerID = info.UserID
	}
	var payload struct {
		CoSpaceID string `json:"cospace_id"`
		Token     string `json:"token"`
		Public    bool   `json:"public"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.CoSpaceID == "" {
		writeError(w, http.StatusBadRequest, "cospace_id is required")
		return
	}
	result, err := r.export.Export(req.Context(), callerID, export.Input{
		CoSpaceID: payload.CoSpaceID,
		Token:     payload.Token,
		Public:    payload.Public,
	})
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// mustAuthInfo pulls auth metadata that requireAuth stored; a missing
// entry means a wiring bug, not a client error.
func (r *Router) mustAuthInfo(w http.ResponseWriter, req *http.Request) (authInfo, bool) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return authInfo{}, false
	}
	return info, true
}

// writeServiceError maps service errors to HTTP responses.
func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	var upstream *export.UpstreamError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, feed.ErrForbidden), errors.Is(err, team.ErrForbidden), errors.Is(err, team.ErrNotOwner):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, team.ErrInvalidName), errors.Is(err, team.ErrInvalidRole), errors.Is(err, team.ErrAlreadyMember), errors.Is(err, cospace.ErrInvalidName), errors.Is(err, export.ErrNoToken):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &upstream):
		writeJSON(w, upstream.Status, map[string]any{
			"error":   "github api error",
			"details": upstream.Body,
		})
	default:
		r.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseSinceID(req *http.Request) (int64, error) {
	raw := req.URL.Query().Get("since_id")
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func teamPayload(team *domain.Team) map[string]any {
	return map[string]any{
		"id":         team.ID,
		"name":       team.Name,
		"owner_id":   team.OwnerID,
		"created_at": team.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func cospacePayload(cospace *domain.CoSpace) map[string]any {
	return map[string]any{
		"id":          cospace.ID,
		"name":        cospace.Name,
		"team_id":     cospace.TeamID,
		"description": cospace.Description,
		"created_at":  cospace.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func commentPayloads(comments []domain.Comment) []feed.CommentPayload {
	payloads := make([]feed.CommentPayload, 0, len(comments))
	for i := range comments {
		payloads = append(payloads, feed.Payload(&comments[i]))
	}
	return payloads
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
