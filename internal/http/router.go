package httpx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/bothost/internal/domain"
	"github.com/splax/bothost/internal/eventbus"
	"github.com/splax/bothost/internal/service/deploy"
	"github.com/splax/bothost/internal/ws"
)

// Deployments is the orchestrator surface exposed over HTTP.
type Deployments interface {
	Deploy(ctx context.Context, serverID string, data []byte, filename string) (string, error)
	SendInput(ctx context.Context, key domain.Key, text string) error
	Stop(ctx context.Context, key domain.Key) error
	CompleteStop(ctx context.Context, key domain.Key) error
	Restart(ctx context.Context, key domain.Key) error
	ClearLogs(ctx context.Context, key domain.Key) error
	Snapshot(ctx context.Context, key domain.Key, limit int) (deploy.View, error)
	Latest(ctx context.Context, serverID string, limit int) (deploy.View, error)
}

// Events hands out live subscriptions to deployment events.
type Events interface {
	Subscribe(key domain.Key, handler eventbus.Handler) (*eventbus.Subscription, error)
}

// Options configures a Router.
type Options struct {
	Logger      *slog.Logger
	Deployments Deployments
	Events      Events
	Limiter     RateLimiter
	CoreToken   string
	// MaxUploadBytes bounds request bodies on the deploy route.
	MaxUploadBytes int64
	// LogLimit is the number of log entries returned when a snapshot
	// request does not ask for a limit.
	LogLimit  int
	Heartbeat time.Duration
	Retry     time.Duration
	Health    func(context.Context) error
}

// Router wires HTTP endpoints to the orchestrator and event bus.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	deployments Deployments
	events      Events
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	coreToken   string
	maxUpload   int64
	logLimit    int
	heartbeat   time.Duration
	retry       time.Duration
	health      func(context.Context) error
	metrics     routerMetrics
}

const (
	healthCheckTimeout = 2 * time.Second

	defaultLogLimit = 100
	maxLogLimit     = 1000
	multipartSlack  = 1 << 20
	maxInputBytes   = 64 << 10

	defaultHeartbeat = 30 * time.Second
	defaultRetry     = 3 * time.Second
)

const (
	routeEvents    = "GET /servers/{serverID}/deployments/{deploymentID}/events"
	routeWebsocket = "GET /ws/servers/{serverID}/deployments/{deploymentID}"
)

// NewRouter assembles routes with dependencies.
func NewRouter(opts Options) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      opts.Logger,
		deployments: opts.Deployments,
		events:      opts.Events,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		limiter:   opts.Limiter,
		coreToken: strings.TrimSpace(opts.CoreToken),
		maxUpload: opts.MaxUploadBytes,
		logLimit:  opts.LogLimit,
		heartbeat: opts.Heartbeat,
		retry:     opts.Retry,
		health:    opts.Health,
		metrics:   newRouterMetrics(),
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.logLimit <= 0 {
		r.logLimit = defaultLogLimit
	}
	if r.heartbeat <= 0 {
		r.heartbeat = defaultHeartbeat
	}
	if r.retry <= 0 {
		r.retry = defaultRetry
	}
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
	r.mux.Handle("GET /metrics", promhttp.Handler())
	r.mux.HandleFunc("GET /healthz", r.audit(r.handleHealthz))

	r.mux.HandleFunc("POST /servers/{serverID}/deployments",
		r.audit(r.requireToken(r.withRateLimit("deploy", deployPolicy, r.handleDeploy))))
	r.mux.HandleFunc("GET /servers/{serverID}/deployment",
		r.audit(r.requireToken(r.withRateLimit("latest", readPolicy, r.handleLatest))))
	r.mux.HandleFunc("GET /servers/{serverID}/deployments/{deploymentID}",
		r.audit(r.requireToken(r.withRateLimit("snapshot", readPolicy, r.handleSnapshot))))

	r.mux.HandleFunc("POST /servers/{serverID}/deployments/{deploymentID}/input",
		r.audit(r.requireToken(r.withRateLimit("input", commandPolicy, r.handleInput))))
	r.command("stop", r.deployments.Stop)
	r.command("complete-stop", r.deployments.CompleteStop)
	r.command("restart", r.deployments.Restart)
	r.mux.HandleFunc("DELETE /servers/{serverID}/deployments/{deploymentID}/logs",
		r.audit(r.requireToken(r.withRateLimit("clear-logs", commandPolicy, r.handleClearLogs))))

	r.mux.HandleFunc(routeEvents,
		r.audit(r.requireToken(r.withRateLimit("events", streamPolicy, r.handleEvents))))
	r.mux.HandleFunc(routeWebsocket,
		r.audit(r.requireToken(r.withRateLimit("ws", streamPolicy, r.handleWebsocket))))
}

// command registers a POST lifecycle command on a deployment.
func (r *Router) command(name string, op func(context.Context, domain.Key) error) {
	pattern := "POST /servers/{serverID}/deployments/{deploymentID}/" + name
	handler := func(w http.ResponseWriter, req *http.Request) {
		key, ok := r.deploymentKey(w, req)
		if !ok {
			return
		}
		if err := op(req.Context(), key); err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		view, err := r.deployments.Snapshot(req.Context(), key, 0)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": name})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": name, "deployment": view.Deployment})
	}
	r.mux.HandleFunc(pattern, r.audit(r.requireToken(r.withRateLimit(name, commandPolicy, handler))))
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	serverID := strings.TrimSpace(req.PathValue("serverID"))
	data, filename, err := r.readArchive(w, req)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "archive too large")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := r.deployments.Deploy(req.Context(), serverID, data, filename)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"serverId":     serverID,
		"deploymentId": id,
		"status":       "started",
	})
}

// readArchive accepts either a multipart form with an "archive" file field or
// the raw archive as the request body.
func (r *Router) readArchive(w http.ResponseWriter, req *http.Request) ([]byte, string, error) {
	if r.maxUpload > 0 {
		req.Body = http.MaxBytesReader(w, req.Body, r.maxUpload+multipartSlack)
	}
	mediaType, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, "", err
		}
		filename := strings.TrimSpace(req.Header.Get("X-Archive-Name"))
		if filename == "" {
			filename = strings.TrimSpace(req.URL.Query().Get("filename"))
		}
		return data, filename, nil
	}

	reader, err := req.MultipartReader()
	if err != nil {
		return nil, "", fmt.Errorf("invalid multipart body: %w", err)
	}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, "", errors.New("multipart field \"archive\" is required")
		}
		if err != nil {
			return nil, "", err
		}
		if part.FormName() != "archive" {
			_ = part.Close()
			continue
		}
		data, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			return nil, "", err
		}
		return data, part.FileName(), nil
	}
}

func (r *Router) handleLatest(w http.ResponseWriter, req *http.Request) {
	serverID := strings.TrimSpace(req.PathValue("serverID"))
	view, err := r.deployments.Latest(req.Context(), serverID, r.parseLimit(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (r *Router) handleSnapshot(w http.ResponseWriter, req *http.Request) {
	key, ok := r.deploymentKey(w, req)
	if !ok {
		return
	}
	view, err := r.deployments.Snapshot(req.Context(), key, r.parseLimit(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (r *Router) handleInput(w http.ResponseWriter, req *http.Request) {
	key, ok := r.deploymentKey(w, req)
	if !ok {
		return
	}
	var payload struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(http.MaxBytesReader(w, req.Body, maxInputBytes), &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.deployments.SendInput(req.Context(), key, payload.Text); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (r *Router) handleClearLogs(w http.ResponseWriter, req *http.Request) {
	key, ok := r.deploymentKey(w, req)
	if !ok {
		return
	}
	if err := r.deployments.ClearLogs(req.Context(), key); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams a deployment's live events as Server-Sent Events.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	key, ok := r.deploymentKey(w, req)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, r.logger)
	defer client.Close()
	if err := client.Retry(r.retry); err != nil {
		return
	}
	r.stream(req.Context(), key, client, "sse", nil)
}

// handleWebsocket is the websocket variant of handleEvents.
func (r *Router) handleWebsocket(w http.ResponseWriter, req *http.Request) {
	key, ok := r.deploymentKey(w, req)
	if !ok {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	defer client.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(maxInputBytes)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	r.stream(req.Context(), key, client, "websocket", gone)
}

// stream forwards bus events for key to client until the request ends, the
// client goes away or the subscription is detached. A ping envelope is sent
// immediately and then on every heartbeat.
func (r *Router) stream(ctx context.Context, key domain.Key, client ws.Subscriber, transport string, gone <-chan struct{}) {
	if err := sendEvent(client, domain.NewPing(time.Now())); err != nil {
		return
	}
	sub, err := r.events.Subscribe(key, func(event domain.Event) error {
		return sendEvent(client, event)
	})
	if err != nil {
		r.logger.Warn("stream subscription refused", "server_id", key.ServerID, "deployment_id", key.DeploymentID, "error", err)
		return
	}
	defer sub.Close()

	gauge := r.metrics.streams.WithLabelValues(transport)
	gauge.Inc()
	defer gauge.Dec()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case <-sub.Done():
			return
		case now := <-ticker.C:
			if err := sendEvent(client, domain.NewPing(now)); err != nil {
				return
			}
		}
	}
}

func sendEvent(client ws.Subscriber, event domain.Event) error {
	payload, err := event.Marshal()
	if err != nil {
		return err
	}
	return client.Send(payload)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	if r.health != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.health(ctx); err != nil {
			status = "degraded"
			components["store"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["store"] = map[string]any{"status": "up"}
		}
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) deploymentKey(w http.ResponseWriter, req *http.Request) (domain.Key, bool) {
	key := domain.Key{
		ServerID:     strings.TrimSpace(req.PathValue("serverID")),
		DeploymentID: strings.TrimSpace(req.PathValue("deploymentID")),
	}
	if key.ServerID == "" || key.DeploymentID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return domain.Key{}, false
	}
	return key, true
}

func (r *Router) parseLimit(req *http.Request) int {
	raw := strings.TrimSpace(req.URL.Query().Get("limit"))
	if raw == "" {
		return min(r.logLimit, maxLogLimit)
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return min(r.logLimit, maxLogLimit)
	}
	return min(limit, maxLogLimit)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

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
		if serverID := req.PathValue("serverID"); serverID != "" {
			fields = append(fields, "server_id", serverID)
		}

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

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		// a hijacked websocket reports as switching protocols
		sr.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
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
	remaining := max(limit-decision.count, 0)
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}
