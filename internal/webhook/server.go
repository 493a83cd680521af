package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/mattjoyce/isca/internal/action"
	"github.com/mattjoyce/isca/internal/config"
	islog "github.com/mattjoyce/isca/internal/log"
)

// Delivery headers.
const (
	EventHeader    = "X-GitHub-Event"
	DeliveryHeader = "X-GitHub-Delivery"
)

const defaultShutdownTimeout = 5 * time.Second

// Receiver is the HTTP server that accepts webhook deliveries.
type Receiver struct {
	cfg       Config
	runner    ActionRunner
	processor Processor
	logger    *slog.Logger

	// Deliveries outlive their request and are cancelled only when a
	// shutdown cannot drain them in time.
	inflight   sync.WaitGroup
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewReceiver builds a Receiver. A nil processor logs each push.
func NewReceiver(cfg Config, runner ActionRunner, processor Processor, logger *slog.Logger) *Receiver {
	defaults := config.Defaults()
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = config.DefaultMaxBodySize
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.Receiver.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.Receiver.WriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaults.Receiver.IdleTimeout
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = defaults.Actions.Timeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if processor == nil {
		processor = NewLogProcessor(logger)
	}
	baseCtx, cancelBase := context.WithCancel(context.Background())
	return &Receiver{
		cfg:        cfg,
		runner:     runner,
		processor:  processor,
		logger:     logger,
		baseCtx:    baseCtx,
		cancelBase: cancelBase,
	}
}

// Wait blocks until every accepted delivery has finished its actions.
func (rc *Receiver) Wait() {
	rc.inflight.Wait()
}

// Start listens on the configured address and serves until ctx is cancelled.
func (rc *Receiver) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", rc.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", rc.cfg.Addr, err)
	}
	return rc.Serve(ctx, ln)
}

// Serve accepts deliveries on ln until ctx is cancelled, then shuts down
// with a bounded deadline. Deliveries still running their actions when the
// deadline passes are cancelled and awaited.
func (rc *Receiver) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:      rc.Handler(),
		ReadTimeout:  rc.cfg.ReadTimeout,
		WriteTimeout: rc.cfg.WriteTimeout,
		IdleTimeout:  rc.cfg.IdleTimeout,
	}

	rc.logger.Info("receiver listening",
		"addr", ln.Addr().String(),
		"path", rc.cfg.Path,
		"secret_fingerprint", config.Fingerprint(rc.cfg.Secret),
		"before_action", rc.cfg.BeforeAction != "",
		"after_action", rc.cfg.AfterAction != "",
	)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		rc.logger.Info("receiver shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), rc.cfg.ShutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		if !rc.drain(shutdownCtx) {
			rc.logger.Warn("cancelling in-flight deliveries")
			rc.cancelBase()
			rc.inflight.Wait()
		}
		if err != nil {
			return fmt.Errorf("receiver shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("receiver error: %w", err)
	}
}

// drain reports whether in-flight deliveries finished before ctx ended.
func (rc *Receiver) drain(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		rc.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Handler returns the routed HTTP handler.
func (rc *Receiver) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(rc.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.Post(rc.cfg.Path, rc.handleDelivery)

	return r
}

// loggingMiddleware logs each request without its body.
func (rc *Receiver) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		rc.logger.Info("delivery request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (rc *Receiver) handleDelivery(w http.ResponseWriter, r *http.Request) {
	body, status := rc.readBody(w, r)
	if status != 0 {
		respondError(w, status, http.StatusText(status))
		return
	}

	if err := rc.authenticate(r, body); err != nil {
		respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	event := r.Header.Get(EventHeader)
	switch event {
	case EventPing:
		respondJSON(w, http.StatusOK, StatusResponse{Status: "pong"})
		return
	case EventPush, "":
	default:
		rc.logger.Debug("ignoring event", "event", event)
		respondJSON(w, http.StatusAccepted, StatusResponse{Status: "ignored"})
		return
	}
	if event == "" {
		event = EventPush
	}

	deliveryID := r.Header.Get(DeliveryHeader)
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}

	push, err := parsePush(body)
	if err != nil {
		rc.logger.Warn("invalid push payload", "delivery_id", deliveryID, "error", err)
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	respondJSON(w, http.StatusOK, StatusResponse{Status: "accepted", DeliveryID: deliveryID})
	_ = http.NewResponseController(w).Flush()

	d := Delivery{ID: deliveryID, Event: event, Push: push, Raw: body}
	rc.inflight.Add(1)
	go func() {
		defer rc.inflight.Done()
		rc.dispatch(rc.baseCtx, d)
	}()
}

// readBody returns the body or the status to reject the request with.
func (rc *Receiver) readBody(w http.ResponseWriter, r *http.Request) ([]byte, int) {
	if r.ContentLength > rc.cfg.MaxBodySize {
		return nil, http.StatusRequestEntityTooLarge
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, rc.cfg.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusRequestEntityTooLarge
		}
		rc.logger.Warn("failed to read delivery body", "error", err)
		return nil, http.StatusBadRequest
	}
	if r.ContentLength >= 0 && int64(len(body)) != r.ContentLength {
		return nil, http.StatusBadRequest
	}
	return body, 0
}

// authenticate prefers the sha256 signature and falls back to sha1.
func (rc *Receiver) authenticate(r *http.Request, body []byte) error {
	headerName := SignatureHeaderSHA256
	header := r.Header.Get(SignatureHeaderSHA256)
	ok := header != "" && VerifySHA256(rc.cfg.Secret, body, header)
	if header == "" {
		headerName = SignatureHeader
		header = r.Header.Get(SignatureHeader)
		ok = Verify(rc.cfg.Secret, body, header)
	}
	if ok {
		return nil
	}

	reason := Diagnose(rc.cfg.Secret, body, header)
	if reason == ReasonNone {
		// A well-formed signature for the other algorithm under the checked header.
		reason = ReasonMalformed
	}
	rc.logger.Warn("webhook signature rejected",
		"reason", string(reason),
		"header", headerName,
		"header_present", header != "",
		"remote_addr", r.RemoteAddr,
	)
	return fmt.Errorf("%w: %s", ErrSignatureRejected, reason)
}

// dispatch runs the before action, the processor, and the after action. The
// response is already complete, so failures are only logged.
func (rc *Receiver) dispatch(ctx context.Context, d Delivery) {
	ctx, cancel := context.WithTimeout(ctx, rc.cfg.ActionTimeout)
	defer cancel()

	logger := islog.WithDelivery(rc.logger, d.ID)
	defer func() {
		if p := recover(); p != nil {
			logger.Error("delivery handling panicked", "panic", fmt.Sprint(p))
		}
	}()

	rc.runAction(ctx, logger, action.StageBefore, rc.cfg.BeforeAction, d)

	if err := rc.processor.Process(ctx, d); err != nil {
		logger.Error("delivery processing failed", "stage", stageProcess, "error", err)
	}

	rc.runAction(ctx, logger, action.StageAfter, rc.cfg.AfterAction, d)
}

func (rc *Receiver) runAction(ctx context.Context, logger *slog.Logger, stage action.Stage, ref string, d Delivery) {
	if ref == "" || rc.runner == nil {
		return
	}
	err := rc.runner.Run(ctx, action.Invocation{
		Stage:      stage,
		Ref:        ref,
		DeliveryID: d.ID,
		Event:      d.Event,
		Payload:    json.RawMessage(d.Raw),
	})
	if err != nil {
		logger.Error("action failed", "stage", string(stage), "error", err)
		return
	}
	logger.Debug("action completed", "stage", string(stage))
}

func parsePush(body []byte) (PushEvent, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return PushEvent{}, errors.New("payload is not a JSON object")
	}
	var push PushEvent
	if err := json.Unmarshal(trimmed, &push); err != nil {
		return PushEvent{}, fmt.Errorf("decode push payload: %w", err)
	}
	return push, nil
}

// respondJSON writes a sized body, so a flushed response is complete
// whatever the handler does afterwards.
func respondJSON(w http.ResponseWriter, status int, data any) {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(data)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
