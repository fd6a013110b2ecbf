// Package stream runs agent-execution requests and dispatches the decoded
// event stream to caller supplied sinks.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/tjfontaine/agent-stream/internal/domain"
	"github.com/tjfontaine/agent-stream/internal/metrics"
	"github.com/tjfontaine/agent-stream/internal/sse"
)

const (
	readBufferSize   = 32 * 1024
	maxErrorBodySize = 1 << 20
	defaultUserAgent = "agent-stream/1.0"
	tracerName       = "github.com/tjfontaine/agent-stream/internal/stream"
)

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithBaseURL sets the base URL that relative request paths resolve against.
func WithBaseURL(baseURL string) Option {
	return func(d *Dispatcher) {
		d.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(d *Dispatcher) {
		d.httpClient = httpClient
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithTracer sets the tracer used for per-run spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = tracer
	}
}

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(apiKey string) Option {
	return func(d *Dispatcher) {
		d.apiKey = apiKey
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(d *Dispatcher) {
		if ua != "" {
			d.userAgent = ua
		}
	}
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) Option {
	return func(d *Dispatcher) {
		d.headers.Set(key, value)
	}
}

// Request describes one agent-execution call.
type Request struct {
	// Path is appended to the base URL; absolute URLs are used as-is.
	Path string

	// Body is marshaled as the JSON request body. Raw bytes are sent verbatim.
	Body any

	// Header holds per-request headers.
	Header http.Header

	// ConversationID is recorded on spans and logs.
	ConversationID string
}

// Dispatcher issues streaming requests and folds the response into a StreamResult.
type Dispatcher struct {
	baseURL    string
	apiKey     string
	userAgent  string
	headers    http.Header
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
}

// New creates a dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		userAgent: defaultUserAgent,
		headers:   make(http.Header),
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// run holds the state of one stream lifecycle.
type run struct {
	id        string
	sinks     Sinks
	buffer    sse.FrameBuffer
	text      strings.Builder
	lastFrame map[string]any
	logger    *slog.Logger
}

// Run executes req and dispatches decoded updates to sinks.
//
// Run reports every failure through the returned result and the error sink;
// it never returns an error and never retries. Cancelling ctx ends the run
// with a failure of kind cancelled.
func (d *Dispatcher) Run(ctx context.Context, req *Request, sinks Sinks) domain.StreamResult {
	start := time.Now()
	r := &run{
		id:    uuid.New().String(),
		sinks: sinks,
	}
	var conversationID string
	if req != nil {
		conversationID = req.ConversationID
	}
	r.logger = d.logger.With(
		slog.String("stream_id", r.id),
		slog.String("conversation_id", conversationID),
	)

	ctx, span := d.tracer.Start(ctx, "stream.Run", trace.WithAttributes(
		attribute.String("stream.id", r.id),
		attribute.String("conversation.id", conversationID),
	))
	defer span.End()

	result := d.execute(ctx, req, r)

	outcome := "success"
	if !result.Success {
		outcome = string(result.Err.Kind)
		span.SetStatus(codes.Error, result.Err.Message)
		r.logger.Warn("stream failed",
			slog.String("kind", string(result.Err.Kind)),
			slog.String("error", result.Err.Message),
		)
		sinks.fail(result.Err)
	} else {
		r.logger.Debug("stream completed", slog.Int("text_length", len(result.AggregatedText)))
	}
	span.SetAttributes(attribute.String("stream.outcome", outcome))
	metrics.ObserveStream(outcome, time.Since(start))

	return result
}

func (d *Dispatcher) execute(ctx context.Context, req *Request, r *run) domain.StreamResult {
	if req == nil {
		return r.failed(domain.ErrTransport("nil stream request"))
	}
	r.sinks.status(domain.StatusStart, "Starting stream")

	httpReq, err := d.newRequest(ctx, req)
	if err != nil {
		return r.failed(domain.ErrTransport(err.Error()).WithCause(err))
	}

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return r.failed(classifyReadError(ctx, fmt.Errorf("request failed: %w", err)))
	}
	if resp.Body == nil {
		return r.failed(domain.ErrTransport("response body is not readable"))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return r.failed(parseErrorResponse(resp))
	}

	return d.readLoop(ctx, resp.Body, r)
}

func (d *Dispatcher) readLoop(ctx context.Context, body io.Reader, r *run) domain.StreamResult {
	reader := transform.NewReader(body, unicode.UTF8.NewDecoder())
	buf := make([]byte, readBufferSize)

	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			metrics.ObserveBytes(n)
			for _, event := range r.buffer.Push(string(buf[:n])) {
				if terminal := r.dispatch(event); terminal != nil {
					return r.failed(terminal)
				}
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return r.failed(classifyReadError(ctx, fmt.Errorf("stream read error: %w", readErr)))
		}
	}

	if pending := strings.TrimSpace(r.buffer.Pending()); pending != "" {
		r.logger.Debug("discarding unterminated event", slog.Int("length", len(pending)))
	}

	r.sinks.status(domain.StatusDone, "Stream complete")
	return domain.StreamResult{
		StreamID:       r.id,
		Success:        true,
		AggregatedText: r.text.String(),
		LastFrame:      r.lastFrame,
	}
}

// dispatch routes one logical event and returns a terminal error, if any.
func (r *run) dispatch(event string) *domain.StreamError {
	update, frame, err := sse.Parse(event)
	if err != nil {
		se := domain.AsStreamError(err)
		metrics.ObserveUpdate(string(domain.ErrorKindFrameDecode))
		r.logger.Warn("skipping undecodable event", slog.String("error", se.Message))
		r.sinks.diagnostic(se)
		return nil
	}
	if frame != nil {
		r.lastFrame = frame
	}
	if update == nil {
		return nil
	}
	metrics.ObserveUpdate(string(update.Kind))

	if update.Terminal() {
		return domain.ErrServerSignaled(update.Text).WithCode(update.Code)
	}

	switch update.Kind {
	case domain.UpdateConnection:
		r.sinks.status(domain.StatusConnection, update.Text)
	case domain.UpdateProgress:
		r.sinks.status(domain.StatusProgress, update.Text)
	case domain.UpdateText:
		r.text.WriteString(update.Text)
		r.sinks.content(r.text.String())
	}
	return nil
}

func (r *run) failed(err *domain.StreamError) domain.StreamResult {
	return domain.Failed(r.id, r.text.String(), r.lastFrame, err)
}

func (d *Dispatcher) newRequest(ctx context.Context, req *Request) (*http.Request, error) {
	var body io.Reader = http.NoBody
	switch b := req.Body.(type) {
	case nil:
	case []byte:
		body = bytes.NewReader(b)
	case json.RawMessage:
		body = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	url := req.Path
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = d.baseURL + "/" + strings.TrimPrefix(url, "/")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	httpReq.Header.Set("User-Agent", d.userAgent)
	if d.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)
	}
	for k, vs := range d.headers {
		httpReq.Header[k] = vs
	}
	for k, vs := range req.Header {
		httpReq.Header[k] = vs
	}
	return httpReq, nil
}

// errorBody is the JSON error shape returned by the agent endpoint.
type errorBody struct {
	Error   any    `json:"error"`
	Message string `json:"message"`
}

// parseErrorResponse prefers the body's message, then its error field, then
// the status text.
func parseErrorResponse(resp *http.Response) *domain.StreamError {
	status := resp.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return domain.ErrProtocol(resp.StatusCode, status)
	}

	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil {
		return domain.ErrProtocol(resp.StatusCode, status)
	}

	var code string
	switch e := body.Error.(type) {
	case string:
		code = e
	case map[string]any:
		if msg, ok := e["message"].(string); ok && body.Message == "" {
			body.Message = msg
		}
		if c, ok := e["code"].(string); ok {
			code = c
		} else if t, ok := e["type"].(string); ok {
			code = t
		}
	}

	message := body.Message
	if message == "" {
		message = code
	}
	if message == "" {
		message = status
	}
	return domain.ErrProtocol(resp.StatusCode, message).WithCode(code)
}

// classifyReadError separates caller cancellation from transport failures.
func classifyReadError(ctx context.Context, err error) *domain.StreamError {
	if ctx.Err() != nil {
		msg := "stream cancelled"
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			msg = cause.Error()
		}
		return domain.ErrCancelled(msg).WithCause(err)
	}
	return domain.ErrTransport(err.Error()).WithCause(err)
}
