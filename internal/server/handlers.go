package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/agent-stream/internal/domain"
	"github.com/tjfontaine/agent-stream/internal/normalize"
	"github.com/tjfontaine/agent-stream/internal/sse"
	"github.com/tjfontaine/agent-stream/internal/storage"
	"github.com/tjfontaine/agent-stream/internal/stream"
	"github.com/tjfontaine/agent-stream/internal/tokens"
	"github.com/tjfontaine/agent-stream/internal/usage"
)

const (
	maxRequestBody = 8 << 20
	defaultAgent   = "default"
)

// HandlerOption configures Handlers.
type HandlerOption func(*Handlers)

// WithGuard enables the stream routes, relaying through g.
func WithGuard(g *stream.Guard) HandlerOption {
	return func(h *Handlers) {
		h.guard = g
	}
}

// WithAgentPath sets the run path template; "{agent}" is replaced by the agent ID.
func WithAgentPath(path string) HandlerOption {
	return func(h *Handlers) {
		if path != "" {
			h.agentPath = path
		}
	}
}

// WithNormalizeOptions sets the options applied to every normalization.
func WithNormalizeOptions(opts ...normalize.Option) HandlerOption {
	return func(h *Handlers) {
		h.normalizeOpts = opts
	}
}

// WithHandlerLogger sets the logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handlers) {
		h.logger = logger
	}
}

// WithClock overrides the time source used to stamp stored turns.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handlers) {
		h.now = now
	}
}

// Handlers serves the transcript API.
type Handlers struct {
	store         storage.TurnStore
	guard         *stream.Guard
	counter       *tokens.Counter
	logger        *slog.Logger
	agentPath     string
	normalizeOpts []normalize.Option
	now           func() time.Time
}

// NewHandlers creates handlers backed by store.
func NewHandlers(store storage.TurnStore, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		store:     store,
		counter:   tokens.NewCounter(),
		logger:    slog.Default(),
		agentPath: "/v1/agents/{agent}/run",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// TranscriptResponse is the normalized view of a list of turns.
type TranscriptResponse struct {
	Conversation *storage.Conversation     `json:"conversation,omitempty"`
	Vendor       domain.Vendor             `json:"vendor"`
	Messages     []domain.CanonicalMessage `json:"messages"`
	Summary      domain.CumulativeSummary  `json:"summary"`
	Cost         domain.CostSummary        `json:"cost"`
	CostDisplay  string                    `json:"cost_display"`
	Tokens       []tokens.MessageEstimate  `json:"tokens"`
	Errors       []string                  `json:"errors"`
}

type turnsRequest struct {
	Turns []json.RawMessage `json:"turns"`
}

type createConversationRequest struct {
	ID       string            `json:"id,omitempty"`
	Vendor   string            `json:"vendor"`
	Model    string            `json:"model,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type conversationList struct {
	Conversations []*storage.Conversation `json:"conversations"`
}

type streamRequest struct {
	Prompt string `json:"prompt"`
	Agent  string `json:"agent,omitempty"`
}

// agentRunRequest is the body posted to the agent endpoint.
type agentRunRequest struct {
	Prompt         string `json:"prompt"`
	ConversationID string `json:"conversation_id"`
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Normalize converts the posted turns with the vendor named in the path.
func (h *Handlers) Normalize(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "vendor")
	AddLogField(r.Context(), "vendor", tag)

	if normalize.ForTag(tag, h.normalizeOpts...).Vendor() == domain.VendorUnknown {
		writeError(w, r, unknownVendor(tag))
		return
	}

	var req turnsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, h.transcript(tag, r.URL.Query().Get("model"), req.Turns))
}

func (h *Handlers) ListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := storage.ListOptions{}
	if v := q.Get("vendor"); v != "" {
		opts.Vendor = domain.ParseVendor(v)
	}
	var err error
	if opts.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, r, badRequest("invalid limit: %v", err))
		return
	}
	if opts.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, r, badRequest("invalid offset: %v", err))
		return
	}

	convs, err := h.store.ListConversations(r.Context(), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if convs == nil {
		convs = []*storage.Conversation{}
	}
	writeJSON(w, http.StatusOK, conversationList{Conversations: convs})
}

func (h *Handlers) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	vendor := domain.ParseVendor(req.Vendor)
	if !vendor.Known() {
		writeError(w, r, unknownVendor(req.Vendor))
		return
	}

	conv := &storage.Conversation{
		ID:       req.ID,
		Vendor:   vendor,
		Model:    req.Model,
		Metadata: req.Metadata,
	}
	if err := h.store.CreateConversation(r.Context(), conv); err != nil {
		writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "conversation_id", conv.ID)
	writeJSON(w, http.StatusCreated, conv)
}

func (h *Handlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handlers) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	AddLogField(r.Context(), "conversation_id", id)

	if h.guard != nil {
		h.guard.Cancel(id)
	}
	if err := h.store.DeleteConversation(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AppendTurns stores raw vendor turns after the existing ones.
func (h *Handlers) AppendTurns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	AddLogField(r.Context(), "conversation_id", id)

	var req turnsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	for i, t := range req.Turns {
		if !json.Valid(t) {
			writeError(w, r, badRequest("turn %d is not valid JSON", i))
			return
		}
	}

	if err := h.store.AppendTurns(r.Context(), id, req.Turns); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"appended": len(req.Turns)})
}

// Transcript re-reads the stored turns and normalizes them with the
// conversation's vendor.
func (h *Handlers) Transcript(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}

	turns, err := h.store.ListTurns(r.Context(), conv.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := h.transcript(string(conv.Vendor), conv.Model, storage.Raw(turns))
	resp.Conversation = conv
	writeJSON(w, http.StatusOK, resp)
}

// Stream relays one prompt to the agent endpoint as server-sent events in
// the agent's own wire format, followed by a final result event. A
// successful exchange is stored as a turn in the conversation's vendor shape.
func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	if h.guard == nil {
		writeError(w, r, domain.ErrTransport("agent endpoint is not configured").WithCode("not_configured").WithStatusCode(http.StatusServiceUnavailable))
		return
	}

	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}

	var req streamRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, r, badRequest("prompt is required"))
		return
	}
	agent := req.Agent
	if agent == "" {
		agent = defaultAgent
	}
	AddLogField(r.Context(), "agent", agent)

	sw, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)

	rl := &relay{w: sw}
	result := h.guard.Run(r.Context(), conv.ID, &stream.Request{
		Path:           strings.ReplaceAll(h.agentPath, "{agent}", agent),
		Body:           agentRunRequest{Prompt: req.Prompt, ConversationID: conv.ID},
		ConversationID: conv.ID,
	}, rl.sinks())

	stored := false
	if result.Success {
		if err := h.storeExchange(r.Context(), conv, req.Prompt, result.AggregatedText); err != nil {
			h.logger.Warn("failed to store streamed turn",
				slog.String("conversation_id", conv.ID),
				slog.String("error", err.Error()),
			)
			AddError(r.Context(), err)
		} else {
			stored = true
		}
	} else {
		AddLogField(r.Context(), "stream_error", string(result.Err.Kind))
	}

	rl.result(result, stored)
	if rl.err != nil {
		AddError(r.Context(), fmt.Errorf("relay write: %w", rl.err))
	}
}

// CancelStream stops the conversation's active stream.
func (h *Handlers) CancelStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	AddLogField(r.Context(), "conversation_id", id)

	if h.guard == nil || !h.guard.Cancel(id) {
		writeError(w, r, domain.ErrCancelled("no active stream").WithCode("no_active_stream").WithStatusCode(http.StatusNotFound))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) storeExchange(ctx context.Context, conv *storage.Conversation, prompt, answer string) error {
	raw, err := normalize.BuildTurn(conv.Vendor, prompt, answer, h.now())
	if err != nil {
		return err
	}
	// The client may already be gone; the exchange still completed.
	return h.store.AppendTurns(context.WithoutCancel(ctx), conv.ID, []json.RawMessage{raw})
}

func (h *Handlers) conversation(w http.ResponseWriter, r *http.Request) (*storage.Conversation, bool) {
	id := chi.URLParam(r, "id")
	AddLogField(r.Context(), "conversation_id", id)

	conv, err := h.store.GetConversation(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return conv, true
}

func (h *Handlers) transcript(tag, model string, turns []json.RawMessage) TranscriptResponse {
	messages, errs := normalize.Normalize(tag, turns, h.normalizeOpts...)
	if messages == nil {
		messages = []domain.CanonicalMessage{}
	}

	summary := usage.Aggregate(messages)
	entries, parseErrs := usage.ParseEntries(summary.Usage)
	cost := usage.SummarizeCost(entries)

	errStrings := make([]string, 0, len(errs)+len(parseErrs))
	for _, err := range errs {
		errStrings = append(errStrings, err.Error())
	}
	for _, err := range parseErrs {
		errStrings = append(errStrings, err.Error())
	}

	return TranscriptResponse{
		Vendor:      normalize.ForTag(tag, h.normalizeOpts...).Vendor(),
		Messages:    messages,
		Summary:     summary,
		Cost:        cost,
		CostDisplay: usage.FormatCost(cost.TotalCost),
		Tokens:      h.counter.EstimateTranscript(model, messages),
		Errors:      errStrings,
	}
}

// relay re-emits dispatcher callbacks as agent wire events. Content is sent
// as deltas against what was already relayed.
type relay struct {
	w    *sse.Writer
	sent int
	err  error
}

// wireEvent is one {type, text} agent event.
type wireEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Code string `json:"code,omitempty"`
}

// resultFrame ends a relay. The failure is not keyed "error" so that readers
// of the agent wire format do not mistake it for a legacy error event.
type resultFrame struct {
	Type     string              `json:"type"`
	StreamID string              `json:"stream_id"`
	Success  bool                `json:"success"`
	Text     string              `json:"text"`
	Stored   bool                `json:"stored"`
	Failure  *domain.StreamError `json:"failure,omitempty"`
}

func (rl *relay) sinks() stream.Sinks {
	return stream.Sinks{
		Status:  stream.StatusFunc(rl.status),
		Content: stream.ContentFunc(rl.content),
		Error:   stream.ErrorFunc(rl.fail),
	}
}

func (rl *relay) status(u domain.StatusUpdate) {
	switch u.Type {
	case domain.StatusConnection:
		rl.write(wireEvent{Type: "connection", Text: u.Status})
	case domain.StatusProgress:
		rl.write(wireEvent{Type: "updates", Text: u.Status})
	}
}

func (rl *relay) content(aggregated string) {
	if len(aggregated) <= rl.sent {
		return
	}
	delta := aggregated[rl.sent:]
	rl.sent = len(aggregated)
	rl.write(wireEvent{Type: "text", Text: delta})
}

func (rl *relay) fail(err *domain.StreamError) {
	rl.write(wireEvent{Type: "error", Text: err.Message, Code: err.Code})
}

func (rl *relay) result(res domain.StreamResult, stored bool) {
	rl.write(resultFrame{
		Type:     "result",
		StreamID: res.StreamID,
		Success:  res.Success,
		Text:     res.AggregatedText,
		Stored:   stored,
		Failure:  res.Err,
	})
}

func (rl *relay) write(v any) {
	if rl.err != nil {
		return
	}
	rl.err = rl.w.Write(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return n, nil
}

// requestError is a client error with a fixed status.
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

func unknownVendor(tag string) error {
	return domain.ErrNormalization(fmt.Sprintf("no normalizer for vendor %q", tag)).
		WithCode("unknown_vendor").
		WithCause(normalize.ErrUnknownVendor)
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message   string `json:"message"`
	Kind      string `json:"kind,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	body := errorBody{Message: err.Error(), RequestID: GetRequestID(r.Context())}
	status := http.StatusInternalServerError

	var reqErr *requestError
	var se *domain.StreamError
	switch {
	case errors.As(err, &reqErr):
		status = reqErr.status
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
		body.Code = "not_found"
	case errors.Is(err, storage.ErrExists):
		status = http.StatusConflict
		body.Code = "conflict"
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		body.Code = "timeout"
	case errors.As(err, &se):
		status = se.HTTPStatusCode()
		if se.StatusCode >= 400 && se.Kind != domain.ErrorKindProtocol {
			status = se.StatusCode
		}
		body.Message = se.Message
		body.Kind = string(se.Kind)
		body.Code = se.Code
	}

	writeJSON(w, status, errorResponse{Error: body})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
