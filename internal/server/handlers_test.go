package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/agent-stream/internal/domain"
	"github.com/tjfontaine/agent-stream/internal/normalize"
	"github.com/tjfontaine/agent-stream/internal/storage/memory"
	"github.com/tjfontaine/agent-stream/internal/stream"
)

var fixedNow = time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

type testEnv struct {
	srv   *httptest.Server
	store *memory.Store
	agent *httptest.Server

	mu            sync.Mutex
	lastAgentBody []byte
}

// agentBody returns the most recent body posted to the fake agent.
func (e *testEnv) agentBody() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAgentBody
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEnv starts the service; agent, if non-nil, serves the agent endpoint.
func newTestEnv(t *testing.T, agent http.HandlerFunc, opts ...HandlerOption) *testEnv {
	t.Helper()
	env := &testEnv{store: memory.New()}

	handlerOpts := []HandlerOption{
		WithHandlerLogger(discardLogger()),
		WithClock(func() time.Time { return fixedNow }),
	}
	if agent != nil {
		env.agent = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			env.mu.Lock()
			env.lastAgentBody = body
			env.mu.Unlock()
			agent(w, r)
		}))
		t.Cleanup(env.agent.Close)

		d := stream.New(stream.WithBaseURL(env.agent.URL), stream.WithLogger(discardLogger()))
		handlerOpts = append(handlerOpts, WithGuard(stream.NewGuard(d)))
	}
	handlerOpts = append(handlerOpts, opts...)

	s := New(Options{Logger: discardLogger()}, NewHandlers(env.store, handlerOpts...))
	env.srv = httptest.NewServer(s)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body error = %v", err)
	}
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("Unmarshal(%s) error = %v", data, err)
	}
	return v
}

func sseEvents(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, e := range events {
		fmt.Fprintf(w, "data: %s\n\n", e)
		w.(http.Flusher).Flush()
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := decode[map[string]string](t, body)["status"]; got != "ok" {
		t.Errorf("status = %q, want ok", got)
	}
	if resp.Header.Get(RequestIDHeader) == "" {
		t.Error("missing request ID header")
	}
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(t, http.MethodPost, "/v1/normalize/openai", `{"turns":[{"messages":[]}]}`)

	resp, body := env.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte("agentstream_normalized_turns_total")) {
		t.Error("metrics output missing normalized turns counter")
	}
}

func TestConversationLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodPost, "/v1/conversations", `{"id":"c1","vendor":"Anthropic","model":"claude-sonnet"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %s", resp.StatusCode, body)
	}
	conv := decode[map[string]any](t, body)
	if conv["vendor"] != "anthropic" {
		t.Errorf("vendor = %v, want anthropic", conv["vendor"])
	}

	resp, body = env.do(t, http.MethodPost, "/v1/conversations", `{"id":"c1","vendor":"openai"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409: %s", resp.StatusCode, body)
	}

	resp, _ = env.do(t, http.MethodGet, "/v1/conversations/c1", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get status = %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodGet, "/v1/conversations?vendor=anthropic", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	list := decode[conversationList](t, body)
	if len(list.Conversations) != 1 || list.Conversations[0].ID != "c1" {
		t.Errorf("list = %+v", list.Conversations)
	}

	resp, _ = env.do(t, http.MethodGet, "/v1/conversations?limit=-1", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative limit status = %d, want 400", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodDelete, "/v1/conversations/c1", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodGet, "/v1/conversations/c1", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d", resp.StatusCode)
	}
	if got := decode[errorResponse](t, body).Error.Code; got != "not_found" {
		t.Errorf("error code = %q, want not_found", got)
	}
}

func TestCreateConversation_Invalid(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"unknown vendor", `{"vendor":"mistral"}`, http.StatusUnprocessableEntity},
		{"missing vendor", `{}`, http.StatusUnprocessableEntity},
		{"malformed body", `{"vendor":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/v1/conversations", tt.body)
			if resp.StatusCode != tt.wantCode {
				t.Errorf("status = %d, want %d: %s", resp.StatusCode, tt.wantCode, body)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	env := newTestEnv(t, nil)

	body := `{"turns":[
		{"messages":[
			{"role":"user","content":[{"text":"hi"}]},
			{"type":"function_call","name":"lookup","arguments":"{}"},
			{"role":"assistant","content":[{"text":"hello"}]}
		],"usage":{"brand":"openai","model":"gpt-4o","input_tokens":3,"output_tokens":2,"costs":{"total_cost":0.00012}}},
		"not an object"
	]}`

	resp, data := env.do(t, http.MethodPost, "/v1/normalize/openai?model=gpt-4o", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	got := decode[TranscriptResponse](t, data)

	if got.Vendor != domain.VendorOpenAI {
		t.Errorf("vendor = %q", got.Vendor)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(got.Messages))
	}
	if got.Messages[0].Assistant.Content != "hello" {
		t.Errorf("assistant = %q", got.Messages[0].Assistant.Content)
	}
	if len(got.Summary.SideChannel) != 1 {
		t.Errorf("side channel = %+v", got.Summary.SideChannel)
	}
	if got.CostDisplay != "$0.0002" {
		t.Errorf("cost display = %q, want $0.0002", got.CostDisplay)
	}
	if len(got.Errors) != 1 {
		t.Errorf("errors = %v, want one for the second turn", got.Errors)
	}
	if len(got.Tokens) != 2 || !got.Tokens[0].Exact {
		t.Errorf("tokens = %+v, want exact estimates for gpt-4o", got.Tokens)
	}
}

func TestNormalize_UnknownVendor(t *testing.T) {
	t.Run("rejected", func(t *testing.T) {
		env := newTestEnv(t, nil)

		resp, data := env.do(t, http.MethodPost, "/v1/normalize/mistral", `{"turns":[]}`)
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d, want 422", resp.StatusCode)
		}
		e := decode[errorResponse](t, data).Error
		if e.Kind != string(domain.ErrorKindNormalization) || e.Code != "unknown_vendor" {
			t.Errorf("error = %+v", e)
		}
	})

	t.Run("legacy fallback", func(t *testing.T) {
		env := newTestEnv(t, nil, WithNormalizeOptions(normalize.WithLegacyFallback()))

		resp, data := env.do(t, http.MethodPost, "/v1/normalize/mistral",
			`{"turns":[{"messages":[{"role":"user","content":[{"text":"q"}]},{"role":"assistant","content":"a"}]}]}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d: %s", resp.StatusCode, data)
		}
		got := decode[TranscriptResponse](t, data)
		if got.Vendor != domain.VendorXAI || got.Messages[0].Assistant.Content != "a" {
			t.Errorf("response = %+v", got)
		}
	})
}

func TestTranscript(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/v1/conversations", `{"id":"c1","vendor":"anthropic","model":"claude-sonnet"}`)

	resp, data := env.do(t, http.MethodPost, "/v1/conversations/c1/turns", `{"turns":[
		{"messages":[{"role":"user","content":"first"},{"role":"assistant","content":[{"type":"text","text":"one"}]}],
		 "usage":[{"brand":"anthropic","model":"claude-sonnet","input_tokens":10,"output_tokens":5,"costs":{"total_cost":0.3}},
		          {"tool_name":"web_search","output":{"type":"text"},"total_cost":0.01}]},
		{"messages":[{"role":"user","content":"second"},{"role":"assistant","content":[{"type":"text","text":"two"}]}],
		 "usage":{"tool_name":"render","output":{"type":"polling-file"},"total_cost":5}}
	]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("append status = %d: %s", resp.StatusCode, data)
	}

	resp, data = env.do(t, http.MethodGet, "/v1/conversations/c1/transcript", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transcript status = %d: %s", resp.StatusCode, data)
	}
	got := decode[TranscriptResponse](t, data)

	if got.Conversation == nil || got.Conversation.ID != "c1" {
		t.Errorf("conversation = %+v", got.Conversation)
	}
	if len(got.Messages) != 2 || got.Messages[1].User.Text != "second" {
		t.Fatalf("messages = %+v", got.Messages)
	}
	if len(got.Summary.RawTurns) != 2 || len(got.Summary.Usage) != 2 {
		t.Errorf("summary = %+v", got.Summary)
	}
	if got.CostDisplay != "$0.3100" {
		t.Errorf("cost display = %q, want $0.3100", got.CostDisplay)
	}
	if got.Cost.PendingTools != 1 {
		t.Errorf("pending tools = %d, want 1", got.Cost.PendingTools)
	}
	if len(got.Tokens) != 2 || got.Tokens[0].Exact {
		t.Errorf("tokens = %+v, want estimated counts for a non-OpenAI model", got.Tokens)
	}
	if len(got.Errors) != 0 {
		t.Errorf("errors = %v", got.Errors)
	}
}

func TestAppendTurns_Errors(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.do(t, http.MethodPost, "/v1/conversations/missing/turns", `{"turns":[{}]}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing conversation status = %d, want 404", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPost, "/v1/conversations/missing/turns", `{"turns":`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", resp.StatusCode)
	}
}

// streamThroughService reads the service's relay with a Dispatcher, the same
// way it reads an agent endpoint.
func streamThroughService(t *testing.T, env *testEnv, convID, prompt string) (domain.StreamResult, []string) {
	t.Helper()
	var contents []string
	d := stream.New(stream.WithBaseURL(env.srv.URL), stream.WithLogger(discardLogger()))
	result := d.Run(context.Background(), &stream.Request{
		Path: "/v1/conversations/" + convID + "/stream",
		Body: map[string]string{"prompt": prompt},
	}, stream.Sinks{
		Content: stream.ContentFunc(func(s string) { contents = append(contents, s) }),
	})
	return result, contents
}

func TestStream_RelayAndStore(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/agents/support/run" {
			http.Error(w, `{"message":"wrong path"}`, http.StatusNotFound)
			return
		}
		sseEvents(w,
			`{"type":"connection"}`,
			`{"type":"updates","text":"Looking up policy"}`,
			`{"type":"text","text":"Refunds within "}`,
			`{"type":"text","text":"30 days."}`,
		)
	})

	for _, vendor := range domain.Vendors {
		t.Run(string(vendor), func(t *testing.T) {
			convID := "conv-" + string(vendor)
			env.do(t, http.MethodPost, "/v1/conversations", fmt.Sprintf(`{"id":%q,"vendor":%q}`, convID, vendor))

			d := stream.New(stream.WithBaseURL(env.srv.URL), stream.WithLogger(discardLogger()))
			var statuses []domain.StatusUpdate
			var contents []string
			result := d.Run(context.Background(), &stream.Request{
				Path: "/v1/conversations/" + convID + "/stream",
				Body: map[string]string{"prompt": "Refund window?", "agent": "support"},
			}, stream.Sinks{
				Status:  stream.StatusFunc(func(u domain.StatusUpdate) { statuses = append(statuses, u) }),
				Content: stream.ContentFunc(func(s string) { contents = append(contents, s) }),
			})

			if !result.Success {
				t.Fatalf("result = %+v", result)
			}
			if result.AggregatedText != "Refunds within 30 days." {
				t.Errorf("text = %q", result.AggregatedText)
			}
			want := []string{"Refunds within ", "Refunds within 30 days."}
			if strings.Join(contents, "|") != strings.Join(want, "|") {
				t.Errorf("contents = %q, want %q", contents, want)
			}
			var progress []string
			for _, s := range statuses {
				if s.Type == domain.StatusConnection || s.Type == domain.StatusProgress {
					progress = append(progress, s.Status)
				}
			}
			if strings.Join(progress, "|") != domain.ConnectedStatus+"|Looking up policy" {
				t.Errorf("statuses = %+v", statuses)
			}
			if result.LastFrame["type"] != "result" || result.LastFrame["stored"] != true {
				t.Errorf("last frame = %v", result.LastFrame)
			}

			agentReq := decode[agentRunRequest](t, env.agentBody())
			if agentReq.Prompt != "Refund window?" || agentReq.ConversationID != convID {
				t.Errorf("agent request = %+v", agentReq)
			}

			_, data := env.do(t, http.MethodGet, "/v1/conversations/"+convID+"/transcript", "")
			transcript := decode[TranscriptResponse](t, data)
			if len(transcript.Messages) != 1 {
				t.Fatalf("messages = %+v", transcript.Messages)
			}
			msg := transcript.Messages[0]
			if msg.User == nil || msg.User.Text != "Refund window?" || msg.User.CreatedAt != "2026-05-06T07:08:09Z" {
				t.Errorf("user = %+v", msg.User)
			}
			if msg.Assistant.Content != "Refunds within 30 days." {
				t.Errorf("assistant = %q", msg.Assistant.Content)
			}
		})
	}
}

func TestStream_AgentFailures(t *testing.T) {
	tests := []struct {
		name     string
		agent    http.HandlerFunc
		wantText string
		wantMsg  string
	}{
		{
			name: "protocol error",
			agent: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				io.WriteString(w, `{"error":"rate_limited","message":"slow down"}`)
			},
			wantMsg: "slow down",
		},
		{
			name: "server error mid-stream",
			agent: func(w http.ResponseWriter, r *http.Request) {
				sseEvents(w,
					`{"type":"text","text":"partial"}`,
					`{"type":"error","text":"agent crashed"}`,
					`{"type":"text","text":"never"}`,
				)
			},
			wantText: "partial",
			wantMsg:  "agent crashed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.agent)
			env.do(t, http.MethodPost, "/v1/conversations", `{"id":"c1","vendor":"openai"}`)

			result, _ := streamThroughService(t, env, "c1", "hello")
			if result.Success {
				t.Fatal("expected failure")
			}
			if result.Err.Kind != domain.ErrorKindServer {
				t.Errorf("kind = %v, want server", result.Err.Kind)
			}
			if result.Err.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", result.Err.Message, tt.wantMsg)
			}
			if result.AggregatedText != tt.wantText {
				t.Errorf("text = %q, want %q", result.AggregatedText, tt.wantText)
			}

			_, data := env.do(t, http.MethodGet, "/v1/conversations/c1/transcript", "")
			if got := decode[TranscriptResponse](t, data); len(got.Messages) != 0 {
				t.Errorf("failed stream stored %d messages", len(got.Messages))
			}
		})
	}
}

func TestStream_Validation(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.do(t, http.MethodPost, "/v1/conversations", `{"id":"c1","vendor":"openai"}`)

		resp, _ := env.do(t, http.MethodPost, "/v1/conversations/c1/stream", `{"prompt":"hi"}`)
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", resp.StatusCode)
		}
	})

	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) { sseEvents(w) })
	env.do(t, http.MethodPost, "/v1/conversations", `{"id":"c1","vendor":"openai"}`)

	t.Run("missing conversation", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/v1/conversations/nope/stream", `{"prompt":"hi"}`)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("empty prompt", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/v1/conversations/c1/stream", `{"prompt":"  "}`)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("cancel without active stream", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodDelete, "/v1/conversations/c1/stream", "")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})
}

func TestStream_Cancel(t *testing.T) {
	started := make(chan struct{})
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		sseEvents(w, `{"type":"text","text":"thinking"}`)
		close(started)
		<-r.Context().Done()
	})
	env.do(t, http.MethodPost, "/v1/conversations", `{"id":"c1","vendor":"openai"}`)

	done := make(chan domain.StreamResult, 1)
	go func() {
		d := stream.New(stream.WithBaseURL(env.srv.URL), stream.WithLogger(discardLogger()))
		done <- d.Run(context.Background(), &stream.Request{
			Path: "/v1/conversations/c1/stream",
			Body: map[string]string{"prompt": "hi"},
		}, stream.Sinks{})
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("agent never received the stream")
	}

	resp, _ := env.do(t, http.MethodDelete, "/v1/conversations/c1/stream", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel status = %d, want 204", resp.StatusCode)
	}

	select {
	case result := <-done:
		// The relay's result frame carries the cancellation; the relay
		// itself ends cleanly.
		if !result.Success {
			t.Fatalf("relay result = %+v", result)
		}
		if result.AggregatedText != "thinking" {
			t.Errorf("text = %q", result.AggregatedText)
		}
		errFrame, _ := result.LastFrame["failure"].(map[string]any)
		if result.LastFrame["success"] != false || errFrame["kind"] != string(domain.ErrorKindCancelled) {
			t.Errorf("last frame = %v", result.LastFrame)
		}
		if errFrame["message"] != stream.ErrStopped.Error() {
			t.Errorf("cancel message = %v, want %q", errFrame["message"], stream.ErrStopped)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after cancel")
	}
}
