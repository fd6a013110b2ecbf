// Package testutil records and replays agent endpoint streams for tests.
package testutil

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// sensitiveHeaders are dropped from recorded requests and responses.
var sensitiveHeaders = []string{"Authorization", "X-Api-Key", "Cookie", "Set-Cookie"}

// NewVCRRecorder opens testdata/fixtures/<cassetteName>.yaml for replay.
// Set VCR_MODE=record to capture a new cassette from a live agent endpoint.
// The recorder is stopped when the test ends.
func NewVCRRecorder(t *testing.T, cassetteName string) *recorder.Recorder {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv("VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	}

	cassettePath := filepath.Join("testdata", "fixtures", cassetteName)

	r, err := recorder.NewAsMode(cassettePath, mode, nil)
	if err != nil {
		t.Fatalf("Failed to create VCR recorder: %v", err)
	}

	r.SetMatcher(MatchAgentRun)
	r.AddFilter(redactHeaders)

	t.Cleanup(func() {
		if err := r.Stop(); err != nil {
			t.Errorf("Failed to stop VCR recorder: %v", err)
		}
	})

	return r
}

// MatchAgentRun matches on method, path and the Accept header. Prompts and
// hosts vary between runs, so bodies and base URLs are ignored.
func MatchAgentRun(r *http.Request, i cassette.Request) bool {
	if r.Method != i.Method {
		return false
	}
	u, err := url.Parse(i.URL)
	if err != nil || r.URL.Path != u.Path {
		return false
	}
	if want := i.Headers.Get("Accept"); want != "" && r.Header.Get("Accept") != want {
		return false
	}
	return true
}

func redactHeaders(i *cassette.Interaction) error {
	for _, h := range sensitiveHeaders {
		i.Request.Headers.Del(h)
		i.Response.Headers.Del(h)
	}
	return nil
}

// VCRHTTPClient returns an HTTP client that replays through the recorder.
func VCRHTTPClient(r *recorder.Recorder) *http.Client {
	return &http.Client{
		Transport: r,
	}
}
