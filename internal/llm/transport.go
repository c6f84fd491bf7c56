package llm

import (
	"bytes"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	. "github.com/blockrun/blockrun/internal/logging"
)

var dumpUpstream atomic.Bool

// SetDumpUpstream toggles trace dumps of raw upstream traffic on every
// capturing transport. Wired to log.dumpUpstream.
func SetDumpUpstream(on bool) {
	dumpUpstream.Store(on)
}

// CapturingTransport is an http.RoundTripper that retains the last
// request/response pair. Native SDK clients run on top of it so error
// classification can inspect the raw upstream body the SDK swallowed.
// Thread-safe.
type CapturingTransport struct {
	Base http.RoundTripper

	mu           sync.RWMutex
	lastRequest  []byte
	lastResponse []byte
	lastStatus   int
	lastURL      string
}

func (t *CapturingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var reqBody []byte
	if req.Body != nil {
		reqBody, _ = io.ReadAll(req.Body)
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(reqBody))
	}

	t.mu.Lock()
	t.lastRequest = reqBody
	t.lastURL = req.URL.String()
	t.mu.Unlock()

	if dumpUpstream.Load() {
		L_trace("llm: upstream request", "url", req.URL.String(), "body", string(reqBody))
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	respBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(respBody))

	t.mu.Lock()
	t.lastResponse = respBody
	t.lastStatus = resp.StatusCode
	t.mu.Unlock()

	if dumpUpstream.Load() {
		L_trace("llm: upstream response", "status", resp.StatusCode, "body", string(respBody))
	}

	return resp, nil
}

// LastCapture returns the most recent request/response snapshot.
func (t *CapturingTransport) LastCapture() (reqBody, respBody []byte, status int, url string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastRequest, t.lastResponse, t.lastStatus, t.lastURL
}

// Clear drops the captured snapshot.
func (t *CapturingTransport) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastRequest = nil
	t.lastResponse = nil
	t.lastStatus = 0
	t.lastURL = ""
}
