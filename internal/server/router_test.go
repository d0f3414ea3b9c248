package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hackmanhattan/hmbot/internal/command"
	"github.com/hackmanhattan/hmbot/internal/history"
	"github.com/hackmanhattan/hmbot/internal/logger"
	"github.com/hackmanhattan/hmbot/internal/metrics"
	"github.com/hackmanhattan/hmbot/internal/process"
)

type fakeLister []process.Info

func (f fakeLister) Infos() []process.Info { return f }

type fakeQueue struct {
	mu   sync.Mutex
	cmds []command.Command
	err  error
}

func (q *fakeQueue) Push(_ context.Context, c command.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.cmds = append(q.cmds, c)
	return nil
}

func (q *fakeQueue) snapshot() []command.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]command.Command(nil), q.cmds...)
}

type fakeSamples map[string]metrics.Sample

func (f fakeSamples) Latest(thread string) (metrics.Sample, bool) {
	s, ok := f[thread]
	return s, ok
}

type fakeHistory struct {
	events []history.Event
	limit  atomic.Int64
}

func (h *fakeHistory) Recent(_ context.Context, limit int) ([]history.Event, error) {
	h.limit.Store(int64(limit))
	return h.events, nil
}

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	opts.Logger = logger.Discard()
	if opts.Processes == nil {
		opts.Processes = fakeLister{}
	}
	if opts.Queue == nil {
		opts.Queue = &fakeQueue{}
	}
	srv := httptest.NewServer(NewRouter(opts).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestProcessesIncludesResources(t *testing.T) {
	now := time.Now().UTC()
	srv := newTestServer(t, Options{
		BasePath: "/api/",
		Processes: fakeLister{
			{PID: 10, ThreadID: "t1", Channel: "C1", CommandLine: "cat", CreatedAt: now},
			{PID: 11, ThreadID: "t2", Channel: "C1", CommandLine: "bc", CreatedAt: now},
		},
		Resources: fakeSamples{"t1": {PID: 10, Thread: "t1", RSS: 4096}},
	})

	resp := do(t, http.MethodGet, srv.URL+"/api/processes", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var got []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 processes, got %d", len(got))
	}
	if got[0]["thread_id"] != "t1" || got[0]["pid"] != float64(10) {
		t.Errorf("unexpected first entry %v", got[0])
	}
	res, ok := got[0]["resources"].(map[string]any)
	if !ok || res["rss"] != float64(4096) {
		t.Errorf("missing resources on first entry: %v", got[0])
	}
	if _, ok := got[1]["resources"]; ok {
		t.Errorf("second entry should have no resources: %v", got[1])
	}
}

func TestPostCommand(t *testing.T) {
	q := &fakeQueue{}
	srv := newTestServer(t, Options{Queue: q})

	body := `{"command":"kill","pid":"42","slack_msg":{"channel":"C1","ts":"1.0"}}`
	resp := do(t, http.MethodPost, srv.URL+"/commands", body, "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var ack acceptedResp
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ack.Kind != "kill" || ack.ID == "" {
		t.Errorf("unexpected ack %+v", ack)
	}
	if cmds := q.snapshot(); len(cmds) != 1 || cmds[0].Payload != (command.Kill{PID: 42}) {
		t.Fatalf("unexpected queue %+v", cmds)
	}

	resp = do(t, http.MethodPost, srv.URL+"/commands", `{"command":"kill"}`, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed command: status %d", resp.StatusCode)
	}
	if len(q.snapshot()) != 1 {
		t.Errorf("malformed command should not be queued")
	}
}

func TestPostCommandQueueClosed(t *testing.T) {
	srv := newTestServer(t, Options{Queue: &fakeQueue{err: command.ErrQueueClosed}})
	resp := do(t, http.MethodPost, srv.URL+"/commands", `{"command":"ps","slack_msg":{"channel":"C"}}`, "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestHistory(t *testing.T) {
	srv := newTestServer(t, Options{})
	if resp := do(t, http.MethodGet, srv.URL+"/history", "", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("without querier: status %d", resp.StatusCode)
	}

	h := &fakeHistory{events: []history.Event{{Type: history.EventKill, Record: history.Record{PID: 5}}}}
	srv = newTestServer(t, Options{History: h})
	resp := do(t, http.MethodGet, srv.URL+"/history?limit=7", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var got []history.Event
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Type != history.EventKill || h.limit.Load() != 7 {
		t.Errorf("unexpected history %+v limit=%d", got, h.limit.Load())
	}
	if resp := do(t, http.MethodGet, srv.URL+"/history?limit=abc", "", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit: status %d", resp.StatusCode)
	}
}

func TestTokenAuth(t *testing.T) {
	srv := newTestServer(t, Options{Token: "s3cret"})

	if resp := do(t, http.MethodGet, srv.URL+"/processes", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/processes", "", "wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/processes", "", "s3cret"); resp.StatusCode != http.StatusOK {
		t.Errorf("good token: status %d", resp.StatusCode)
	}
	// health stays open for probes
	if resp := do(t, http.MethodGet, srv.URL+"/healthz", "", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: status %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := newTestServer(t, Options{
		Metrics: true,
		Health: func() error {
			if !healthy.Load() {
				return errors.New("nats disconnected")
			}
			return nil
		},
	})
	if resp := do(t, http.MethodGet, srv.URL+"/healthz", "", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("healthy: status %d", resp.StatusCode)
	}
	healthy.Store(false)
	if resp := do(t, http.MethodGet, srv.URL+"/healthz", "", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/metrics", "", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("metrics: status %d", resp.StatusCode)
	}
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{
		"":        "",
		"/":       "",
		"api":     "/api",
		"/api/":   "/api",
		" /x/y/ ": "/x/y",
	}
	for in, want := range cases {
		if got := sanitizeBase(in); got != want {
			t.Errorf("sanitizeBase(%q) = %q want %q", in, got, want)
		}
	}
}
