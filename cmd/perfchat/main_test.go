package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/chatrelay/internal/app"
	"github.com/ent0n29/chatrelay/internal/config"
)

func TestWSURLForSession(t *testing.T) {
	got, err := wsURLForSession("https://relay.example.com/base/", "s 1")
	if err != nil {
		t.Fatalf("wsURLForSession() error = %v", err)
	}
	if got != "wss://relay.example.com/base/api/v1/chat/ws?session_id=s+1" {
		t.Fatalf("url = %q", got)
	}
	if _, err := wsURLForSession("ftp://x", "s"); err == nil {
		t.Fatalf("wsURLForSession(ftp) error = nil")
	}
}

func TestSplitTextsFallsBackToDefaults(t *testing.T) {
	if got := splitTexts(" | "); len(got) != len(defaultUtterances) {
		t.Fatalf("splitTexts() = %v, want defaults", got)
	}
	if got := splitTexts("a| b |"); len(got) != 2 || got[1] != "b" {
		t.Fatalf("splitTexts() = %v", got)
	}
}

func TestPercentile(t *testing.T) {
	values := []time.Duration{40 * time.Millisecond, 10 * time.Millisecond, 30 * time.Millisecond, 20 * time.Millisecond}
	if got := percentile(values, 0.5); got != 20*time.Millisecond {
		t.Fatalf("p50 = %s, want 20ms", got)
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Fatalf("empty percentile = %s", got)
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, []turnSample{{firstDelta: time.Millisecond, total: 2 * time.Millisecond, reason: "completed"}})
	if !strings.Contains(buf.String(), "turns=1") {
		t.Fatalf("summary = %q", buf.String())
	}
}

func TestServerLatencyCalls(t *testing.T) {
	var resets int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/perf/latency" {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodDelete:
			resets++
			w.WriteHeader(http.StatusNoContent)
		default:
			_, _ = w.Write([]byte(`{"window_size":512,"stages":[]}`))
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	if err := resetServerLatency(ctx, srv.Client(), srv.URL); err != nil || resets != 1 {
		t.Fatalf("resetServerLatency() = %v, resets %d", err, resets)
	}
	var buf bytes.Buffer
	if err := printServerLatency(ctx, srv.Client(), srv.URL, &buf); err != nil {
		t.Fatalf("printServerLatency() error = %v", err)
	}
	if !strings.Contains(buf.String(), `"window_size":512`) {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestReplaySessionAgainstMockServer(t *testing.T) {
	built, err := app.Build(context.Background(), config.Config{
		MetricsNamespace:   "perfchat_replay_test",
		LLMAdapterMode:     "mock",
		ContextTTL:         time.Hour,
		ContextMaxMessages: 10,
	}, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	t.Cleanup(func() { _ = built.Cleanup() })
	srv := httptest.NewServer(built.API.Router())
	defer srv.Close()

	cfg := options{
		baseURL:     srv.URL,
		sessions:    1,
		turns:       3,
		turnTimeout: 5 * time.Second,
		texts:       []string{"ping"},
	}
	samples, err := replaySession(context.Background(), cfg, "perf-test")
	if err != nil {
		t.Fatalf("replaySession() error = %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("samples = %d, want 3", len(samples))
	}
	for _, s := range samples {
		if s.reason != "completed" || s.firstDelta <= 0 || s.total < s.firstDelta {
			t.Fatalf("sample = %+v", s)
		}
	}
	if msgs, _ := built.Contexts.GetContext(context.Background(), "perf-test"); len(msgs) != 0 {
		t.Fatalf("replay left %d context messages behind", len(msgs))
	}
}

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{"--base-url", "http://h:1/", "-c", "3", "-n", "2", "--turn-timeout", "10ms", "--texts", "a|b"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if cfg.baseURL != "http://h:1" || cfg.sessions != 3 || cfg.turns != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.turnTimeout != time.Second {
		t.Fatalf("turnTimeout = %s, want clamp to 1s", cfg.turnTimeout)
	}
	if len(cfg.texts) != 2 {
		t.Fatalf("texts = %v", cfg.texts)
	}

	for _, args := range [][]string{{"--turns", "0"}, {"extra"}, {"--nope"}} {
		if _, err := parseFlags(args); err == nil {
			t.Fatalf("parseFlags(%v) error = nil", args)
		}
	}
}
