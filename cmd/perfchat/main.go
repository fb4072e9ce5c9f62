package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/chatrelay/internal/protocol"
)

type options struct {
	baseURL        string
	sessions       int
	turns          int
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	resetWindow    bool
	verbose        bool
}

type wsEnvelope struct {
	Type      string `json:"type"`
	TurnID    string `json:"turn_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Reason    string `json:"reason,omitempty"`
	TextDelta string `json:"text_delta,omitempty"`
}

type turnSample struct {
	firstDelta time.Duration
	total      time.Duration
	reason     string
}

var defaultUtterances = []string{
	"Reply in three words: latency bottleneck?",
	"Reply in three words: next optimization?",
	"Reply in three words: architecture summary?",
	"Reply in three words: top risk?",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string

	flagSet := pflag.NewFlagSet("perfchat", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "chatrelay base URL")
	flagSet.IntVarP(&cfg.sessions, "sessions", "c", 1, "number of concurrent sessions")
	flagSet.IntVarP(&cfg.turns, "turns", "n", 10, "number of turns per session")
	flagSet.DurationVar(&cfg.interTurnDelay, "inter-turn", 180*time.Millisecond, "delay between turns")
	flagSet.DurationVar(&cfg.turnTimeout, "turn-timeout", 30*time.Second, "timeout waiting for assistant_turn_end per turn")
	flagSet.StringVar(&textsRaw, "texts", "", "messages separated by '|' (optional)")
	flagSet.BoolVar(&cfg.resetWindow, "reset", true, "clear the server latency window before replaying")
	flagSet.BoolVarP(&cfg.verbose, "verbose", "v", true, "print replay progress")
	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 || cfg.sessions <= 0 {
		return options{}, fmt.Errorf("turns and sessions must be > 0")
	}
	if cfg.interTurnDelay < 0 {
		cfg.interTurnDelay = 0
	}
	if cfg.turnTimeout < time.Second {
		cfg.turnTimeout = time.Second
	}
	cfg.texts = splitTexts(textsRaw)
	return cfg, nil
}

func splitTexts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), defaultUtterances...)
	}
	return out
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 10 * time.Second}
	if cfg.resetWindow {
		if err := resetServerLatency(ctx, httpClient, cfg.baseURL); err != nil {
			return fmt.Errorf("reset server latency: %w", err)
		}
	}

	var (
		mu      sync.Mutex
		samples []turnSample
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.sessions; i++ {
		g.Go(func() error {
			got, err := replaySession(gctx, cfg, "perf-"+uuid.NewString())
			mu.Lock()
			samples = append(samples, got...)
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	printSummary(os.Stdout, samples)
	if err := printServerLatency(ctx, httpClient, cfg.baseURL, os.Stdout); err != nil {
		return fmt.Errorf("fetch server latency: %w", err)
	}
	return nil
}

func replaySession(ctx context.Context, cfg options, sessionID string) ([]turnSample, error) {
	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan wsEnvelope, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh, cfg.verbose)

	samples := make([]turnSample, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		if cfg.verbose {
			fmt.Printf("perfchat: session=%s turn %d/%d text=%q\n", sessionID, i+1, cfg.turns, text)
		}
		started := time.Now()
		err := conn.WriteJSON(protocol.ChatRequest{
			Type:      protocol.TypeChatRequest,
			SessionID: sessionID,
			Message:   text,
		})
		if err != nil {
			return samples, fmt.Errorf("turn %d send: %w", i+1, err)
		}
		sample, err := awaitTurnEnd(events, readErrCh, started, cfg.turnTimeout)
		if err != nil {
			return samples, fmt.Errorf("turn %d await assistant_turn_end: %w", i+1, err)
		}
		samples = append(samples, sample)
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			select {
			case <-ctx.Done():
				return samples, ctx.Err()
			case <-time.After(cfg.interTurnDelay):
			}
		}
	}

	req, _ := http.NewRequestWithContext(ctx, http.MethodDelete, cfg.baseURL+"/api/v1/chat/"+url.PathEscape(sessionID), nil)
	if res, err := http.DefaultClient.Do(req); err == nil {
		res.Body.Close()
	}
	return samples, nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/chat/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- wsEnvelope, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == string(protocol.TypeErrorEvent) && verbose {
			fmt.Fprintf(os.Stderr, "perfchat: error_event code=%s detail=%s\n", env.Code, env.Detail)
		}
		events <- env
	}
}

func awaitTurnEnd(events <-chan wsEnvelope, readErrCh <-chan error, started time.Time, timeout time.Duration) (turnSample, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var sample turnSample
	for {
		select {
		case env := <-events:
			switch env.Type {
			case string(protocol.TypeAssistantTextDelta):
				if sample.firstDelta == 0 {
					sample.firstDelta = time.Since(started)
				}
			case string(protocol.TypeAssistantTurnEnd):
				sample.total = time.Since(started)
				sample.reason = env.Reason
				return sample, nil
			}
		case err := <-readErrCh:
			return sample, err
		case <-timer.C:
			return sample, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func printSummary(w io.Writer, samples []turnSample) {
	if len(samples) == 0 {
		fmt.Fprintln(w, "perfchat: no turns completed")
		return
	}
	first := make([]time.Duration, 0, len(samples))
	total := make([]time.Duration, 0, len(samples))
	reasons := map[string]int{}
	for _, s := range samples {
		if s.firstDelta > 0 {
			first = append(first, s.firstDelta)
		}
		total = append(total, s.total)
		reasons[s.reason]++
	}
	fmt.Fprintf(w, "perfchat: turns=%d reasons=%v\n", len(samples), reasons)
	fmt.Fprintf(w, "perfchat: first_delta p50=%s p95=%s\n", percentile(first, 0.50), percentile(first, 0.95))
	fmt.Fprintf(w, "perfchat: turn_total  p50=%s p95=%s\n", percentile(total, 0.50), percentile(total, 0.95))
}

func percentile(values []time.Duration, q float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx].Round(time.Millisecond)
}

func printServerLatency(ctx context.Context, client *http.Client, baseURL string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "perfchat: server latency %s\n", strings.TrimSpace(string(body)))
	return nil
}

func resetServerLatency(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		return fmt.Errorf("status %d", res.StatusCode)
	}
	return nil
}
