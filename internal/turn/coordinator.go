package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/chatrelay/internal/history"
	"github.com/ent0n29/chatrelay/internal/llm"
	"github.com/ent0n29/chatrelay/internal/observability"
	"github.com/ent0n29/chatrelay/internal/policy"
	"github.com/ent0n29/chatrelay/internal/relay"
	"github.com/ent0n29/chatrelay/internal/session"
)

var (
	ErrEmptyMessage   = errors.New("message must not be blank")
	ErrMissingSession = errors.New("session id is required")
)

const defaultCommitTimeout = 5 * time.Second

// Options configures a Coordinator.
type Options struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	// RedactPII masks PII and API keys in history writes.
	// Context keeps the original text.
	RedactPII bool
	// CommitTimeout bounds the context and history writes after a turn.
	CommitTimeout time.Duration
	Now           func() time.Time
}

// Coordinator runs turns: load context, relay upstream, then commit both
// sides of the exchange to the context store and the history log.
type Coordinator struct {
	contexts *session.ContextStore
	history  history.Store
	relay    *relay.Pipeline

	logger        *slog.Logger
	metrics       *observability.Metrics
	redactor      *policy.Redactor
	commitTimeout time.Duration
	now           func() time.Time
}

func New(contexts *session.ContextStore, hist history.Store, pipeline *relay.Pipeline, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = defaultCommitTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	var redactor *policy.Redactor
	if opts.RedactPII {
		redactor = policy.NewRedactor()
	}
	return &Coordinator{
		contexts:      contexts,
		history:       hist,
		relay:         pipeline,
		logger:        opts.Logger.With("component", "turn"),
		metrics:       opts.Metrics,
		redactor:      redactor,
		commitTimeout: opts.CommitTimeout,
		now:           opts.Now,
	}
}

// Chat runs one buffered turn. An upstream failure is returned as the error
// with the outcome in state Aborted; storage failures after a successful
// upstream call are reported on the outcome only.
func (c *Coordinator) Chat(ctx context.Context, sessionID, text string) (Outcome, error) {
	t, err := c.begin(ctx, sessionID, text, "buffered")
	if err != nil {
		return t.outcome, err
	}

	t.outcome.State = StateRelaying
	out, err := c.relay.Buffered(ctx, t.request())
	if err != nil {
		c.abort(t, err)
		return t.outcome, err
	}
	c.commit(ctx, t, out)
	return t.outcome, nil
}

// ChatStream starts a streaming turn. The returned stream yields relay
// deltas; its channel closes only after the turn has been committed or
// abandoned, so Outcome is final by then.
func (c *Coordinator) ChatStream(ctx context.Context, sessionID, text string) (*Stream, error) {
	t, err := c.begin(ctx, sessionID, text, "stream")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	t.outcome.State = StateRelaying
	s := &Stream{
		sessionID: sessionID,
		turnID:    t.outcome.TurnID,
		deltas:    make(chan relay.Delta),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	rs := c.relay.Stream(ctx, t.request())
	go c.forward(ctx, t, rs, s)
	return s, nil
}

func (c *Coordinator) forward(ctx context.Context, t *turnRun, rs *relay.Stream, s *Stream) {
	defer close(s.done)
	defer s.cancel(nil)
	defer close(s.deltas)

loop:
	for d := range rs.Deltas() {
		select {
		case s.deltas <- d:
		case <-ctx.Done():
			break loop
		}
	}
	rs.Close()

	out, err := rs.Result()
	if err == nil && ctx.Err() != nil {
		// The consumer left before seeing the whole reply.
		err = context.Cause(ctx)
	}
	if err != nil {
		c.abort(t, err)
		s.outcome = t.outcome
		return
	}
	c.commit(ctx, t, out)
	s.outcome = t.outcome
}

// History returns the durable log of a session, oldest first.
func (c *Coordinator) History(ctx context.Context, sessionID string) ([]history.Entry, error) {
	entries, err := c.history.ListBySession(ctx, sessionID)
	if err != nil {
		c.metrics.IncStorageError("history", "list")
		return nil, err
	}
	return entries, nil
}

// Session returns the stored context aggregate; found is false when the
// session has none.
func (c *Coordinator) Session(ctx context.Context, sessionID string) (session.Session, bool, error) {
	sess, found, err := c.contexts.GetSession(ctx, sessionID)
	if err != nil {
		c.metrics.IncStorageError("context", "get")
	}
	return sess, found, err
}

// DeleteSession drops the context first, then the history. Both are
// attempted even if the first fails.
func (c *Coordinator) DeleteSession(ctx context.Context, sessionID string) error {
	var errs []error
	if err := c.contexts.DeleteSession(ctx, sessionID); err != nil {
		c.metrics.IncStorageError("context", "delete")
		errs = append(errs, err)
	}
	if err := c.history.DeleteBySession(ctx, sessionID); err != nil {
		c.metrics.IncStorageError("history", "delete")
		errs = append(errs, fmt.Errorf("delete history: %w", err))
	}
	return errors.Join(errs...)
}

type turnRun struct {
	mode    string
	started time.Time
	user    session.Message
	context []session.Message
	outcome Outcome
}

func (t *turnRun) request() llm.Request {
	msgs := make([]llm.ChatMessage, 0, len(t.context))
	for _, m := range t.context {
		msgs = append(msgs, llm.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return llm.Request{
		SessionID: t.outcome.SessionID,
		TurnID:    t.outcome.TurnID,
		InputText: t.user.Content,
		Context:   msgs,
	}
}

func (c *Coordinator) begin(ctx context.Context, sessionID, text, mode string) (*turnRun, error) {
	t := &turnRun{
		mode:    mode,
		started: c.now(),
		outcome: Outcome{SessionID: sessionID, TurnID: uuid.NewString(), State: StateIdle},
	}
	if strings.TrimSpace(sessionID) == "" {
		return t, ErrMissingSession
	}
	if strings.TrimSpace(text) == "" {
		return t, ErrEmptyMessage
	}
	t.user = session.NewMessage(session.RoleUser, text, t.started)

	loadStart := time.Now()
	msgs, err := c.contexts.GetContext(ctx, sessionID)
	c.metrics.ObserveTurnStage(observability.StageContextLoad, time.Since(loadStart))
	if err != nil {
		// The turn still runs, just without memory of earlier turns.
		c.metrics.IncStorageError("context", "get")
		c.logger.Warn("context load failed, continuing without context",
			"session_id", sessionID, "turn_id", t.outcome.TurnID, "error", err)
		msgs = nil
	}
	t.context = msgs
	t.outcome.State = StateContextLoaded
	return t, nil
}

func (c *Coordinator) abort(t *turnRun, err error) {
	t.outcome.State = StateAborted
	t.outcome.Err = err
	outcome := "failed"
	if errors.Is(err, context.Canceled) || errors.Is(err, relay.ErrStreamClosed) {
		outcome = "aborted"
	}
	c.metrics.IncTurn(t.mode, outcome)
	c.metrics.ObserveTurnIndicator(outcome)
	c.logger.Info("turn abandoned",
		"session_id", t.outcome.SessionID, "turn_id", t.outcome.TurnID, "mode", t.mode, "outcome", outcome, "error", err)
}

func (c *Coordinator) commit(ctx context.Context, t *turnRun, out llm.Completion) {
	finished := c.now()
	assistant := session.NewMessage(session.RoleAssistant, out.Text, finished)
	t.outcome.Completion = out
	t.outcome.Timestamp = finished

	// Writes outlive a client that disconnects right after the last delta.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.commitTimeout)
	defer cancel()

	commitStart := time.Now()
	if err := c.contexts.AppendTurn(ctx, t.outcome.SessionID, t.user, assistant); err != nil {
		t.outcome.ContextErr = err
		c.metrics.IncStorageError("context", "append")
		c.metrics.ObserveTurnIndicator("context_write_failed")
		c.logger.Error("context update failed",
			"session_id", t.outcome.SessionID, "turn_id", t.outcome.TurnID, "error", err)
	}
	exchange := session.Turn{User: t.user, Assistant: assistant}
	if err := c.appendHistory(ctx, t.outcome.SessionID, exchange); err != nil {
		t.outcome.HistoryErr = err
		c.metrics.IncStorageError("history", "append")
		c.metrics.ObserveTurnIndicator("history_write_failed")
		c.logger.Error("history write failed",
			"session_id", t.outcome.SessionID, "turn_id", t.outcome.TurnID, "error", err)
	}
	c.metrics.ObserveTurnStage(observability.StageCommit, time.Since(commitStart))
	c.metrics.ObserveTurnStage(observability.StageTurnTotal, c.now().Sub(t.started))

	t.outcome.State = StateCompleted
	result := "completed"
	if t.outcome.ContextErr != nil || t.outcome.HistoryErr != nil {
		result = "completed_degraded"
	}
	c.metrics.IncTurn(t.mode, result)
	c.logger.Info("turn completed",
		"session_id", t.outcome.SessionID,
		"turn_id", t.outcome.TurnID,
		"mode", t.mode,
		"model", out.Model,
		"tokens_used", out.TokensUsed,
		"context_saved", t.outcome.ContextErr == nil,
		"history_saved", t.outcome.HistoryErr == nil,
	)
}

// appendHistory writes both messages; the assistant entry is attempted even
// if the user entry fails.
func (c *Coordinator) appendHistory(ctx context.Context, sessionID string, exchange session.Turn) error {
	var errs []error
	for _, m := range []session.Message{exchange.User, exchange.Assistant} {
		entry := history.Entry{
			SessionID: sessionID,
			Role:      string(m.Role),
			Content:   m.Content,
			CreatedAt: m.Timestamp,
		}
		if hits := c.redactInto(&entry); len(hits) > 0 {
			c.logger.Debug("redacted history entry", "session_id", sessionID, "role", entry.Role, "rules", hits)
		}
		if err := c.history.Append(ctx, entry); err != nil {
			errs = append(errs, fmt.Errorf("append %s message: %w", m.Role, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) redactInto(entry *history.Entry) []string {
	if c.redactor == nil {
		return nil
	}
	var hits []string
	entry.Content, hits = c.redactor.Redact(entry.Content)
	entry.PIIRedacted = len(hits) > 0
	return hits
}
