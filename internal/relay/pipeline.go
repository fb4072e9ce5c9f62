package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/chatrelay/internal/llm"
	"github.com/ent0n29/chatrelay/internal/observability"
	"github.com/ent0n29/chatrelay/internal/reliability"
)

// ErrStreamClosed is the cancellation cause when the consumer calls Close.
var ErrStreamClosed = errors.New("relay stream closed by consumer")

// DeltaKind separates model text from the synthetic failure notice.
type DeltaKind string

const (
	KindContent DeltaKind = "content"
	KindError   DeltaKind = "error"
)

// Delta is one element of a relayed stream.
type Delta struct {
	Kind DeltaKind `json:"kind"`
	Text string    `json:"text"`
}

// Options configures a Pipeline.
type Options struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	// Buffer is the delta channel capacity; 0 means unbuffered.
	Buffer int
}

// Pipeline drives single turns against an llm.Adapter.
type Pipeline struct {
	adapter llm.Adapter
	mode    string
	logger  *slog.Logger
	metrics *observability.Metrics
	buffer  int
}

func New(adapter llm.Adapter, opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Buffer < 0 {
		opts.Buffer = 0
	}
	return &Pipeline{
		adapter: adapter,
		mode:    llm.ModeOf(adapter),
		logger:  opts.Logger.With("component", "relay"),
		metrics: opts.Metrics,
		buffer:  opts.Buffer,
	}
}

// Buffered issues one non-streaming upstream call. Any failure is returned
// as a single terminal error.
func (p *Pipeline) Buffered(ctx context.Context, req llm.Request) (llm.Completion, error) {
	started := time.Now()
	out, err := p.adapter.Complete(ctx, req)
	p.metrics.ObserveTurnStage(observability.StageUpstreamTotal, time.Since(started))
	if err != nil {
		p.reportFailure(req, err)
		return llm.Completion{}, err
	}
	return out, nil
}

// Stream starts a streaming upstream call and returns immediately. The
// caller ranges over Deltas and then reads Result. Cancelling ctx or calling
// Close aborts the upstream request.
func (p *Pipeline) Stream(ctx context.Context, req llm.Request) *Stream {
	ctx, cancel := context.WithCancelCause(ctx)
	s := &Stream{
		deltas: make(chan Delta, p.buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	p.metrics.StreamStarted()
	go p.run(ctx, req, s)
	return s
}

func (p *Pipeline) run(ctx context.Context, req llm.Request, s *Stream) {
	defer close(s.done)
	defer s.cancel(nil)
	defer close(s.deltas)
	defer p.metrics.StreamFinished()

	started := time.Now()
	first := true
	out, err := p.adapter.StreamResponse(ctx, req, func(text string) error {
		if first {
			first = false
			p.metrics.ObserveFirstDeltaLatency(time.Since(started))
		}
		return s.emit(ctx, Delta{Kind: KindContent, Text: text})
	})
	p.metrics.ObserveTurnStage(observability.StageUpstreamTotal, time.Since(started))

	if err == nil {
		s.completion = out
		return
	}

	if ctx.Err() != nil {
		// Consumer went away; the partial text is discarded.
		s.err = context.Cause(ctx)
		p.logger.Debug("stream aborted", "session_id", req.SessionID, "turn_id", req.TurnID, "cause", s.err)
		return
	}

	s.err = err
	p.reportFailure(req, err)
	_ = s.emit(ctx, Delta{Kind: KindError, Text: "Error: " + err.Error()})
}

func (p *Pipeline) reportFailure(req llm.Request, err error) {
	f := reliability.ClassifyUpstream(err)
	p.metrics.IncUpstreamError(p.mode, f.Code)
	p.logger.Warn("upstream call failed",
		"session_id", req.SessionID,
		"turn_id", req.TurnID,
		"code", f.Code,
		"retryable", f.Retryable,
		"error", err,
	)
}

// Stream is one in-flight streaming turn.
type Stream struct {
	deltas chan Delta
	done   chan struct{}
	cancel context.CancelCauseFunc

	closeOnce  sync.Once
	completion llm.Completion
	err        error
}

// Deltas yields content deltas in upstream order, followed by at most one
// KindError delta. The channel is closed when the stream ends.
func (s *Stream) Deltas() <-chan Delta { return s.deltas }

// Result waits for the stream to end and returns the accumulated
// completion. A non-nil error means the turn did not complete.
func (s *Stream) Result() (llm.Completion, error) {
	<-s.done
	return s.completion, s.err
}

// Close aborts the stream if it is still running and waits for the
// upstream call to return. It is safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { s.cancel(ErrStreamClosed) })
	<-s.done
}

func (s *Stream) emit(ctx context.Context, d Delta) error {
	select {
	case s.deltas <- d:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
