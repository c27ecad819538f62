// Package chat runs the diagnostic assistant conversation: an append-only
// message log and at most one analysis request in flight.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/WessleyAI/autosync/engine/domain"
	"github.com/WessleyAI/autosync/pkg/metrics"
)

var (
	ErrEmptyMessage   = errors.New("chat: empty message")
	ErrRequestPending = errors.New("chat: request already pending")
	ErrClosed         = errors.New("chat: session closed")
)

// Fixed assistant texts.
const (
	WelcomeText  = "AutoSync diagnostic assistant online. Ask me anything about your vehicle's condition."
	FallbackText = "Sorry, I couldn't reach the diagnostic service. Please try again in a moment."
	StepsHeader  = "Recommended actions:"
	BookingLabel = "Service booking: "
)

// Analyzer answers diagnostic questions.
type Analyzer interface {
	Analyze(ctx context.Context, req domain.AnalyzeRequest) (domain.AnalyzeResponse, error)
}

// LatestFunc returns the most recent telemetry sample, if one has arrived.
type LatestFunc func() (domain.TelemetrySample, bool)

// Session is one conversation.
type Session struct {
	analyzer Analyzer
	latest   LatestFunc
	logger   *slog.Logger
	now      func() time.Time
	observe  func(domain.ChatMessage)

	mu       sync.Mutex
	messages []domain.ChatMessage
	pending  bool
	closed   bool

	metrics *metrics.Registry
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.logger = l } }

// WithClock overrides the message timestamp source.
func WithClock(now func() time.Time) Option { return func(s *Session) { s.now = now } }

// WithMetrics records request outcomes in reg.
func WithMetrics(reg *metrics.Registry) Option { return func(s *Session) { s.metrics = reg } }

// OnMessage registers fn to observe every appended message in log order. It
// runs with the log locked and must not call back into the Session.
func OnMessage(fn func(domain.ChatMessage)) Option { return func(s *Session) { s.observe = fn } }

// New starts a conversation seeded with the assistant's welcome message.
// latest may be nil, in which case requests carry no vehicle data.
func New(analyzer Analyzer, latest LatestFunc, opts ...Option) *Session {
	s := &Session{
		analyzer: analyzer,
		latest:   latest,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "chat")
	s.mu.Lock()
	s.appendLocked(domain.SenderAI, WelcomeText)
	s.mu.Unlock()
	return s
}

// Submit sends text to the analysis service and waits until the reply (or
// the fallback) has been appended. Rejected submissions append nothing.
func (s *Session) Submit(ctx context.Context, text string) error {
	q, err := s.accept(text)
	if err != nil {
		return err
	}
	s.complete(ctx, q)
	return nil
}

// Send is Submit without waiting: it returns once the user message is
// appended and closes done when the reply has been handled.
func (s *Session) Send(ctx context.Context, text string) (done <-chan struct{}, err error) {
	q, err := s.accept(text)
	if err != nil {
		return nil, err
	}
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		s.complete(ctx, q)
	}()
	return ch, nil
}

func (s *Session) accept(text string) (domain.AnalyzeRequest, error) {
	if strings.TrimSpace(text) == "" {
		return domain.AnalyzeRequest{}, ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return domain.AnalyzeRequest{}, ErrClosed
	case s.pending:
		return domain.AnalyzeRequest{}, ErrRequestPending
	}
	s.appendLocked(domain.SenderUser, text)
	s.pending = true

	req := domain.AnalyzeRequest{Query: text}
	if s.latest != nil {
		if sample, ok := s.latest(); ok {
			req.VehicleData = &sample
		}
	}
	return req, nil
}

func (s *Session) complete(ctx context.Context, req domain.AnalyzeRequest) {
	start := time.Now()
	resp, err := s.analyzer.Analyze(ctx, req)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.Counter(metrics.WithLabels("chat_requests_total", "outcome", outcome), "Analysis requests by outcome").Inc()
	s.metrics.Histogram("chat_request_seconds", "Analysis round-trip latency", nil).Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = false
	if s.closed {
		s.logger.Debug("discarding analysis response after close", "err", err)
		return
	}
	if err != nil {
		s.logger.Warn("analysis request failed", "err", err)
		s.appendLocked(domain.SenderAI, FallbackText)
		return
	}

	s.appendLocked(domain.SenderAI, resp.Analysis)
	if len(resp.Steps) > 0 {
		s.appendLocked(domain.SenderAI, StepsHeader+"\n"+strings.Join(resp.Steps, "\n"))
	}
	if resp.BookingStatus != nil && *resp.BookingStatus != "" {
		s.appendLocked(domain.SenderAI, BookingLabel+*resp.BookingStatus)
	}
}

// NotifySystem appends a system message. It never touches the pending flag.
func (s *Session) NotifySystem(text string) { s.notify(domain.SenderSystem, text) }

// NotifyAI appends an assistant message outside the request cycle.
func (s *Session) NotifyAI(text string) { s.notify(domain.SenderAI, text) }

func (s *Session) notify(sender domain.Sender, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.appendLocked(sender, text)
}

// Must hold mu.
func (s *Session) appendLocked(sender domain.Sender, text string) {
	m := domain.ChatMessage{ID: uuid.NewString(), Sender: sender, Text: text, At: s.now()}
	s.messages = append(s.messages, m)
	if s.observe != nil {
		s.observe(m)
	}
}

// Messages returns a copy of the log.
func (s *Session) Messages() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Pending reports whether a request is in flight.
func (s *Session) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Close seals the log. Later submissions fail with ErrClosed and responses
// still in flight are discarded. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
