// Package session owns one dashboard session: the telemetry stream, the alert
// latch, the chat log, the prediction form and the call-assist trigger. All
// state lives on the Session value; nothing is global.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/WessleyAI/autosync/engine/alert"
	"github.com/WessleyAI/autosync/engine/assist"
	"github.com/WessleyAI/autosync/engine/chat"
	"github.com/WessleyAI/autosync/engine/domain"
	"github.com/WessleyAI/autosync/engine/predict"
	"github.com/WessleyAI/autosync/pkg/metrics"
)

var (
	ErrAlreadyStarted = errors.New("session: already started")
	ErrClosed         = errors.New("session: closed")
)

// Event kinds emitted to the EventSink.
const (
	EventSample     = "sample"
	EventAlert      = "alert"
	EventMessage    = "message"
	EventPrediction = "prediction"
	EventNotice     = "notice"
)

// Stream is the live telemetry source. OnFrame must deliver every sample in
// order; Samples may skip stale ones.
type Stream interface {
	Connect(ctx context.Context) error
	Disconnect() error
	OnFrame(hook func(domain.TelemetrySample))
	Samples() <-chan domain.TelemetrySample
	Latest() (domain.TelemetrySample, bool)
	Connected() bool
}

// Backend is the analysis service.
type Backend interface {
	chat.Analyzer
	predict.Backend
	assist.Dispatcher
}

// EventSink receives session events for remote renderers.
type EventSink interface {
	Emit(ctx context.Context, kind string, v any) error
}

type nopSink struct{}

func (nopSink) Emit(context.Context, string, any) error { return nil }

// AlertEvent describes a latch transition.
type AlertEvent struct {
	From  domain.AlertState `json:"from"`
	To    domain.AlertState `json:"to"`
	Fault domain.Fault      `json:"fault"`
}

// Session is one dashboard session.
type Session struct {
	id      string
	stream  Stream
	alert   *alert.Machine
	chat    *chat.Session
	predict *predict.Service
	assist  *assist.Trigger
	sink    EventSink
	logger  *slog.Logger
	metrics *metrics.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	started   bool
	closed    bool
	closeOnce sync.Once

	lastBooking string // touched only by the stream's read loop
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.logger = l } }

// WithMetrics records session metrics in reg.
func WithMetrics(reg *metrics.Registry) Option { return func(s *Session) { s.metrics = reg } }

// WithEventSink publishes session events to sink.
func WithEventSink(sink EventSink) Option { return func(s *Session) { s.sink = sink } }

// WithID overrides the generated session ID.
func WithID(id string) Option { return func(s *Session) { s.id = id } }

// New assembles a session. Nothing runs until Start.
func New(stream Stream, be Backend, opts ...Option) *Session {
	s := &Session{
		id:     uuid.NewString(),
		stream: stream,
		sink:   nopSink{},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("session", s.id)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	alertGauge := s.metrics.Gauge("alert_critical", "1 once the session has latched a critical alert")
	s.alert = alert.NewMachine(
		alert.WithLogger(s.logger),
		alert.OnTransition(func(from, to domain.AlertState, cause domain.TelemetrySample) {
			if to == domain.AlertCritical {
				alertGauge.Set(1)
			}
			f, _ := domain.LookupFault(cause.DTC)
			s.emit(EventAlert, AlertEvent{From: from, To: to, Fault: f})
		}),
	)
	s.chat = chat.New(be, stream.Latest,
		chat.WithLogger(s.logger),
		chat.WithMetrics(s.metrics),
		chat.OnMessage(func(m domain.ChatMessage) { s.emit(EventMessage, m) }),
	)
	s.predict = predict.New(be,
		predict.WithLogger(s.logger),
		predict.WithMetrics(s.metrics),
		predict.OnResult(func(r domain.PredictionResult) { s.emit(EventPrediction, r) }),
		predict.OnNotice(func(n string) { s.emit(EventNotice, n) }),
	)
	s.assist = assist.New(be, s.chat, s.logger, s.metrics)
	stream.OnFrame(s.observe)
	return s
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

func (s *Session) emit(kind string, v any) {
	if err := s.sink.Emit(s.ctx, kind, v); err != nil {
		s.logger.Warn("event publish failed", "kind", kind, "err", err)
	}
}

// Start connects the stream and feeds every frame through the alert latch.
// The session closes itself when ctx is done. A failed first connect leaves
// the session unstarted so Start may be retried.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.started:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if err := s.stream.Connect(s.ctx); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return err
	}

	// Close may have run during Connect; it has already disconnected the
	// stream because started was set.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.wg.Add(1)
	go s.forward(s.stream.Samples())
	s.mu.Unlock()

	context.AfterFunc(ctx, func() { s.Close() })
	s.logger.Info("session started")
	return nil
}

// observe runs on the stream's read loop for every sample, so neither the
// critical code nor a one-off booking notice can be skipped.
func (s *Session) observe(sample domain.TelemetrySample) {
	for _, e := range s.alert.Observe(sample) {
		s.chat.NotifySystem(e.SystemMessage)
	}
	if sample.Alert != "" && sample.Alert != s.lastBooking {
		s.lastBooking = sample.Alert
		s.chat.NotifySystem(sample.Alert)
	}
}

// forward publishes the renderer's current sample. Stale samples may be
// skipped when the sink is slow.
func (s *Session) forward(in <-chan domain.TelemetrySample) {
	defer s.wg.Done()
	for sample := range in {
		s.emit(EventSample, sample)
	}
}

// Close tears the session down: late responses are discarded, in-flight
// requests are cancelled and the stream is closed once. Safe to call more
// than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		started := s.started
		s.mu.Unlock()

		s.chat.Close()
		s.predict.Close()
		s.cancel()
		if started {
			err = s.stream.Disconnect()
		}
		s.wg.Wait()
		s.logger.Info("session closed")
	})
	return err
}

// SendChat submits text to the assistant without waiting for the reply. done
// closes once the reply or fallback has been appended.
func (s *Session) SendChat(text string) (done <-chan struct{}, err error) {
	return s.chat.Send(s.ctx, text)
}

// Predict runs one prediction request and waits for it to settle.
func (s *Session) Predict(in domain.PredictionInput) error {
	return s.predict.Predict(s.ctx, in)
}

// ClearPrediction drops the stored verdict.
func (s *Session) ClearPrediction() { s.predict.Clear() }

// CallAssist requests a roadside-assistance call.
func (s *Session) CallAssist() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.assist.CallAssist(s.ctx)
}

// Snapshot is the read model handed to renderers.
type Snapshot struct {
	SessionID   string                  `json:"session_id"`
	Connected   bool                    `json:"connected"`
	Sample      *domain.TelemetrySample `json:"sample"`
	Alert       domain.AlertState       `json:"alert"`
	Fault       *domain.Fault           `json:"fault,omitempty"`
	Messages    []domain.ChatMessage    `json:"messages"`
	ChatPending bool                    `json:"chat_pending"`
	Prediction  PredictionView          `json:"prediction"`
}

// PredictionView is the prediction form's state.
type PredictionView struct {
	Status           predict.Status           `json:"status"`
	Result           *domain.PredictionResult `json:"result,omitempty"`
	NeedsMaintenance bool                     `json:"needs_maintenance"`
	Notice           string                   `json:"notice,omitempty"`
}

// Snapshot returns the current read model. Fault describes the code on the
// latest sample, or the latched code when the latest sample carries none.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		SessionID:   s.id,
		Connected:   s.stream.Connected(),
		Alert:       s.alert.State(),
		Messages:    s.chat.Messages(),
		ChatPending: s.chat.Pending(),
		Prediction: PredictionView{
			Status: s.predict.Status(),
			Notice: s.predict.Notice(),
		},
	}
	code, _ := s.alert.Trigger()
	if sample, ok := s.stream.Latest(); ok {
		snap.Sample = &sample
		if sample.DTC.Present() {
			code = sample.DTC
		}
	}
	if f, ok := domain.LookupFault(code); ok {
		snap.Fault = &f
	}
	if r, ok := s.predict.Result(); ok {
		snap.Prediction.Result = &r
		snap.Prediction.NeedsMaintenance = r.NeedsMaintenance()
	}
	return snap
}
