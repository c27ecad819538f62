// Package predict drives the predictive-maintenance form: one request at a
// time, the last verdict kept until replaced or cleared.
package predict

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/WessleyAI/autosync/engine/domain"
	"github.com/WessleyAI/autosync/pkg/metrics"
)

var (
	ErrRequestPending = errors.New("predict: request already pending")
	ErrClosed         = errors.New("predict: session closed")
)

// FailureNotice is shown when a prediction request fails.
const FailureNotice = "Prediction failed. Check backend."

// Status is the form's request state.
type Status int

const (
	StatusIdle Status = iota
	StatusPending
	StatusResolved
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPending:
		return "pending"
	case StatusResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Backend scores maintenance risk.
type Backend interface {
	PredictMaintenance(ctx context.Context, in domain.PredictionInput) (domain.PredictionResult, error)
}

// Service owns the prediction state of one session.
type Service struct {
	backend  Backend
	logger   *slog.Logger
	onResult func(domain.PredictionResult)
	onNotice func(string)
	metrics  *metrics.Registry

	mu      sync.Mutex
	pending bool
	result  *domain.PredictionResult
	notice  string
	closed  bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithMetrics records request outcomes in reg.
func WithMetrics(reg *metrics.Registry) Option { return func(s *Service) { s.metrics = reg } }

// OnResult registers a hook for every stored result.
func OnResult(fn func(domain.PredictionResult)) Option { return func(s *Service) { s.onResult = fn } }

// OnNotice registers a hook for failure notices.
func OnNotice(fn func(string)) Option { return func(s *Service) { s.onNotice = fn } }

// New returns an idle Service.
func New(backend Backend, opts ...Option) *Service {
	s := &Service{backend: backend, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "predict")
	return s
}

// Predict submits in and waits for the verdict. On failure the previous
// result is kept and FailureNotice is published. A backend failure is not
// returned; only rejected submissions produce an error.
func (s *Service) Predict(ctx context.Context, in domain.PredictionInput) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.pending:
		s.mu.Unlock()
		return ErrRequestPending
	}
	s.pending = true
	s.notice = ""
	s.mu.Unlock()

	start := time.Now()
	res, err := s.backend.PredictMaintenance(ctx, in)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.Counter(metrics.WithLabels("predict_requests_total", "outcome", outcome), "Prediction requests by outcome").Inc()
	s.metrics.Histogram("predict_request_seconds", "Prediction round-trip latency", nil).Since(start)

	s.mu.Lock()
	s.pending = false
	if s.closed {
		s.mu.Unlock()
		s.logger.Debug("discarding prediction after close", "err", err)
		return nil
	}
	if err != nil {
		s.notice = FailureNotice
		s.mu.Unlock()
		s.logger.Warn("prediction request failed", "err", err)
		if s.onNotice != nil {
			s.onNotice(FailureNotice)
		}
		return nil
	}
	s.result = &res
	s.mu.Unlock()

	s.logger.Info("prediction resolved", "status", res.Status, "probability", res.Probability, "color", string(res.Color))
	if s.onResult != nil {
		s.onResult(res)
	}
	return nil
}

// Result returns the stored verdict.
func (s *Service) Result() (domain.PredictionResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return domain.PredictionResult{}, false
	}
	return *s.result, true
}

// Pending reports whether a request is in flight.
func (s *Service) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Status reports idle, pending or resolved. Pending wins over a stored result.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.pending:
		return StatusPending
	case s.result != nil:
		return StatusResolved
	default:
		return StatusIdle
	}
}

// Notice returns the current failure notice, or "".
func (s *Service) Notice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notice
}

// Clear drops the stored result and notice.
func (s *Service) Clear() {
	s.mu.Lock()
	s.result = nil
	s.notice = ""
	s.mu.Unlock()
}

// Close discards any response still in flight and rejects new requests.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
