// Package assist places a roadside-assistance voice call on the driver's
// behalf and reports progress in the chat log.
package assist

import (
	"context"
	"log/slog"

	"github.com/WessleyAI/autosync/pkg/metrics"
)

const (
	UplinkText  = "Initiating uplink to roadside assistance..."
	SuccessText = "Call dispatched. A roadside assistance agent is calling you now."
	FailureText = "I couldn't reach the voice dispatch service. Please call roadside assistance directly."
)

// Dispatcher places the call.
type Dispatcher interface {
	VoiceTest(ctx context.Context) error
}

// Notifier receives progress messages.
type Notifier interface {
	NotifySystem(text string)
	NotifyAI(text string)
}

// Trigger is stateless beyond the messages it appends.
type Trigger struct {
	dispatcher Dispatcher
	notifier   Notifier
	logger     *slog.Logger
	metrics    *metrics.Registry
}

// New returns a Trigger reporting to n.
func New(d Dispatcher, n Notifier, logger *slog.Logger, reg *metrics.Registry) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{dispatcher: d, notifier: n, logger: logger.With("component", "assist"), metrics: reg}
}

// CallAssist announces the uplink, requests the call and appends a system
// success message or an assistant failure message. The dispatch error, if
// any, is returned after the failure message is appended.
func (t *Trigger) CallAssist(ctx context.Context) error {
	t.notifier.NotifySystem(UplinkText)

	if err := t.dispatcher.VoiceTest(ctx); err != nil {
		t.metrics.Counter(metrics.WithLabels("assist_calls_total", "outcome", "error"), "Assistance calls by outcome").Inc()
		t.logger.Warn("voice dispatch failed", "err", err)
		t.notifier.NotifyAI(FailureText)
		return err
	}
	t.metrics.Counter(metrics.WithLabels("assist_calls_total", "outcome", "ok"), "Assistance calls by outcome").Inc()
	t.logger.Info("voice dispatch requested")
	t.notifier.NotifySystem(SuccessText)
	return nil
}
