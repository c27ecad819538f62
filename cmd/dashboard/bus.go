package main

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/autosync/engine/domain"
	"github.com/WessleyAI/autosync/engine/session"
	"github.com/WessleyAI/autosync/pkg/natsutil"
)

// Input kinds accepted on <prefix>.session.<id>.input.
const (
	inputChat            = "chat"
	inputPredict         = "predict"
	inputClearPrediction = "clear_prediction"
	inputCallAssist      = "call_assist"
)

// InputEvent is a renderer action delivered over NATS.
type InputEvent struct {
	Kind       string                  `json:"kind"`
	Text       string                  `json:"text,omitempty"`
	Prediction *domain.PredictionInput `json:"prediction,omitempty"`
}

// subscribeInput feeds remote renderer actions into sess. Actions that block
// on the backend run on their own goroutine so the subscription keeps draining.
func subscribeInput(nc *nats.Conn, prefix string, sess *session.Session, logger *slog.Logger) (*nats.Subscription, error) {
	subject := sessionSubject(prefix, sess.ID()) + ".input"
	logger = logger.With("component", "bus", "subject", subject)
	return natsutil.Subscribe(nc, subject, func(_ context.Context, ev InputEvent) {
		dispatchInput(sess, ev, logger)
	})
}

func dispatchInput(sess *session.Session, ev InputEvent, logger *slog.Logger) {
	switch ev.Kind {
	case inputChat:
		if _, err := sess.SendChat(ev.Text); err != nil {
			logger.Warn("chat input rejected", "err", err)
		}
	case inputPredict:
		if ev.Prediction == nil {
			logger.Warn("predict input without payload")
			return
		}
		if err := domain.ValidatePredictionInput(*ev.Prediction); err != nil {
			logger.Warn("predict input rejected", "err", err)
			return
		}
		go func() {
			if err := sess.Predict(*ev.Prediction); err != nil {
				logger.Warn("predict input rejected", "err", err)
			}
		}()
	case inputClearPrediction:
		sess.ClearPrediction()
	case inputCallAssist:
		go func() {
			if err := sess.CallAssist(); err != nil {
				logger.Warn("call assist failed", "err", err)
			}
		}()
	default:
		logger.Warn("unknown input kind", "kind", ev.Kind)
	}
}
