package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/WessleyAI/autosync/engine/chat"
	"github.com/WessleyAI/autosync/engine/domain"
	"github.com/WessleyAI/autosync/engine/predict"
	"github.com/WessleyAI/autosync/engine/session"
	"github.com/WessleyAI/autosync/internal/config"
	"github.com/WessleyAI/autosync/pkg/metrics"
	"github.com/WessleyAI/autosync/pkg/mid"
)

const maxBodyBytes = 64 << 10

// newConsole builds the renderer-facing API.
func newConsole(sess *session.Session, events *broadcaster, reg *metrics.Registry, cfg config.ConsoleConfig, serviceName string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(
		mid.RequestID(),
		mid.Recover(logger),
		mid.Logger(logger),
		mid.Metrics(reg),
		mid.CORS(cfg.CORSOrigins...),
	)

	r.Get("/api/health", handleHealth(sess, events))
	r.Get("/api/state", handleState(sess))
	r.Get("/api/events", handleEvents(events))
	r.Post("/api/chat", handleChat(sess))
	r.Post("/api/predict", handlePredict(sess, logger))
	r.Delete("/api/predict", handleClearPrediction(sess))
	r.Post("/api/call-assist", handleCallAssist(sess))
	r.Method(http.MethodGet, "/metrics", reg.Handler())

	return mid.Chain(r, mid.OTel(serviceName))
}

// --- Handlers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func handleHealth(sess *session.Session, events *broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snap := sess.Snapshot()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":           "ok",
			"session":          snap.SessionID,
			"stream_connected": snap.Connected,
			"event_clients":    events.clients(),
		})
	}
}

func handleState(sess *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, sess.Snapshot())
	}
}

// ChatRequest is the JSON body for POST /api/chat.
type ChatRequest struct {
	Text string `json:"text"`
}

// ChatResponse reports the log after the submission. Pending is true when
// the reply has not arrived yet.
type ChatResponse struct {
	Pending  bool                 `json:"pending"`
	Messages []domain.ChatMessage `json:"messages"`
}

// handleChat accepts a message and returns immediately with 202, or with 200
// once the reply is in when the request carries ?wait=true.
func handleChat(sess *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if !decodeBody(w, r, &req) {
			return
		}
		done, err := sess.SendChat(req.Text)
		switch {
		case errors.Is(err, chat.ErrEmptyMessage):
			writeError(w, http.StatusBadRequest, "text is required")
			return
		case errors.Is(err, chat.ErrRequestPending):
			writeError(w, http.StatusConflict, "a request is already pending")
			return
		case errors.Is(err, chat.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "session closed")
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		status := http.StatusAccepted
		if r.URL.Query().Get("wait") == "true" {
			select {
			case <-done:
				status = http.StatusOK
			case <-r.Context().Done():
				return
			}
		}
		snap := sess.Snapshot()
		writeJSON(w, status, ChatResponse{Pending: snap.ChatPending, Messages: snap.Messages})
	}
}

func handlePredict(sess *session.Session, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in domain.PredictionInput
		if !decodeBody(w, r, &in) {
			return
		}
		if err := domain.ValidatePredictionInput(in); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		start := time.Now()
		err := sess.Predict(in)
		switch {
		case errors.Is(err, predict.ErrRequestPending):
			writeError(w, http.StatusConflict, "a prediction is already pending")
			return
		case errors.Is(err, predict.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "session closed")
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		view := sess.Snapshot().Prediction
		logger.Debug("prediction settled", "status", view.Status.String(), "notice", view.Notice, "duration", time.Since(start))
		writeJSON(w, http.StatusOK, view)
	}
}

func handleClearPrediction(sess *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		sess.ClearPrediction()
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleCallAssist(sess *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		err := sess.CallAssist()
		switch {
		case errors.Is(err, session.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "session closed")
		case err != nil:
			writeError(w, http.StatusBadGateway, "voice dispatch failed")
		default:
			writeJSON(w, http.StatusOK, map[string]string{"status": "dispatched"})
		}
	}
}
