// Package domain defines the data model shared by the dashboard core: telemetry
// samples, alert state, chat messages, and the wire types of the analysis,
// voice-dispatch and prediction endpoints.
package domain

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// DTC is a diagnostic trouble code. The empty value means no code is active.
// It encodes as JSON null when empty.
type DTC string

// Present reports whether a code is active.
func (d DTC) Present() bool { return d != "" }

func (d DTC) MarshalJSON() ([]byte, error) {
	if d == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(d))
}

// UnmarshalJSON accepts a string or null. The simulator emits the literal
// "None" for rows without a code; that decodes to empty as well.
func (d *DTC) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*d = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "none") {
		s = ""
	}
	*d = DTC(s)
	return nil
}

// TelemetrySample is one decoded frame of the telemetry stream.
type TelemetrySample struct {
	RPM   float64 `json:"rpm"`
	Speed float64 `json:"speed"`
	Temp  float64 `json:"temp"`
	DTC   DTC     `json:"dtc"`

	// Optional fields sent by the simulation backend.
	Timestamp string `json:"timestamp,omitempty"`
	Alert     string `json:"alert,omitempty"`
}

// AlertState is the session's latched alert level.
type AlertState int

const (
	AlertNominal AlertState = iota
	AlertCritical
)

func (s AlertState) String() string {
	switch s {
	case AlertNominal:
		return "nominal"
	case AlertCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (s AlertState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Sender identifies the author of a chat message.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderAI     Sender = "ai"
	SenderSystem Sender = "system"
)

// ChatMessage is one immutable entry of the conversation log.
type ChatMessage struct {
	ID     string    `json:"id"`
	Sender Sender    `json:"sender"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// AnalyzeRequest is the body of POST /api/analyze.
type AnalyzeRequest struct {
	Query       string           `json:"query"`
	VehicleData *TelemetrySample `json:"vehicle_data"`
}

// AnalyzeResponse is the body returned by POST /api/analyze.
type AnalyzeResponse struct {
	Analysis      string   `json:"analysis"`
	Steps         []string `json:"steps,omitempty"`
	BookingStatus *string  `json:"booking_status,omitempty"`
}

// VoiceTestResponse is the body returned by POST /api/voice-test. The dispatch
// service reports success=false when the call could not be placed.
type VoiceTestResponse struct {
	Status  string `json:"status,omitempty"`
	Success *bool  `json:"success,omitempty"`
}

// MaintenanceHistory grades the vehicle's service record.
type MaintenanceHistory string

const (
	HistoryGood    MaintenanceHistory = "Good"
	HistoryAverage MaintenanceHistory = "Average"
	HistoryPoor    MaintenanceHistory = "Poor"
)

// ValidMaintenanceHistories is the set of accepted history grades.
var ValidMaintenanceHistories = map[MaintenanceHistory]bool{
	HistoryGood: true, HistoryAverage: true, HistoryPoor: true,
}

// PredictionInput is the body of POST /api/predict-maintenance.
type PredictionInput struct {
	Mileage            float64            `json:"mileage"`
	VehicleAge         float64            `json:"vehicle_age"`
	ReportedIssues     int                `json:"reported_issues"`
	EngineSize         float64            `json:"engine_size"`
	MaintenanceHistory MaintenanceHistory `json:"maintenance_history"`
}

// PredictionColor is the presentation hint returned with a prediction.
type PredictionColor string

const (
	ColorRed   PredictionColor = "red"
	ColorGreen PredictionColor = "green"
)

// PredictionResult is the backend's verdict. The client treats it as opaque
// apart from branching on Color.
type PredictionResult struct {
	Status      string          `json:"status"`
	Probability float64         `json:"probability"`
	Color       PredictionColor `json:"color"`
}

// NeedsMaintenance reports whether the backend flagged the vehicle.
func (r PredictionResult) NeedsMaintenance() bool { return r.Color == ColorRed }
