package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ValidatePredictionInput checks the ranges of a prediction form. The backend
// remains authoritative; this only rejects input that cannot be meaningful.
func ValidatePredictionInput(in PredictionInput) error {
	if in.Mileage < 0 || math.IsNaN(in.Mileage) {
		return NewValidationError("mileage", formatFloat(in.Mileage), ErrNegativeValue)
	}
	if in.VehicleAge < 0 || math.IsNaN(in.VehicleAge) {
		return NewValidationError("vehicle_age", formatFloat(in.VehicleAge), ErrNegativeValue)
	}
	if in.ReportedIssues < 0 {
		return NewValidationError("reported_issues", strconv.Itoa(in.ReportedIssues), ErrNegativeValue)
	}
	if !(in.EngineSize > 0) {
		return NewValidationError("engine_size", formatFloat(in.EngineSize), ErrNonPositiveValue)
	}
	if !ValidMaintenanceHistories[in.MaintenanceHistory] {
		return NewValidationError("maintenance_history", string(in.MaintenanceHistory), ErrUnknownHistory)
	}
	return nil
}

// telemetryFrame mirrors TelemetrySample with pointer numerics so missing
// fields can be told apart from zero readings.
type telemetryFrame struct {
	RPM       *float64 `json:"rpm"`
	Speed     *float64 `json:"speed"`
	Temp      *float64 `json:"temp"`
	DTC       DTC      `json:"dtc"`
	Timestamp string   `json:"timestamp"`
	Alert     string   `json:"alert"`
}

// DecodeTelemetry parses one stream frame. A frame is well-formed when it is a
// JSON object carrying numeric rpm, speed and temp; dtc may be absent or null.
func DecodeTelemetry(data []byte) (TelemetrySample, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return TelemetrySample{}, ErrMalformedTelemetry
	}
	var f telemetryFrame
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return TelemetrySample{}, fmt.Errorf("%w: %v", ErrMalformedTelemetry, err)
	}
	switch {
	case f.RPM == nil:
		return TelemetrySample{}, NewValidationError("rpm", "", ErrMalformedTelemetry)
	case f.Speed == nil:
		return TelemetrySample{}, NewValidationError("speed", "", ErrMalformedTelemetry)
	case f.Temp == nil:
		return TelemetrySample{}, NewValidationError("temp", "", ErrMalformedTelemetry)
	}
	return TelemetrySample{
		RPM:       *f.RPM,
		Speed:     *f.Speed,
		Temp:      *f.Temp,
		DTC:       f.DTC,
		Timestamp: f.Timestamp,
		Alert:     f.Alert,
	}, nil
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }
