package alert

import (
	"strings"
	"testing"

	"github.com/WessleyAI/autosync/engine/domain"
)

func sample(dtc domain.DTC) domain.TelemetrySample {
	return domain.TelemetrySample{RPM: 2500, Speed: 60, Temp: 95, DTC: dtc}
}

func TestNext(t *testing.T) {
	tests := []struct {
		name        string
		from        domain.AlertState
		dtc         domain.DTC
		want        domain.AlertState
		wantEffects int
	}{
		{"nominal no code", domain.AlertNominal, "", domain.AlertNominal, 0},
		{"nominal other code", domain.AlertNominal, "P0300", domain.AlertNominal, 0},
		{"nominal critical code", domain.AlertNominal, "P0217", domain.AlertCritical, 1},
		{"critical critical code", domain.AlertCritical, "P0217", domain.AlertCritical, 0},
		{"critical cleared", domain.AlertCritical, "", domain.AlertCritical, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, effects := Next(tc.from, sample(tc.dtc))
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
			if len(effects) != tc.wantEffects {
				t.Fatalf("expected %d effects, got %d", tc.wantEffects, len(effects))
			}
		})
	}
}

func TestCriticalMessage(t *testing.T) {
	msg := CriticalMessage("P0217")
	for _, want := range []string{"P0217", "Engine Coolant Over Temperature", "Stop the vehicle"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestLatchesAtMostOnce(t *testing.T) {
	seq := []domain.DTC{"", "P0300", "P0217", "", "P0217", "P0115", "P0217"}

	var transitions int
	m := NewMachine(OnTransition(func(from, to domain.AlertState, cause domain.TelemetrySample) {
		transitions++
		if from != domain.AlertNominal || to != domain.AlertCritical || cause.DTC != "P0217" {
			t.Errorf("unexpected transition %s -> %s on %q", from, to, cause.DTC)
		}
	}))

	var effects int
	for i, code := range seq {
		effects += len(m.Observe(sample(code)))
		wantCritical := i >= 2
		if (m.State() == domain.AlertCritical) != wantCritical {
			t.Fatalf("after sample %d (%q): state %s", i, code, m.State())
		}
	}
	if effects != 1 || transitions != 1 {
		t.Fatalf("expected one effect and one transition, got %d and %d", effects, transitions)
	}
	if code, ok := m.Trigger(); !ok || code != "P0217" {
		t.Fatalf("unexpected trigger %q", code)
	}
}

func TestObserveConcurrentReaders(t *testing.T) {
	m := NewMachine()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			m.State()
			m.Trigger()
		}
	}()
	for i := 0; i < 1000; i++ {
		code := domain.DTC("")
		if i == 500 {
			code = "P0217"
		}
		m.Observe(sample(code))
	}
	<-done
	if m.State() != domain.AlertCritical {
		t.Fatalf("expected critical, got %s", m.State())
	}
}
