package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/WessleyAI/autosync/engine/alert"
	"github.com/WessleyAI/autosync/engine/chat"
	"github.com/WessleyAI/autosync/engine/domain"
	"github.com/WessleyAI/autosync/engine/predict"
	"github.com/WessleyAI/autosync/engine/telemetry"
	"github.com/WessleyAI/autosync/pkg/backend"
)

type fakeStream struct {
	samples   chan domain.TelemetrySample
	hook      func(domain.TelemetrySample)
	onConnect func()

	mu          sync.Mutex
	latest      *domain.TelemetrySample
	connects    int
	disconnects int
	once        sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{samples: make(chan domain.TelemetrySample)}
}

func (f *fakeStream) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	if f.onConnect != nil {
		f.onConnect()
	}
	return nil
}

func (f *fakeStream) OnFrame(hook func(domain.TelemetrySample)) { f.hook = hook }

func (f *fakeStream) Disconnect() error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	f.once.Do(func() { close(f.samples) })
	return nil
}

func (f *fakeStream) Samples() <-chan domain.TelemetrySample { return f.samples }

func (f *fakeStream) Latest() (domain.TelemetrySample, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return domain.TelemetrySample{}, false
	}
	return *f.latest, true
}

func (f *fakeStream) Connected() bool { return true }

func (f *fakeStream) push(s domain.TelemetrySample) {
	f.mu.Lock()
	f.latest = &s
	f.mu.Unlock()
	if f.hook != nil {
		f.hook(s)
	}
	f.samples <- s
}

type fakeBackend struct {
	analyze func(ctx context.Context, req domain.AnalyzeRequest) (domain.AnalyzeResponse, error)
	result  domain.PredictionResult
	voice   error
}

func (b *fakeBackend) Analyze(ctx context.Context, req domain.AnalyzeRequest) (domain.AnalyzeResponse, error) {
	if b.analyze != nil {
		return b.analyze(ctx, req)
	}
	return domain.AnalyzeResponse{Analysis: "ok"}, nil
}

func (b *fakeBackend) PredictMaintenance(context.Context, domain.PredictionInput) (domain.PredictionResult, error) {
	return b.result, nil
}

func (b *fakeBackend) VoiceTest(context.Context) error { return b.voice }

type recordingSink struct {
	mu     sync.Mutex
	events []string
	alerts []AlertEvent
}

func (r *recordingSink) Emit(_ context.Context, kind string, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind)
	if e, ok := v.(AlertEvent); ok {
		r.alerts = append(r.alerts, e)
	}
	return nil
}

func (r *recordingSink) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.events {
		if k == kind {
			n++
		}
	}
	return n
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func systemMessages(s *Session) []string {
	var out []string
	for _, m := range s.Snapshot().Messages {
		if m.Sender == domain.SenderSystem {
			out = append(out, m.Text)
		}
	}
	return out
}

func TestCriticalAlertLatchesOnce(t *testing.T) {
	stream := newFakeStream()
	sink := &recordingSink{}
	s := New(stream, &fakeBackend{}, WithLogger(quietLogger()), WithEventSink(sink))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	for _, code := range []domain.DTC{"", "P0300", "P0217", "P0217", ""} {
		stream.push(domain.TelemetrySample{RPM: 3000, Temp: 110, DTC: code})
	}

	waitFor(t, "critical alert", func() bool { return s.Snapshot().Alert == domain.AlertCritical })
	waitFor(t, "all samples published", func() bool { return sink.count(EventSample) == 5 })

	msgs := systemMessages(s)
	if len(msgs) != 1 || msgs[0] != alert.CriticalMessage("P0217") {
		t.Fatalf("expected exactly one critical message, got %q", msgs)
	}
	if sink.count(EventAlert) != 1 || sink.alerts[0].Fault.Code != "P0217" {
		t.Fatalf("expected one alert event, got %+v", sink.alerts)
	}
	snap := s.Snapshot()
	if snap.Fault == nil || snap.Fault.Code != "P0217" {
		t.Fatalf("snapshot should describe the latched fault, got %+v", snap.Fault)
	}
}

func TestBookingNoticeSurfacedOncePerText(t *testing.T) {
	stream := newFakeStream()
	s := New(stream, &fakeBackend{}, WithLogger(quietLogger()))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	for _, a := range []string{"", "Booked at Downtown", "Booked at Downtown", "Booked at Uptown"} {
		stream.push(domain.TelemetrySample{Alert: a})
	}
	waitFor(t, "booking notices", func() bool { return len(systemMessages(s)) == 2 })
	time.Sleep(20 * time.Millisecond)
	if got := systemMessages(s); len(got) != 2 || got[0] != "Booked at Downtown" || got[1] != "Booked at Uptown" {
		t.Fatalf("unexpected notices %q", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	stream := newFakeStream()
	s := New(stream, &fakeBackend{}, WithLogger(quietLogger()))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if stream.disconnects != 1 {
		t.Fatalf("expected stream closed once, got %d", stream.disconnects)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := s.SendChat("hello"); !errors.Is(err, chat.ErrClosed) {
		t.Fatalf("expected chat.ErrClosed, got %v", err)
	}
	if err := s.Predict(domain.PredictionInput{}); !errors.Is(err, predict.ErrClosed) {
		t.Fatalf("expected predict.ErrClosed, got %v", err)
	}
	if err := s.CallAssist(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCloseWithoutStart(t *testing.T) {
	stream := newFakeStream()
	s := New(stream, &fakeBackend{})
	s.Close()
	s.Close()
	if stream.disconnects != 0 {
		t.Fatalf("unstarted stream should not be touched, got %d", stream.disconnects)
	}
}

func TestStartContextCancelClosesSession(t *testing.T) {
	stream := newFakeStream()
	s := New(stream, &fakeBackend{}, WithLogger(quietLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	waitFor(t, "session close", func() bool {
		_, err := s.SendChat("x")
		return errors.Is(err, chat.ErrClosed)
	})
}

func TestCloseDiscardsInFlightReply(t *testing.T) {
	entered := make(chan struct{})
	be := &fakeBackend{analyze: func(ctx context.Context, _ domain.AnalyzeRequest) (domain.AnalyzeResponse, error) {
		close(entered)
		<-ctx.Done()
		return domain.AnalyzeResponse{}, ctx.Err()
	}}
	s := New(newFakeStream(), be, WithLogger(quietLogger()))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done, err := s.SendChat("what's wrong?")
	if err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	<-entered
	s.Close()
	<-done

	msgs := s.Snapshot().Messages
	if len(msgs) != 2 || msgs[1].Sender != domain.SenderUser {
		t.Fatalf("expected welcome and user message only, got %+v", msgs)
	}
}

func TestPredictionAndAssistFlowThroughSnapshot(t *testing.T) {
	want := domain.PredictionResult{Status: "Healthy", Probability: 12, Color: domain.ColorGreen}
	sink := &recordingSink{}
	s := New(newFakeStream(), &fakeBackend{result: want}, WithLogger(quietLogger()), WithEventSink(sink), WithID("s-1"))
	t.Cleanup(func() { s.Close() })

	if err := s.Predict(domain.PredictionInput{Mileage: 50000, VehicleAge: 5, EngineSize: 2000, MaintenanceHistory: domain.HistoryAverage}); err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if err := s.CallAssist(); err != nil {
		t.Fatalf("CallAssist: %v", err)
	}

	snap := s.Snapshot()
	if snap.SessionID != "s-1" {
		t.Fatalf("unexpected id %s", snap.SessionID)
	}
	if snap.Prediction.Status != predict.StatusResolved || snap.Prediction.Result == nil || *snap.Prediction.Result != want {
		t.Fatalf("unexpected prediction view %+v", snap.Prediction)
	}
	if sink.count(EventPrediction) != 1 {
		t.Fatal("expected a prediction event")
	}
	if got := systemMessages(s); len(got) != 2 {
		t.Fatalf("expected uplink and success messages, got %q", got)
	}

	s.ClearPrediction()
	if s.Snapshot().Prediction.Status != predict.StatusIdle {
		t.Fatal("expected idle after clear")
	}
}

// TestEndToEnd drives a session over a real websocket and HTTP backend.
func TestEndToEnd(t *testing.T) {
	var closes atomic.Int32
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/simulation", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"rpm":2100,"speed":40,"temp":96,"dtc":"None"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"rpm":3100,"speed":72,"temp":118,"dtc":"P0217"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closes.Add(1)
				return
			}
		}
	})
	mux.HandleFunc("/api/analyze", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"analysis":"Coolant over temperature.","steps":["1. STOP","2. Check coolant"]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	stream := telemetry.New("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/simulation", telemetry.WithLogger(quietLogger()))
	be := backend.New(srv.URL, backend.WithRateLimit(0, 0), backend.WithLogger(quietLogger()))
	s := New(stream, be, WithLogger(quietLogger()))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "critical alert", func() bool { return s.Snapshot().Alert == domain.AlertCritical })

	done, err := s.SendChat("Why is the engine hot?")
	if err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	<-done

	msgs := s.Snapshot().Messages
	var ai []string
	for _, m := range msgs {
		if m.Sender == domain.SenderAI {
			ai = append(ai, m.Text)
		}
	}
	if len(ai) != 3 || ai[2] != "Recommended actions:\n1. STOP\n2. Check coolant" {
		t.Fatalf("unexpected assistant messages %q", ai)
	}

	s.Close()
	s.Close()
	waitFor(t, "server to observe close", func() bool { return closes.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if closes.Load() != 1 {
		t.Fatalf("expected exactly one close, got %d", closes.Load())
	}
}

func TestCloseDuringConnect(t *testing.T) {
	stream := newFakeStream()
	s := New(stream, &fakeBackend{}, WithLogger(quietLogger()))
	stream.onConnect = func() { s.Close() }

	if err := s.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if stream.disconnects != 1 {
		t.Fatalf("expected stream closed once, got %d", stream.disconnects)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on retry, got %v", err)
	}
}

// slowSink stalls every publish, as a congested bus would.
type slowSink struct {
	delay time.Duration
	n     atomic.Int32
}

func (s *slowSink) Emit(context.Context, string, any) error {
	time.Sleep(s.delay)
	s.n.Add(1)
	return nil
}

func TestAlertLatchesWhileSinkLags(t *testing.T) {
	frames := []string{
		`{"rpm":2000,"speed":40,"temp":90,"dtc":null}`,
		`{"rpm":3100,"speed":72,"temp":118,"dtc":"P0217"}`,
		`{"rpm":2000,"speed":40,"temp":90,"dtc":null,"alert":"Service booked at Downtown"}`,
		`{"rpm":2000,"speed":40,"temp":90,"dtc":null}`,
		`{"rpm":2000,"speed":40,"temp":90,"dtc":null}`,
		`{"rpm":2000,"speed":40,"temp":90,"dtc":null}`,
		`{"rpm":2000,"speed":40,"temp":90,"dtc":null}`,
	}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	stream := telemetry.New("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/simulation", telemetry.WithLogger(quietLogger()))
	sink := &slowSink{delay: 30 * time.Millisecond}
	s := New(stream, &fakeBackend{}, WithLogger(quietLogger()), WithEventSink(sink))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	waitFor(t, "latest frame", func() bool {
		latest, ok := stream.Latest()
		return ok && latest == domain.TelemetrySample{RPM: 2000, Speed: 40, Temp: 90} && len(systemMessages(s)) == 2
	})
	if got := s.Snapshot().Alert; got != domain.AlertCritical {
		t.Fatalf("alert state after a stream with one P0217 frame: %s", got)
	}
	msgs := systemMessages(s)
	if msgs[0] != alert.CriticalMessage("P0217") || msgs[1] != "Service booked at Downtown" {
		t.Fatalf("unexpected system messages %q", msgs)
	}
}

func TestSnapshotFlagsMaintenance(t *testing.T) {
	red := domain.PredictionResult{Status: "Needs Maintenance", Probability: 87, Color: domain.ColorRed}
	s := New(newFakeStream(), &fakeBackend{result: red}, WithLogger(quietLogger()))
	t.Cleanup(func() { s.Close() })

	if s.Snapshot().Prediction.NeedsMaintenance {
		t.Fatal("no verdict yet")
	}
	if err := s.Predict(domain.PredictionInput{Mileage: 180000, VehicleAge: 14, ReportedIssues: 4, EngineSize: 3000, MaintenanceHistory: domain.HistoryPoor}); err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if !s.Snapshot().Prediction.NeedsMaintenance {
		t.Fatal("red verdict should flag maintenance")
	}
}
