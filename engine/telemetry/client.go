// Package telemetry maintains the dashboard's live telemetry stream: one
// websocket to the simulation endpoint, decoded into samples and delivered on
// a latest-wins channel.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/WessleyAI/autosync/engine/domain"
	"github.com/WessleyAI/autosync/pkg/fn"
	"github.com/WessleyAI/autosync/pkg/metrics"
)

var (
	ErrAlreadyConnected = errors.New("telemetry: already connected")
	ErrClosed           = errors.New("telemetry: client closed")
)

const (
	maxFrameBytes   = 64 << 10
	closeGraceDelay = time.Second
)

type lifecycle int

const (
	idle lifecycle = iota
	running
	stopped
)

// Client streams telemetry samples from a websocket endpoint.
type Client struct {
	url         string
	dialer      *websocket.Dialer
	backoff     fn.Backoff
	readTimeout time.Duration
	logger      *slog.Logger

	out     chan domain.TelemetrySample
	latest  atomic.Pointer[domain.TelemetrySample]
	onFrame atomic.Pointer[func(domain.TelemetrySample)]

	mu       sync.Mutex
	state    lifecycle
	conn     *websocket.Conn
	cancel   context.CancelFunc
	loopDone chan struct{}
	stopOnce sync.Once

	frames    *metrics.Counter
	malformed *metrics.Counter
	dropped   *metrics.Counter
	reconnect *metrics.Counter
	closed    *metrics.Counter
	connected *metrics.Gauge
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithDialer replaces the default websocket dialer.
func WithDialer(d *websocket.Dialer) Option { return func(c *Client) { c.dialer = d } }

// WithBackoff sets the reconnect policy.
func WithBackoff(b fn.Backoff) Option { return func(c *Client) { c.backoff = b } }

// WithReadTimeout treats a stream silent for d as dropped. Zero waits forever.
func WithReadTimeout(d time.Duration) Option { return func(c *Client) { c.readTimeout = d } }

// WithMetrics records stream counters in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(c *Client) { c.instrument(reg) }
}

// New creates a client for the websocket at url (ws:// or wss://).
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:         url,
		dialer:      websocket.DefaultDialer,
		backoff:     fn.DefaultBackoff,
		readTimeout: 30 * time.Second,
		logger:      slog.Default(),
		out:         make(chan domain.TelemetrySample, 1),
		loopDone:    make(chan struct{}),
	}
	c.instrument(nil)
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("component", "telemetry", "url", url)
	return c
}

func (c *Client) instrument(reg *metrics.Registry) {
	c.frames = reg.Counter("telemetry_frames_total", "Telemetry frames decoded")
	c.malformed = reg.Counter("telemetry_frames_malformed_total", "Telemetry frames dropped as malformed")
	c.dropped = reg.Counter("telemetry_samples_superseded_total", "Samples replaced before the consumer read them")
	c.reconnect = reg.Counter("telemetry_reconnects_total", "Successful stream reconnects")
	c.closed = reg.Counter("telemetry_connections_closed_total", "Stream connections closed")
	c.connected = reg.Gauge("telemetry_connected", "1 while the stream is connected")
}

// Samples returns the single-subscriber sample channel. It holds at most one
// unread sample; a newer sample replaces a stale one. The channel is closed
// when the client stops.
func (c *Client) Samples() <-chan domain.TelemetrySample { return c.out }

// OnFrame registers hook to see every sample, in arrival order, before it is
// offered on Samples. Unlike the channel it never skips a sample; a slow hook
// holds up the reader instead. hook runs on the read loop and must not call
// back into the Client. Register before Connect.
func (c *Client) OnFrame(hook func(domain.TelemetrySample)) { c.onFrame.Store(&hook) }

// Latest returns the most recent well-formed sample.
func (c *Client) Latest() (domain.TelemetrySample, bool) {
	if s := c.latest.Load(); s != nil {
		return *s, true
	}
	return domain.TelemetrySample{}, false
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the stream and starts the read loop. The first dial is
// synchronous; later drops are retried with backoff. The loop stops when ctx
// is done or Disconnect is called.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case running:
		c.mu.Unlock()
		return ErrAlreadyConnected
	case stopped:
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if st := c.state; st != idle {
		c.mu.Unlock()
		cancel()
		conn.Close()
		if st == stopped {
			return ErrClosed
		}
		return ErrAlreadyConnected
	}
	c.state = running
	c.cancel = cancel
	c.setConn(conn)
	c.mu.Unlock()

	context.AfterFunc(runCtx, c.teardownConn)
	go c.run(runCtx, conn)
	c.logger.Info("telemetry stream connected")
	return nil
}

// Disconnect stops the client and closes the active connection. It is safe
// to call more than once and before Connect.
func (c *Client) Disconnect() error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		prev := c.state
		c.state = stopped
		cancel := c.cancel
		c.mu.Unlock()

		if prev != running {
			close(c.out)
			close(c.loopDone)
			return
		}
		cancel()
		<-c.loopDone
		c.logger.Info("telemetry stream disconnected")
	})
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("telemetry dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("telemetry dial: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)
	return conn, nil
}

// setConn installs the active connection. Must hold mu.
func (c *Client) setConn(conn *websocket.Conn) {
	c.conn = conn
	c.connected.Set(1)
}

// releaseConn closes conn if it is still the active connection, so every
// connection is closed exactly once whichever side notices first.
func (c *Client) releaseConn(conn *websocket.Conn, graceful bool) {
	c.mu.Lock()
	if c.conn != conn || conn == nil {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected.Set(0)
	c.closed.Inc()
	c.mu.Unlock()

	if graceful {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGraceDelay))
	}
	conn.Close()
}

// teardownConn runs when the loop context ends; it unblocks a pending read.
func (c *Client) teardownConn() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	c.releaseConn(conn, true)
}

func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	defer close(c.loopDone)
	defer close(c.out)

	for {
		err := c.read(conn)
		c.releaseConn(conn, false)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("telemetry stream dropped", "err", err)

		conn = c.redial(ctx)
		if conn == nil {
			return
		}
	}
}

// redial reconnects with backoff. It returns nil when the context ends or the
// attempt budget is spent.
func (c *Client) redial(ctx context.Context) *websocket.Conn {
	for attempt := 0; ; attempt++ {
		if c.backoff.Exhausted(attempt) {
			c.logger.Error("telemetry stream reconnect attempts exhausted", "attempts", attempt)
			return nil
		}
		if err := fn.Sleep(ctx, c.backoff.Delay(attempt)); err != nil {
			return nil
		}
		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("telemetry reconnect failed", "attempt", attempt+1, "err", err)
			continue
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			conn.Close()
			return nil
		}
		c.setConn(conn)
		c.mu.Unlock()

		c.reconnect.Inc()
		c.logger.Info("telemetry stream reconnected", "attempt", attempt+1)
		return conn
	}
}

// read consumes frames until the connection fails.
func (c *Client) read(conn *websocket.Conn) error {
	for {
		if c.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		sample, err := domain.DecodeTelemetry(data)
		if err != nil {
			c.malformed.Inc()
			c.logger.Warn("dropping malformed telemetry frame", "err", err, "bytes", len(data))
			continue
		}
		c.frames.Inc()
		c.publish(sample)
	}
}

// publish records sample as the latest, runs the frame hook and hands it to
// the consumer, replacing an unread stale sample if necessary.
func (c *Client) publish(s domain.TelemetrySample) {
	c.latest.Store(&s)
	if hook := c.onFrame.Load(); hook != nil && *hook != nil {
		(*hook)(s)
	}
	for {
		select {
		case c.out <- s:
			return
		default:
		}
		select {
		case <-c.out:
			c.dropped.Inc()
		default:
		}
	}
}
