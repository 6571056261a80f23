package device

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	v1 "github.com/aevon-lab/trafficwatch/internal/api/v1"
	"github.com/aevon-lab/trafficwatch/internal/config"
	"github.com/aevon-lab/trafficwatch/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	closeWriteDeadline = time.Second
	backoffJitter      = 0.2
)

// Sink receives decoded records. Route must not block for long; it runs on
// the connection's read goroutine.
type Sink interface {
	Route(rec v1.Record) error
}

// ConnStats is the per-connection health snapshot.
type ConnStats struct {
	DeviceID    string    `json:"device_id"`
	Endpoint    string    `json:"endpoint"`
	Session     string    `json:"session,omitempty"`
	Connected   bool      `json:"connected"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	Success     int64     `json:"success"`
	ParseFailed int64     `json:"parse_failed"`
	RouteFailed int64     `json:"route_failed"`
	Reconnects  int64     `json:"reconnects"`
	LastError   string    `json:"last_error,omitempty"`
}

// Conn is one reconnecting websocket feed from a device.
type Conn struct {
	device  config.Device
	url     string
	dialer  *websocket.Dialer
	decoder *Decoder
	sink    Sink
	opts    options

	connected   atomic.Bool
	success     atomic.Int64
	parseFailed atomic.Int64
	routeFailed atomic.Int64
	reconnects  atomic.Int64

	mu          sync.Mutex
	session     string
	connectedAt time.Time
	lastErr     string
}

func newConn(d config.Device, dec *Decoder, sink Sink, o options) *Conn {
	u := url.URL{Scheme: "ws", Host: d.Endpoint(), Path: o.path}
	return &Conn{
		device:  d,
		url:     u.String(),
		dialer:  &websocket.Dialer{HandshakeTimeout: o.handshakeTimeout},
		decoder: dec,
		sink:    sink,
		opts:    o,
	}
}

// Run dials and reads until ctx is cancelled, reconnecting with exponential
// backoff. The backoff resets after every established session.
func (c *Conn) Run(ctx context.Context) {
	bo := c.newBackOff()
	for {
		established, err := c.serve(ctx)
		if ctx.Err() != nil {
			return
		}
		if established {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		c.reconnects.Add(1)
		metrics.DeviceReconnects.WithLabelValues(c.device.ID).Inc()
		c.setError(err)
		c.opts.logger.Warn("[Device] Feed lost, reconnecting",
			"device", c.device.ID,
			"url", c.url,
			"backoff", wait,
			"error", err,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// newBackOff doubles from minBackoff up to maxBackoff with light jitter and
// never gives up.
func (c *Conn) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.minBackoff
	bo.MaxInterval = c.opts.maxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = backoffJitter
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// serve runs one session. established reports whether the dial succeeded.
func (c *Conn) serve(ctx context.Context) (established bool, err error) {
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer ws.Close()

	session := uuid.NewString()
	c.mu.Lock()
	c.session = session
	c.connectedAt = time.Now()
	c.mu.Unlock()
	c.connected.Store(true)
	gauge := metrics.DeviceConnected.WithLabelValues(c.device.ID, c.device.Endpoint())
	gauge.Set(1)
	defer func() {
		c.connected.Store(false)
		gauge.Set(0)
	}()

	c.opts.logger.Info("[Device] Feed connected",
		"device", c.device.ID,
		"url", c.url,
		"session", session,
	)

	// Unblock ReadMessage when ctx ends.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeWriteDeadline))
			ws.Close()
		case <-stop:
		}
	}()

	for {
		if c.opts.readTimeout > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(c.opts.readTimeout))
		}
		mt, msg, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("read %s: %w", c.url, err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		c.handle(msg)
	}
}

func (c *Conn) handle(msg []byte) {
	rec, err := c.decoder.Decode(c.device.ID, msg)
	if err != nil {
		c.parseFailed.Add(1)
		metrics.DeviceMessages.WithLabelValues(c.device.ID, "parse_failed").Inc()
		metrics.DeviceDecodeErrors.WithLabelValues(DecodeReason(err)).Inc()
		c.opts.logger.Warn("[Device] Dropped undecodable message",
			"device", c.device.ID,
			"bytes", len(msg),
			"error", err,
		)
		return
	}
	if err := c.sink.Route(rec); err != nil {
		c.routeFailed.Add(1)
		metrics.DeviceMessages.WithLabelValues(c.device.ID, "route_failed").Inc()
		c.opts.logger.Warn("[Device] Record not routed",
			"device", c.device.ID,
			"kind", rec.Kind(),
			"entity", rec.EntityKey(),
			"error", err,
		)
		return
	}
	c.success.Add(1)
	metrics.DeviceMessages.WithLabelValues(c.device.ID, metrics.ResultSuccess).Inc()
}

func (c *Conn) setError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
}

// Stats returns a snapshot of the connection counters.
func (c *Conn) Stats() ConnStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnStats{
		DeviceID:    c.device.ID,
		Endpoint:    c.device.Endpoint(),
		Session:     c.session,
		Connected:   c.connected.Load(),
		ConnectedAt: c.connectedAt,
		Success:     c.success.Load(),
		ParseFailed: c.parseFailed.Load(),
		RouteFailed: c.routeFailed.Load(),
		Reconnects:  c.reconnects.Load(),
		LastError:   c.lastErr,
	}
}

// DecodeReason labels a decode error for metrics and HTTP responses.
func DecodeReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, ErrUnknownChannel):
		return "unknown_channel"
	case errors.Is(err, ErrKindNotAllowed):
		return "kind_not_allowed"
	default:
		return "invalid"
	}
}
