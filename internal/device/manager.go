package device

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aevon-lab/trafficwatch/internal/config"
)

var (
	ErrAlreadyStarted = errors.New("device manager already started")
	ErrNotStarted     = errors.New("device manager not started")
)

type options struct {
	path             string
	minBackoff       time.Duration
	maxBackoff       time.Duration
	handshakeTimeout time.Duration
	readTimeout      time.Duration
	loc              *time.Location
	logger           *slog.Logger
}

// Option configures a Manager.
type Option func(*options)

// WithPath sets the websocket path dialed on every device. Default "/ws".
func WithPath(p string) Option { return func(o *options) { o.path = p } }

// WithBackoff sets the reconnect backoff bounds.
func WithBackoff(min, max time.Duration) Option {
	return func(o *options) {
		o.minBackoff = min
		o.maxBackoff = max
	}
}

// WithHandshakeTimeout bounds the websocket handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithReadTimeout drops a session that stays silent for d. Zero disables it.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) { o.readTimeout = d }
}

// WithLocation sets the zone record times are parsed in.
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.loc = loc }
}

// WithLogger overrides slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

type managed struct {
	conn   *Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns one Conn per device endpoint.
type Manager struct {
	sink    Sink
	catalog *Catalog
	decoder *Decoder
	opts    options

	mu      sync.Mutex
	ctx     context.Context
	started bool
	conns   map[string]*managed
}

// NewManager creates a manager that routes decoded records to sink and
// resolves channels through catalog.
func NewManager(sink Sink, catalog *Catalog, opts ...Option) *Manager {
	o := options{
		path:             "/ws",
		minBackoff:       time.Second,
		maxBackoff:       30 * time.Second,
		handshakeTimeout: 5 * time.Second,
		loc:              time.Local,
		logger:           slog.Default(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return &Manager{
		sink:    sink,
		catalog: catalog,
		decoder: NewDecoder(catalog, o.loc),
		opts:    o,
		conns:   make(map[string]*managed),
	}
}

// Decoder returns the decoder shared by all connections. The HTTP push
// endpoint decodes through it too.
func (m *Manager) Decoder() *Decoder { return m.decoder }

// Start connects to every device. Connections run until ctx is cancelled or
// Stop is called.
func (m *Manager) Start(ctx context.Context, devices []config.Device) error {
	if err := config.ValidateDevices(devices); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true
	m.ctx = ctx
	m.catalog.Swap(devices)
	for _, d := range devices {
		m.startLocked(d)
	}
	m.opts.logger.Info("[Device] Manager started", "devices", len(devices))
	return nil
}

// Reset reconciles running connections with devices: removed endpoints are
// stopped, new ones started and matching ones left connected. The catalog is
// swapped between the two steps so a new device never sees its channels
// missing and a removed one never outlives its catalog entry.
func (m *Manager) Reset(devices []config.Device) error {
	if err := config.ValidateDevices(devices); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrNotStarted
	}

	want := make(map[string]config.Device, len(devices))
	for _, d := range devices {
		want[d.Endpoint()] = d
	}

	var stopped []*managed
	for ep, mc := range m.conns {
		d, ok := want[ep]
		if ok && d.ID == mc.conn.device.ID {
			continue
		}
		mc.cancel()
		stopped = append(stopped, mc)
		delete(m.conns, ep)
	}
	for _, mc := range stopped {
		<-mc.done
	}

	m.catalog.Swap(devices)

	added := 0
	for ep, d := range want {
		if _, ok := m.conns[ep]; ok {
			continue
		}
		m.startLocked(d)
		added++
	}

	m.opts.logger.Info("[Device] Device list reset",
		"devices", len(devices),
		"stopped", len(stopped),
		"started", added,
	)
	return nil
}

func (m *Manager) startLocked(d config.Device) {
	ctx, cancel := context.WithCancel(m.ctx)
	mc := &managed{
		conn:   newConn(d, m.decoder, m.sink, m.opts),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.conns[d.Endpoint()] = mc
	go func() {
		defer close(mc.done)
		mc.conn.Run(ctx)
	}()
}

// Stop closes every connection and waits for the read loops to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*managed)
	m.started = false
	m.mu.Unlock()

	for _, mc := range conns {
		mc.cancel()
	}
	for _, mc := range conns {
		<-mc.done
	}
	m.opts.logger.Info("[Device] Manager stopped", "connections", len(conns))
}

// Stats returns one snapshot per connection, sorted by endpoint.
func (m *Manager) Stats() []ConnStats {
	m.mu.Lock()
	out := make([]ConnStats, 0, len(m.conns))
	for _, mc := range m.conns {
		out = append(out, mc.conn.Stats())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}
