// Package conn keeps one duplex websocket open to a push server and reconnects
// only when its owner asks it to.
package conn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/DoyleJ11/battle-client/pkg/types"
)

var ErrNotConnected = errors.New("connection not open")
var ErrSendQueueFull = errors.New("send queue full")
var ErrClosed = errors.New("connection manager closed")

// Close codes the battle server uses to refuse a socket. Retrying them cannot
// succeed.
const (
	StatusUnauthenticated websocket.StatusCode = 4001
	StatusNotParticipant  websocket.StatusCode = 4003
	StatusBattleNotFound  websocket.StatusCode = 4004
)

// Handler receives connection events. Calls come from the manager's
// goroutines; implementations hand them off rather than block.
type Handler interface {
	HandleOpen()
	HandleFrame(data []byte)
	HandleClose(err error)
}

type Options struct {
	Backoff      Backoff
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration // zero disables keepalive pings
	KeepAlive    []byte        // optional text frame written after each ping
	ReadLimit    int64
	QueueSize    int
	Logger       *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Backoff == nil {
		o.Backoff = Fixed{Delay: 3 * time.Second}
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 3 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 16
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type Manager struct {
	url  string
	h    Handler
	opts Options
	log  *zap.Logger

	mu         sync.Mutex
	ws         *websocket.Conn
	out        chan []byte
	dialing    bool
	attempt    int
	reconnect  *time.Timer
	suppressed bool
	closed     bool

	connected atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewManager(url string, h Handler, opts Options) *Manager {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		url:    url,
		h:      h,
		opts:   opts,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start dials in the background. The outcome arrives through the Handler.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.dialing || m.ws != nil {
		return
	}
	m.dialing = true
	go m.run()
}

func (m *Manager) Connected() bool { return m.connected.Load() }

// ScheduleReconnect arms one reconnect after the backoff delay. It is a no-op
// while a socket is open or pending, after Suppress, and after Close.
func (m *Manager) ScheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.suppressed || m.dialing || m.ws != nil || m.reconnect != nil {
		return
	}

	delay := m.opts.Backoff.Next(m.attempt)
	m.attempt++
	m.log.Info("reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempt", m.attempt))

	m.reconnect = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.reconnect = nil
		if m.closed || m.suppressed || m.dialing || m.ws != nil {
			return
		}
		m.dialing = true
		go m.run()
	})
}

// Suppress cancels a pending reconnect and refuses future ones. The open
// socket, if any, stays up.
func (m *Manager) Suppress() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppressed = true
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

// Send queues one action for the writer. Actions are dropped, not retried,
// when no socket is open.
func (m *Manager) Send(a types.Action) error {
	data, err := types.Encode(a)
	if err != nil {
		return err
	}

	m.mu.Lock()
	out, closed := m.out, m.closed
	m.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if out == nil {
		return ErrNotConnected
	}
	select {
	case out <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close tears the manager down: no reconnect is pending afterwards and the
// Handler sees no HandleClose for this shutdown.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	c := m.ws
	m.ws, m.out = nil, nil
	m.mu.Unlock()

	m.connected.Store(false)
	var err error
	if c != nil {
		err = c.Close(websocket.StatusNormalClosure, "bye")
	}
	m.cancel()
	return err
}

func (m *Manager) run() {
	dialCtx, cancel := context.WithTimeout(m.ctx, m.opts.DialTimeout)
	c, _, err := websocket.Dial(dialCtx, m.url, nil)
	cancel()
	if err != nil {
		m.lost(nil, err)
		return
	}
	c.SetReadLimit(m.opts.ReadLimit)

	out := make(chan []byte, m.opts.QueueSize)
	m.mu.Lock()
	m.dialing = false
	if m.closed {
		m.mu.Unlock()
		c.CloseNow()
		return
	}
	m.ws, m.out = c, out
	m.attempt = 0
	m.mu.Unlock()

	m.connected.Store(true)
	m.log.Info("socket open")
	m.h.HandleOpen()

	connCtx, connCancel := context.WithCancel(m.ctx)
	go m.writeLoop(connCtx, c, out)
	err = m.readLoop(connCtx, c)
	connCancel()
	m.lost(c, err)
}

func (m *Manager) readLoop(ctx context.Context, c *websocket.Conn) error {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		m.h.HandleFrame(data)
	}
}

func (m *Manager) writeLoop(ctx context.Context, c *websocket.Conn, out <-chan []byte) {
	var pings <-chan time.Time
	if m.opts.PingInterval > 0 {
		ticker := time.NewTicker(m.opts.PingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-out:
			wctx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
			err := c.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				m.log.Warn("write failed, dropping socket", zap.Error(err))
				c.CloseNow()
				return
			}

		case <-pings:
			pctx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
			err := c.Ping(pctx)
			cancel()
			if err != nil {
				m.log.Warn("ping failed, dropping socket", zap.Error(err))
				c.CloseNow()
				return
			}
			if len(m.opts.KeepAlive) == 0 {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
			err = c.Write(wctx, websocket.MessageText, m.opts.KeepAlive)
			cancel()
			if err != nil {
				m.log.Warn("keepalive failed, dropping socket", zap.Error(err))
				c.CloseNow()
				return
			}
		}
	}
}

// lost reports a dropped or failed socket to the handler unless the manager
// was closed on purpose.
func (m *Manager) lost(c *websocket.Conn, err error) {
	m.mu.Lock()
	m.dialing = false
	if m.closed || (c != nil && m.ws != c) {
		m.mu.Unlock()
		return
	}
	m.ws, m.out = nil, nil
	switch websocket.CloseStatus(err) {
	case StatusUnauthenticated, StatusNotParticipant, StatusBattleNotFound:
		m.suppressed = true
	}
	m.mu.Unlock()

	m.connected.Store(false)
	m.log.Info("socket closed", zap.Error(err), zap.Int("status", int(websocket.CloseStatus(err))))
	m.h.HandleClose(err)
}
