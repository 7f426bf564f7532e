package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// egressCapacity is the bound on pending outgoing lines per Connection.
const egressCapacity = 200

// drainTimeout is how long Close waits for the writer to flush its queue
// before forcing the underlying socket closed.
const drainTimeout = 5 * time.Second

// State is a Connection's lifecycle state.
type State int32

const (
	StateNew State = iota
	StateInitializing
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// LineHandler is called for each line delivered from a Connection's ingress.
// A LineHandler that returns an error is contractually misbehaving (the
// contract is "cannot fail under normal operation"); on error the
// connection is closed and subsequent handlers are skipped for that line.
type LineHandler func(c *Connection, line []byte) error

// DisconnectHandler is called once the connection has fully closed. All
// registered disconnect handlers run, even if one panics or an earlier one
// took a while; they do not short-circuit each other.
type DisconnectHandler func(c *Connection)

var wakeupToken = []byte{0}

// Connection is a full-duplex, line-oriented transport over one stream,
// with a bounded egress queue and deferred, drained shutdown.
//
// A Connection owns two long-lived goroutines (ingress, egress) plus a
// short-lived finalizer goroutine started by Close. start must be called
// exactly once.
type Connection struct {
	ID   string
	conn net.Conn
	log  *logrus.Entry

	readTimeout time.Duration

	state atomic.Int32

	egress chan []byte

	handlersMu   sync.RWMutex
	lineHandlers []LineHandler
	discHandlers []DisconnectHandler

	closeOnce sync.Once
	closedC   chan struct{}

	startOnce sync.Once
	started   bool
}

// New creates a Connection over conn. readTimeout bounds how long a single
// Read may block before the connection is treated as idle and closed; the
// caller's idle/ping policy (e.g. the server Dispatcher) decides whether
// that should happen, so a zero readTimeout disables the deadline.
func New(conn net.Conn, readTimeout time.Duration, log *logrus.Entry) *Connection {
	id := uuid.NewString()
	c := &Connection{
		ID:          id,
		conn:        conn,
		readTimeout: readTimeout,
		egress:      make(chan []byte, egressCapacity),
		closedC:     make(chan struct{}),
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c.log = log.WithField("conn_id", id)
	c.state.Store(int32(StateNew))
	return c
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// OnLine registers h to be called, in registration order, for each ingress
// line. The handler list is copy-on-write so concurrent registration never
// races with delivery.
func (c *Connection) OnLine(h LineHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	next := make([]LineHandler, len(c.lineHandlers)+1)
	copy(next, c.lineHandlers)
	next[len(next)-1] = h
	c.lineHandlers = next
}

// OnDisconnect registers h to run once the connection reaches StateClosed.
func (c *Connection) OnDisconnect(h DisconnectHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	next := make([]DisconnectHandler, len(c.discHandlers)+1)
	copy(next, c.discHandlers)
	next[len(next)-1] = h
	c.discHandlers = next
}

// Start begins the ingress and egress goroutines. Start must be called
// exactly once; a second call returns an error.
func (c *Connection) Start() error {
	var err error
	ran := false
	c.startOnce.Do(func() {
		ran = true
		if !c.state.CompareAndSwap(int32(StateNew), int32(StateInitializing)) {
			err = errors.New("transport: connection already started")
			return
		}
		c.started = true
		c.state.Store(int32(StateActive))
		go c.readLoop()
		go c.writeLoop()
	})
	if !ran && err == nil {
		err = errors.New("transport: connection already started")
	}
	return err
}

// Offer enqueues line for transmission. Offer never blocks: it returns true
// if the line was enqueued while the connection is StateActive, and false
// otherwise (before Start, during/after shutdown, or if the queue is full).
func (c *Connection) Offer(line []byte) bool {
	if c.State() != StateActive {
		return false
	}
	select {
	case c.egress <- line:
		return true
	default:
		return false
	}
}

// Closed returns a channel that is closed once the connection reaches
// StateClosed.
func (c *Connection) Closed() <-chan struct{} {
	return c.closedC
}

// Close transitions the connection to StateClosing and starts an
// asynchronous finalizer. Close may be called any number of times;
// disconnect handlers run exactly once regardless.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		select {
		case c.egress <- wakeupToken:
		default:
		}
		go c.finalize()
	})
}

// CloseDeferred is the non-blocking variant of Close: it returns immediately
// with a channel that closes once the connection reaches StateClosed.
func (c *Connection) CloseDeferred() <-chan struct{} {
	c.Close()
	return c.closedC
}

func (c *Connection) finalize() {
	select {
	case <-c.drained():
	case <-time.After(drainTimeout):
		c.log.Warn("transport: drain timeout, forcing close")
	}
	_ = c.conn.Close()
	c.handlersMu.RLock()
	discs := c.discHandlers
	c.handlersMu.RUnlock()
	for _, h := range discs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Errorf("transport: disconnect handler panic: %v", r)
				}
			}()
			h(c)
		}()
	}
	c.state.Store(int32(StateClosed))
	close(c.closedC)
}

// drained signals once the egress queue has been fully flushed by the
// writer loop (best-effort; used only to bound the drain wait).
func (c *Connection) drained() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for len(c.egress) > 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}()
	return done
}

func (c *Connection) readLoop() {
	lr := NewLineReader(c.conn)
	for {
		if c.readTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		line, err := lr.ReadLine()
		if err != nil {
			if c.State() != StateClosing && c.State() != StateClosed {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					c.log.Debug("transport: read timeout")
				} else if !errors.Is(err, io.EOF) {
					c.log.WithError(err).Debug("transport: read error")
				}
			}
			c.Close()
			return
		}
		if len(line) == 0 {
			continue
		}
		c.handlersMu.RLock()
		handlers := c.lineHandlers
		c.handlersMu.RUnlock()
		if !c.dispatch(handlers, line) {
			c.Close()
			return
		}
	}
}

// dispatch runs handlers in order, stopping (and reporting failure) at the
// first handler that returns an error. Per the handler contract, a failing
// handler means the remaining handlers are skipped for this line and the
// connection is closed by the caller.
func (c *Connection) dispatch(handlers []LineHandler, line []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("transport: line handler panic: %v", r)
			ok = false
		}
	}()
	for _, h := range handlers {
		if err := h(c, line); err != nil {
			c.log.WithError(err).Debug("transport: line handler failed")
			return false
		}
	}
	return true
}

func (c *Connection) writeLoop() {
	lw := NewLineWriter(c.conn)
	for {
		select {
		case line := <-c.egress:
			if len(line) == 1 && line[0] == wakeupToken[0] {
				if c.State() == StateClosing || c.State() == StateClosed {
					return
				}
				continue
			}
			if err := lw.WriteLine(string(line)); err != nil {
				if c.State() != StateClosing && c.State() != StateClosed {
					c.log.WithError(err).Debug("transport: write error")
				}
				c.Close()
				return
			}
		case <-time.After(250 * time.Millisecond):
			if c.State() == StateClosing || c.State() == StateClosed {
				return
			}
		}
	}
}

// RemoteAddr returns the connection's remote network address, or nil if
// unavailable.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
