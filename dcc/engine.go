package dcc

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds the engine's network and timing policy.
type Config struct {
	// ListenHost is the interface address new listeners bind to.
	ListenHost string
	// PortRange, if non-zero, bounds the ports probed for new listeners.
	// Zero value means let the OS pick an ephemeral port.
	PortRange [2]int

	PairingTimeout time.Duration
	IdleCeiling    time.Duration
}

// DefaultConfig returns the timings spec.md §5 specifies.
func DefaultConfig() Config {
	return Config{
		PairingTimeout: pairingTimeout,
		IdleCeiling:    idleCeiling,
	}
}

// Engine is the DCC relay orchestrator. All mutation of its pipe map
// happens on a single goroutine (run), reached only through submitted
// tasks, per spec.md §4.5's concurrency discipline — callers never touch
// the pipe map directly.
type Engine struct {
	cfg Config
	log *logrus.Entry
	now func() time.Time

	tasks chan func()

	pipes map[Token]*pipe

	listenersMu sync.RWMutex
	listeners   []Listener

	wg sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
	runDone   chan struct{}
}

// NewEngine constructs an Engine and starts its orchestration goroutine.
func NewEngine(cfg Config, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.PairingTimeout == 0 {
		cfg.PairingTimeout = pairingTimeout
	}
	if cfg.IdleCeiling == 0 {
		cfg.IdleCeiling = idleCeiling
	}
	e := &Engine{
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		tasks:   make(chan func()),
		pipes:   make(map[Token]*pipe),
		closed:  make(chan struct{}),
		runDone: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Engine) run() {
	defer close(e.runDone)
	for task := range e.tasks {
		task()
	}
}

// submit runs fn on the engine goroutine and blocks until it completes.
// It returns false if the engine is already closed.
func (e *Engine) submit(fn func()) bool {
	select {
	case <-e.closed:
		return false
	default:
	}
	done := make(chan struct{})
	select {
	case e.tasks <- func() { fn(); close(done) }:
		<-done
		return true
	case <-e.closed:
		return false
	}
}

// OnEvent registers a listener. Uses copy-on-write, matching the
// connection handler-list discipline elsewhere in this module.
func (e *Engine) OnEvent(l Listener) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	next := make([]Listener, len(e.listeners)+1)
	copy(next, e.listeners)
	next[len(next)-1] = l
	e.listeners = next
}

func (e *Engine) emit(ev Event) {
	e.listenersMu.RLock()
	ls := e.listeners
	e.listenersMu.RUnlock()
	for _, l := range ls {
		l(ev)
	}
}

// openSentinel is returned by OpenForReceiver/OpenForSender when the
// requested side is already open for this token.
const openSentinel = -1

// OpenForReceiver opens the receiver-side listener for token, creating
// the pipe if this is the first open call for it. Returns the bound port,
// or openSentinel if the receiver side was already open.
func (e *Engine) OpenForReceiver(token Token) (int, error) {
	return e.open(token, true)
}

// OpenForSender is the sender-side counterpart to OpenForReceiver.
func (e *Engine) OpenForSender(token Token) (int, error) {
	return e.open(token, false)
}

func (e *Engine) open(token Token, receiver bool) (int, error) {
	var port int
	var err error
	ok := e.submit(func() {
		p, exists := e.pipes[token]
		if !exists {
			initial := StateSenderListening
			if receiver {
				initial = StateReceiverListening
			}
			p = newPipe(token, initial)
			e.pipes[token] = p
		}

		if receiver && p.receiverLn != nil {
			port = openSentinel
			return
		}
		if !receiver && p.senderLn != nil {
			port = openSentinel
			return
		}

		ln, lnErr := e.listen()
		if lnErr != nil {
			err = lnErr
			e.finalizeLocked(p)
			return
		}

		if receiver {
			p.receiverLn = ln
			p.state = StateReceiverListening
		} else {
			p.senderLn = ln
			p.state = StateSenderListening
		}

		port = ln.Addr().(*net.TCPAddr).Port
		e.armFinalizer(p)
		e.arm3MinuteBarrier(p)
		e.startAccept(p, ln, receiver)

		if receiver {
			e.emit(Event{Kind: ReceiverOpened, Token: token, Port: port})
		} else {
			e.emit(Event{Kind: SenderOpened, Token: token, Port: port})
		}
	})
	if !ok {
		return 0, fmt.Errorf("dcc: engine closed")
	}
	return port, err
}

func (e *Engine) listen() (net.Listener, error) {
	host := e.cfg.ListenHost
	if e.cfg.PortRange == [2]int{} {
		return net.Listen("tcp", net.JoinHostPort(host, "0"))
	}
	var lastErr error
	for p := e.cfg.PortRange[0]; p <= e.cfg.PortRange[1]; p++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(p)))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("dcc: no free port in range: %w", lastErr)
}

// armFinalizer (re)starts the 10-minute idle-ceiling finalizer timer.
func (e *Engine) armFinalizer(p *pipe) {
	if p.finalizeTimer != nil {
		p.finalizeTimer.Stop()
	}
	p.finalizeTimer = time.AfterFunc(e.cfg.IdleCeiling, func() {
		e.submit(func() { e.finalizeLocked(p) })
	})
}

// startAccept runs the accept loop for one side's listener on its own
// goroutine, marshalling observable effects back onto the engine
// goroutine via submit, per spec's "acceptor callbacks run on
// acceptor-owned worker threads but marshal back via submission".
func (e *Engine) startAccept(p *pipe, ln net.Listener, receiver bool) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted := conn
			e.submit(func() {
				e.onAccepted(p, accepted, receiver)
			})
		}
	}()
}

func (e *Engine) onAccepted(p *pipe, conn net.Conn, receiver bool) {
	if p.state == StateFinalized {
		conn.Close()
		return
	}
	if receiver {
		if p.receiverConn != nil {
			conn.Close()
			return
		}
		p.receiverConn = conn
		p.receiverLn.Close()
	} else {
		if p.senderConn != nil {
			conn.Close()
			return
		}
		p.senderConn = conn
		p.senderLn.Close()
	}

	if receiver {
		p.state = StateReceiverConnected
		e.emit(Event{Kind: ReceiverConnected, Token: p.token})
	} else {
		p.state = StateSenderConnected
		e.emit(Event{Kind: SenderConnected, Token: p.token})
	}

	if p.receiverConn != nil && p.senderConn != nil {
		e.pair(p)
	}
}

// pair transitions the pipe to PAIRED and launches the two byte pumps.
// Called on the engine goroutine once both sockets have arrived.
func (e *Engine) pair(p *pipe) {
	if p.pairDeadline != nil {
		p.pairDeadline.Stop()
		p.pairDeadline = nil
	}
	p.state = StatePaired
	p.shutdownCount = 2

	e.wg.Add(2)
	go e.pump(p, p.senderConn, p.receiverConn, senderBufSize)
	go e.pump(p, p.receiverConn, p.senderConn, receiverBufSize)
}

// pump copies from src to dst until EOF, then half-closes both ends and
// decrements the shutdown counter. Pumps never touch engine state
// directly except through submit, per the concurrency discipline.
func (e *Engine) pump(p *pipe, src, dst net.Conn, bufSize int) {
	defer e.wg.Done()
	buf := make([]byte, bufSize)
	if _, err := io.CopyBuffer(dst, src, buf); err != nil {
		e.log.WithField("token", p.token).WithError(err).Debug("dcc: pump ended with error")
	}

	type halfCloser interface {
		CloseWrite() error
	}
	type halfReadCloser interface {
		CloseRead() error
	}
	if hc, ok := dst.(halfCloser); ok {
		hc.CloseWrite()
	}
	if hc, ok := src.(halfReadCloser); ok {
		hc.CloseRead()
	}

	e.submit(func() {
		p.shutdownCount--
		if p.shutdownCount <= 0 {
			e.finalizeLocked(p)
		}
	})
}

// arm3MinuteBarrier starts the pairing-timeout timer; called on every open
// of either side, only the first call arms the timer.
func (e *Engine) arm3MinuteBarrier(p *pipe) {
	if p.pairDeadline != nil {
		return
	}
	p.pairDeadline = time.AfterFunc(e.cfg.PairingTimeout, func() {
		e.submit(func() {
			if p.state != StatePaired && p.state != StateFinalized {
				e.finalizeLocked(p)
			}
		})
	})
}

// Cancel schedules finalization of token's pipe. Safe to call multiple
// times or concurrently with other finalization paths; TransferClosed is
// still emitted exactly once (spec.md invariant 6).
func (e *Engine) Cancel(token Token) {
	e.submit(func() {
		if p, ok := e.pipes[token]; ok {
			e.finalizeLocked(p)
		}
	})
}

// finalizeLocked runs on the engine goroutine. It is idempotent per pipe
// via finalizeOnce, guaranteeing TransferClosed fires exactly once
// regardless of which path (cancel, timeout, pump EOF, RST, engine close)
// triggered it.
func (e *Engine) finalizeLocked(p *pipe) {
	p.finalizeOnce.Do(func() {
		if p.finalizeTimer != nil {
			p.finalizeTimer.Stop()
		}
		if p.pairDeadline != nil {
			p.pairDeadline.Stop()
		}
		p.state = StateFinalized
		p.closeSockets()
		delete(e.pipes, p.token)
		close(p.finalized)
		e.emit(Event{Kind: TransferClosed, Token: p.token})
	})
}

// Close finalizes all outstanding tokens (bounded by a 5-second deadline),
// stops the executor goroutine, and causes future Open calls to fail.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		done := make(chan struct{})
		e.tasks <- func() {
			for _, p := range e.pipes {
				e.finalizeLocked(p)
			}
			close(done)
		}
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			e.log.Warn("dcc: engine close timed out waiting for outstanding finalizations")
		}
		close(e.tasks)
		e.wg.Wait()
		<-e.runDone
	})
}
