package transport

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnHandler is called synchronously from the accept loop for each new
// connection. Implementations must not block: the contract is that a
// handler hands the connection off to a worker (e.g. starting a
// *Connection) rather than servicing it inline.
type ConnHandler func(net.Conn)

type acceptorState int32

const (
	acceptorIdle acceptorState = iota
	acceptorRunning
	acceptorClosed
)

// Acceptor binds one listening endpoint, optionally probing a port range for
// the first available port, and dispatches accepted connections to a
// handler with exponential backoff on accept errors.
type Acceptor struct {
	Address string
	// PortRange, if non-zero, causes Listen to probe ports
	// [PortRange[0], PortRange[1]] in order and bind the first that
	// succeeds, instead of binding a single fixed port.
	PortRange [2]int

	log *logrus.Entry

	ln    net.Listener
	state atomic.Int32
}

// NewAcceptor constructs an Acceptor for host. Nothing is bound yet: Listen
// binds a fixed port, the first open port in PortRange, or an OS-chosen port.
func NewAcceptor(host string, log *logrus.Entry) *Acceptor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Acceptor{Address: host, log: log}
}

// Listen binds the listening socket (trying a fixed port, or the first open
// port in PortRange) and returns the bound port.
func (a *Acceptor) Listen(port int) (int, error) {
	if port != 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", a.Address, port))
		if err != nil {
			return 0, err
		}
		a.ln = ln
		return listenerPort(ln), nil
	}

	if a.PortRange[0] == 0 && a.PortRange[1] == 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:0", a.Address))
		if err != nil {
			return 0, err
		}
		a.ln = ln
		return listenerPort(ln), nil
	}

	var lastErr error
	for p := a.PortRange[0]; p <= a.PortRange[1]; p++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", a.Address, p))
		if err != nil {
			lastErr = err
			continue
		}
		a.ln = ln
		return listenerPort(ln), nil
	}
	return 0, fmt.Errorf("transport: no available port in range %d-%d: %w", a.PortRange[0], a.PortRange[1], lastErr)
}

func listenerPort(ln net.Listener) int {
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

// Serve starts the accept loop, calling h for each accepted connection. It
// returns immediately; the loop runs in its own goroutine until Close is
// called.
func (a *Acceptor) Serve(h ConnHandler) {
	a.state.Store(int32(acceptorRunning))
	go a.acceptLoop(h)
}

func (a *Acceptor) acceptLoop(h ConnHandler) {
	var failures int
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			if acceptorState(a.state.Load()) != acceptorRunning {
				return
			}
			failures++
			d := backoff(failures)
			a.log.WithError(err).Debugf("transport: accept error, backing off %s", d)
			time.Sleep(d)
			continue
		}
		failures = 0
		h(conn)
	}
}

// backoff implements the spec's capped exponential schedule:
// min(1600, 50*2^min(failures-2,5)) ms, with no delay on the first failure.
func backoff(failures int) time.Duration {
	if failures <= 1 {
		return 0
	}
	exp := failures - 2
	if exp > 5 {
		exp = 5
	}
	if exp < 0 {
		exp = 0
	}
	ms := 50 * (1 << uint(exp))
	if ms > 1600 {
		ms = 1600
	}
	return time.Duration(ms) * time.Millisecond
}

// Close marks the acceptor closed and closes the listening socket, breaking
// the accept loop out of Accept.
func (a *Acceptor) Close() error {
	a.state.Store(int32(acceptorClosed))
	if a.ln == nil {
		return nil
	}
	if err := a.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Port returns the bound port, or 0 if not listening.
func (a *Acceptor) Port() int {
	if a.ln == nil {
		return 0
	}
	return listenerPort(a.ln)
}
