// Package dcc implements the server-mediated relay used when two DCC
// endpoints cannot connect to each other directly: each side connects to
// the relay using a shared token, and the engine pumps bytes between them
// verbatim without interpreting payload.
package dcc

import (
	"net"
	"sync"
	"time"
)

// PipeState is a per-token lifecycle state (spec.md §4.5).
type PipeState int

const (
	StateReceiverListening PipeState = iota
	StateSenderListening
	StateReceiverConnected
	StateSenderConnected
	StatePaired
	StateFinalized
)

func (s PipeState) String() string {
	switch s {
	case StateReceiverListening:
		return "RECEIVER_LISTENING"
	case StateSenderListening:
		return "SENDER_LISTENING"
	case StateReceiverConnected:
		return "RECEIVER_CONNECTED"
	case StateSenderConnected:
		return "SENDER_CONNECTED"
	case StatePaired:
		return "PAIRED"
	case StateFinalized:
		return "FINALIZED"
	default:
		return "UNKNOWN"
	}
}

const (
	senderBufSize   = 32 * 1024
	receiverBufSize = 1024

	pairingTimeout = 3 * time.Minute
	idleCeiling    = 10 * time.Minute
)

// pipe is the per-token record: at most one sender listener/socket and one
// receiver listener/socket, a pairing barrier, and a finalizer timer.
// All mutation of a pipe happens on the engine's single goroutine; pipe
// itself holds no lock of its own.
type pipe struct {
	token Token

	receiverLn   net.Listener
	senderLn     net.Listener
	receiverConn net.Conn
	senderConn   net.Conn

	state PipeState

	finalizeTimer *time.Timer
	pairDeadline  *time.Timer

	finalizeOnce sync.Once
	finalized    chan struct{}

	shutdownCount int32
}

func newPipe(token Token, initial PipeState) *pipe {
	return &pipe{
		token:     token,
		state:     initial,
		finalized: make(chan struct{}),
	}
}

func (p *pipe) closeSockets() {
	if p.receiverLn != nil {
		p.receiverLn.Close()
	}
	if p.senderLn != nil {
		p.senderLn.Close()
	}
	if p.receiverConn != nil {
		p.receiverConn.Close()
	}
	if p.senderConn != nil {
		p.senderConn.Close()
	}
}
