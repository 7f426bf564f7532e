// Package irctest provides a mock ircrelay server for testing irc.Client
// against this project's server without opening a real TCP socket.
package irctest

import (
	"bufio"
	"encoding"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/travisbritz/ircrelay/irc"
)

// NewServer creates a new mock irc server that implements io.ReadWriteCloser.
// Don't forget to close.
func NewServer() *Server {
	s := &Server{}
	s.sendReader, s.sendWriter = io.Pipe()
	s.recvReader, s.recvWriter = io.Pipe()

	s.recv = make(chan []byte, 1)

	// should exit when Close() is called
	go s.read()
	go s.write()
	return s
}

type Server struct {
	Handler irc.Handler

	rs   sync.Once
	recv chan []byte

	mu     sync.Mutex
	closed bool

	recvReader *io.PipeReader
	recvWriter *io.PipeWriter

	sendReader *io.PipeReader
	sendWriter *io.PipeWriter
}

// Read is how the client reads lines from the server
func (s *Server) Read(p []byte) (int, error) {
	return s.sendReader.Read(p)
}

// Write is how a client sends messages to the server. After Close it
// returns io.ErrClosedPipe.
func (s *Server) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.recv <- p
	return len(p), nil
}

func (s *Server) Close() error {
	_ = s.recvWriter.Close()
	_ = s.sendWriter.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.rs.Do(func() {
		close(s.recv)
	})
	return nil
}

// WriteString sends messages to the client.
func (s *Server) WriteString(str string) {
	if !strings.HasSuffix(str, "\r\n") {
		str = str + "\r\n"
	}
	if _, err := s.sendWriter.Write([]byte(str)); err != nil {
		log.Println("mock server write error:", err)
	}
}

// WriteMessage sends messages from the server to the client
func (s *Server) WriteMessage(m encoding.TextMarshaler) {
	b, err := m.MarshalText()
	if err != nil {
		log.Println("mock server marshal error:", err)
		return
	}
	if !strings.HasSuffix(string(b), "\r\n") {
		b = append(b, '\r', '\n')
	}
	if _, err := s.sendWriter.Write(b); err != nil {
		log.Println("mock server write error:", err)
	}
}

// WelcomeAs replies to a client's registration the way ircrelay's
// dispatcher does (server/dispatcher.go's tryRegister): a single
// RPL_WELCOME line reading "Welcome to the network <nick>", with no
// RPL_YOURHOST/RPL_CREATED/RPL_MYINFO that a full ircd would also send.
// Tests exercising a client against an ircrelay-shaped handshake, rather
// than a generic ircd's, should use this instead of hand-writing 001.
func (s *Server) WelcomeAs(nick string) {
	s.WriteMessage(irc.NewMessage(irc.RplWelcome, nick, "Welcome to the network "+nick))
}

func (s *Server) read() {
	scanner := bufio.NewScanner(s.recvReader)

	for scanner.Scan() {
		line := scanner.Bytes()
		m := new(irc.Message)
		m.IncludePrefix()
		if err := m.UnmarshalText(line); err != nil {
			log.Println("unmarshaling error:", err)
			continue
		}
		if s.Handler != nil {
			s.Handler.SpeakIRC(s, m)
		}
	}
}

func (s *Server) write() {
	for b := range s.recv {
		if _, err := s.recvWriter.Write(b); err != nil {
			log.Println("server mock write error:", err)
		}
	}
}
