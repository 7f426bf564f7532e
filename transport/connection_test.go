package transport_test

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/travisbritz/ircrelay/transport"
)

func pipePair(t *testing.T) (*transport.Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	c := transport.New(server, 0, nil)
	return c, client
}

func TestConnection_offerBeforeStart(t *testing.T) {
	c, client := pipePair(t)
	defer client.Close()

	if c.Offer([]byte("PING :1")) {
		t.Error("Offer should fail before Start")
	}
}

func TestConnection_deliversLinesInOrder(t *testing.T) {
	c, client := pipePair(t)
	defer client.Close()

	var got []string
	done := make(chan struct{})
	c.OnLine(func(c *transport.Connection, line []byte) error {
		got = append(got, string(line))
		if len(got) == 2 {
			close(done)
		}
		return nil
	})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close()

	go func() {
		_, _ = client.Write([]byte("NICK alice\r\nUSER alice 0 * :Alice\r\n"))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lines")
	}
	if len(got) != 2 || got[0] != "NICK alice" || got[1] != "USER alice 0 * :Alice" {
		t.Errorf("got %v", got)
	}
}

func TestConnection_offerAndEgress(t *testing.T) {
	c, client := pipePair(t)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close()
	defer client.Close()

	if !c.Offer([]byte("PING :hi")) {
		t.Fatal("Offer should succeed while active")
	}

	r := bufio.NewReader(client)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "PING :hi\r\n" {
		t.Errorf("got %q", line)
	}
}

func TestConnection_doubleStartFails(t *testing.T) {
	c, client := pipePair(t)
	defer client.Close()
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close()
	if err := c.Start(); err == nil {
		t.Error("expected second Start to fail")
	}
}

func TestConnection_closeIsIdempotent(t *testing.T) {
	c, client := pipePair(t)
	defer client.Close()
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var disconnects int
	c.OnDisconnect(func(c *transport.Connection) { disconnects++ })

	c.Close()
	c.Close()

	select {
	case <-c.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}

	if disconnects != 1 {
		t.Errorf("disconnect handler ran %d times, want 1", disconnects)
	}
	if c.Offer([]byte("x")) {
		t.Error("Offer should fail after close")
	}
}
