package transport_test

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/travisbritz/ircrelay/transport"
)

func TestAcceptor_listenAndServe(t *testing.T) {
	a := transport.NewAcceptor("127.0.0.1", nil)
	port, err := a.Listen(0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if port == 0 {
		t.Fatal("expected a non-zero bound port")
	}
	defer a.Close()

	accepted := make(chan net.Conn, 1)
	a.Serve(func(c net.Conn) { accepted <- c })

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case got := <-accepted:
		defer got.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("acceptor never dispatched the connection")
	}
}

func TestAcceptor_portRange(t *testing.T) {
	a := transport.NewAcceptor("127.0.0.1", nil)
	a.PortRange = [2]int{40000, 40010}
	port, err := a.Listen(0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if port < 40000 || port > 40010 {
		t.Errorf("bound port %d outside range", port)
	}
	defer a.Close()

	connected := make(chan struct{})
	a.Serve(func(c net.Conn) {
		close(connected)
		c.Close()
	})

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("acceptor never dispatched the connection")
	}
}
