package dcc_test

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/travisbritz/ircrelay/dcc"
)

func collectEvents(e *dcc.Engine) (<-chan dcc.Event, func()) {
	ch := make(chan dcc.Event, 32)
	e.OnEvent(func(ev dcc.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch, func() { close(ch) }
}

func waitFor(t *testing.T, ch <-chan dcc.Event, kind dcc.EventKind, timeout time.Duration) dcc.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %v", kind)
		}
	}
}

func TestEngine_byteExchangeBothDirections(t *testing.T) {
	cfg := dcc.DefaultConfig()
	cfg.ListenHost = "127.0.0.1"
	e := dcc.NewEngine(cfg, nil)
	defer e.Close()

	events, stop := collectEvents(e)
	defer stop()

	token := dcc.NewToken()

	rport, err := e.OpenForReceiver(token)
	if err != nil || rport <= 0 {
		t.Fatalf("OpenForReceiver: port=%d err=%v", rport, err)
	}
	sport, err := e.OpenForSender(token)
	if err != nil || sport <= 0 {
		t.Fatalf("OpenForSender: port=%d err=%v", sport, err)
	}

	waitFor(t, events, dcc.ReceiverOpened, time.Second)
	waitFor(t, events, dcc.SenderOpened, time.Second)

	receiverSide, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(rport)))
	if err != nil {
		t.Fatalf("dial receiver listener: %v", err)
	}
	defer receiverSide.Close()

	senderSide, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(sport)))
	if err != nil {
		t.Fatalf("dial sender listener: %v", err)
	}
	defer senderSide.Close()

	waitFor(t, events, dcc.ReceiverConnected, time.Second)
	waitFor(t, events, dcc.SenderConnected, time.Second)

	payload := []byte("bulk file data")
	if _, err := senderSide.Write(payload); err != nil {
		t.Fatalf("write from sender: %v", err)
	}
	got := make([]byte, len(payload))
	receiverSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(receiverSide, got); err != nil {
		t.Fatalf("read on receiver side: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload mismatch: got %q want %q", got, payload)
	}

	ack := []byte{0, 0, 0, 1}
	if _, err := receiverSide.Write(ack); err != nil {
		t.Fatalf("write ack from receiver: %v", err)
	}
	gotAck := make([]byte, len(ack))
	senderSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(senderSide, gotAck); err != nil {
		t.Fatalf("read ack on sender side: %v", err)
	}

	e.Cancel(token)
	waitFor(t, events, dcc.TransferClosed, 2*time.Second)
}

func TestEngine_duplicateOpenReturnsSentinel(t *testing.T) {
	cfg := dcc.DefaultConfig()
	cfg.ListenHost = "127.0.0.1"
	e := dcc.NewEngine(cfg, nil)
	defer e.Close()

	token := dcc.NewToken()
	if _, err := e.OpenForReceiver(token); err != nil {
		t.Fatalf("first open: %v", err)
	}
	port, err := e.OpenForReceiver(token)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	if port != -1 {
		t.Fatalf("expected sentinel -1 for duplicate open, got %d", port)
	}
}

func TestEngine_cancelBeforeConnectEmitsSingleClose(t *testing.T) {
	cfg := dcc.DefaultConfig()
	cfg.ListenHost = "127.0.0.1"
	e := dcc.NewEngine(cfg, nil)
	defer e.Close()

	events, stop := collectEvents(e)
	defer stop()

	token := dcc.NewToken()
	if _, err := e.OpenForReceiver(token); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, events, dcc.ReceiverOpened, time.Second)

	e.Cancel(token)
	e.Cancel(token)
	e.Cancel(token)

	waitFor(t, events, dcc.TransferClosed, 2*time.Second)

	select {
	case ev := <-events:
		if ev.Kind == dcc.TransferClosed {
			t.Fatalf("TransferClosed emitted more than once for token %v", token)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEngine_cancelMidTransferClosesOnce(t *testing.T) {
	cfg := dcc.DefaultConfig()
	cfg.ListenHost = "127.0.0.1"
	e := dcc.NewEngine(cfg, nil)
	defer e.Close()

	events, stop := collectEvents(e)
	defer stop()

	token := dcc.NewToken()
	rport, _ := e.OpenForReceiver(token)
	sport, _ := e.OpenForSender(token)
	waitFor(t, events, dcc.ReceiverOpened, time.Second)
	waitFor(t, events, dcc.SenderOpened, time.Second)

	receiverSide, _ := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(rport)))
	defer receiverSide.Close()
	senderSide, _ := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(sport)))
	defer senderSide.Close()

	waitFor(t, events, dcc.ReceiverConnected, time.Second)
	waitFor(t, events, dcc.SenderConnected, time.Second)

	// Cancel mid-transfer, twice: the second cancel must not emit again.
	e.Cancel(token)
	e.Cancel(token)

	waitFor(t, events, dcc.TransferClosed, 2*time.Second)

	select {
	case ev := <-events:
		if ev.Kind == dcc.TransferClosed {
			t.Fatalf("TransferClosed emitted more than once for token %v", token)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

