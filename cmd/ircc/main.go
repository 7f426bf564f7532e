// Command ircc is an illustrative client: connects to a server, joins
// channels, and prints incoming messages. Terminal UI, colorization, and
// a full argument parser are explicitly out of scope for this binary;
// this is a thin demonstration of the irc.Client API.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/travisbritz/ircrelay/irc"
	"github.com/travisbritz/ircrelay/ircdebug"
)

var (
	flagHost      string
	flagPort      int
	flagNickname  string
	flagChannel   string
	flagLogLevel  string
	flagSimpleUI  bool
	flagDebugWire bool
)

func main() {
	cmd := &cobra.Command{
		Use:   "ircc",
		Short: "Connect to an ircrelay server",
		RunE:  run,
	}
	cmd.Flags().StringVar(&flagHost, "host", "localhost", "server address")
	cmd.Flags().IntVar(&flagPort, "port", 6667, "server port")
	cmd.Flags().StringVar(&flagNickname, "nickname", "guest", "nickname to use")
	cmd.Flags().StringVar(&flagChannel, "channel", "", "channel to join once registered, e.g. #lobby")
	cmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level (unused by this illustrative client)")
	cmd.Flags().BoolVar(&flagSimpleUI, "simple-ui", true, "disable colorized output (always on; no TUI is implemented)")
	cmd.Flags().BoolVar(&flagDebugWire, "debug-wire", false, "print every line sent/received, prefixed with -> and <-")

	if err := cmd.Execute(); err != nil {
		os.Exit(2)
	}
}

func run(cmd *cobra.Command, args []string) error {
	addr := fmt.Sprintf("%s:%d", flagHost, flagPort)
	client := &irc.Client{
		Addr:     addr,
		Nickname: flagNickname,
		User:     flagNickname,
		Realname: flagNickname,
		// ircrelay servers never speak TLS (see Non-goals); dial plaintext.
		DialFn: func() (io.ReadWriteCloser, error) {
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				return nil, err
			}
			if flagDebugWire {
				return ircdebug.WriteTo(os.Stderr, conn, "-> ", "<- "), nil
			}
			return conn, nil
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	r := &irc.Router{}
	r.Use(logIncoming)

	r.OnConnect(func(mw irc.MessageWriter, m *irc.Message) {
		if flagChannel != "" {
			mw.WriteMessage(irc.Join(flagChannel))
		}
	})
	r.OnCTCP("VERSION", func(mw irc.MessageWriter, m *irc.Message) {
		mw.WriteMessage(irc.CTCPReply(m.Source.Nick.String(), "VERSION", "ircc (ircrelay illustrative client)"))
	})
	r.OnDCC(func(mw irc.MessageWriter, m *irc.Message) {
		fmt.Printf("%s offered a DCC session: %s\n", m.Source.Nick, m.Params.Get(2))
	})

	return client.ConnectAndRun(ctx, r)
}

func logIncoming(next irc.Handler) irc.Handler {
	return irc.HandlerFunc(func(mw irc.MessageWriter, m *irc.Message) {
		fmt.Printf("%s %s %v\n", m.Source, m.Command, []string(m.Params))
		next.SpeakIRC(mw, m)
	})
}
