// Command ircd runs the IRC server: connection acceptor, dispatcher, and
// DCC relay engine wired together.
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/travisbritz/ircrelay/dcc"
	"github.com/travisbritz/ircrelay/internal/config"
	"github.com/travisbritz/ircrelay/internal/logging"
	"github.com/travisbritz/ircrelay/server"
	"github.com/travisbritz/ircrelay/transport"
)

var (
	flagHost     string
	flagPort     int
	flagNickname string
	flagLogFile  string
	flagLogLevel string
	flagSimpleUI bool
	flagConfig   string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(2)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ircd",
		Short:         "Run the ircrelay IRC server",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          runServer,
	}
	cmd.Flags().StringVar(&flagHost, "host", "0.0.0.0", "address to listen on")
	cmd.Flags().IntVar(&flagPort, "port", 6667, "port to listen on")
	cmd.Flags().StringVar(&flagNickname, "nickname", "", "server-owned service nickname (optional)")
	cmd.Flags().StringVar(&flagLogFile, "log-file", "", "log file path (supports %u and %g tokens); empty means stderr")
	cmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	cmd.Flags().BoolVar(&flagSimpleUI, "simple-ui", false, "disable colorized/interactive output")
	cmd.Flags().StringVar(&flagConfig, "config", "", "path to config file")
	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(flagConfig)
	v := loader.Viper()
	v.BindPFlag("host", cmd.Flags().Lookup("host"))
	v.BindPFlag("port", cmd.Flags().Lookup("port"))
	v.BindPFlag("nickname", cmd.Flags().Lookup("nickname"))
	v.BindPFlag("log_file", cmd.Flags().Lookup("log-file"))
	v.BindPFlag("log_level", cmd.Flags().Lookup("log-level"))
	v.BindPFlag("simple_ui", cmd.Flags().Lookup("simple-ui"))

	file, err := loader.Load()
	if err != nil {
		return err
	}

	log, err := logging.New(file.LogFile, file.LogLevel, file.SimpleUI)
	if err != nil {
		return err
	}
	entry := logging.WithComponent(log, "ircd")

	state := server.New(config.ServerConfig(file), logging.WithComponent(log, "server"), nil)
	dispatcher := server.NewDispatcher(state, logging.WithComponent(log, "dispatcher"))

	engine := dcc.NewEngine(dcc.DefaultConfig(), logging.WithComponent(log, "dcc"))
	defer engine.Close()
	engine.OnEvent(func(ev dcc.Event) {
		entry.WithField("token", ev.Token).Debugf("dcc event: %s", ev.Kind)
	})

	acceptor := transport.NewAcceptor(file.Host, logging.WithComponent(log, "acceptor"))
	port, err := acceptor.Listen(file.Port)
	if err != nil {
		return fmt.Errorf("ircd: listen: %w", err)
	}
	entry.Infof("listening on %s", net.JoinHostPort(file.Host, strconv.Itoa(port)))
	if file.Nickname != "" {
		entry.Infof("service nickname reserved: %s", file.Nickname)
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			dispatcher.Sweep()
		}
	}()

	acceptor.Serve(func(conn net.Conn) {
		c := transport.New(conn, 10*time.Minute, logging.WithComponent(log, "connection"))
		dispatcher.Attach(c)
		if err := c.Start(); err != nil {
			entry.WithError(err).Warn("failed to start connection")
		}
	})

	select {}
}
