// Package logging builds the logrus.Logger used throughout ircrelay,
// honoring the --log-file/--log-level CLI flags and the %u/%g pattern
// tokens spec.md §6 describes for log-file paths.
package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// New builds a *logrus.Logger writing to logFile (or stderr if empty) at
// the given level. logFile may contain the pattern tokens %u (a unique
// instance id derived from the process start time) and %g (a rotation
// index, always 0 here since rotation is left to an external tool).
func New(logFile, level string, simpleUI bool) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: simpleUI,
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging: invalid log level %q: %w", level, err)
	}
	log.SetLevel(lvl)

	out, err := openLogDestination(logFile)
	if err != nil {
		return nil, err
	}
	log.SetOutput(out)
	return log, nil
}

func openLogDestination(pattern string) (io.Writer, error) {
	if pattern == "" {
		return os.Stderr, nil
	}
	path := expandTokens(pattern)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open %q: %w", path, err)
	}
	return f, nil
}

// expandTokens substitutes %u with a unique instance id (unix nanosecond
// timestamp) and %g with the rotation index (always 0; rotation is left
// to logrotate or equivalent).
func expandTokens(pattern string) string {
	uniq := strconv.FormatInt(time.Now().UnixNano(), 36)
	r := strings.NewReplacer("%u", uniq, "%g", "0")
	return r.Replace(pattern)
}

// WithComponent returns an Entry tagged with the given component name,
// the field convention used across connection/server/dcc logging.
func WithComponent(log *logrus.Logger, component string) *logrus.Entry {
	return log.WithField("component", component)
}
