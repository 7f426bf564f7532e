package server

import (
	"time"

	"github.com/travisbritz/ircrelay/irc"
)

// Config holds the tunable limits and policy knobs ServerState enforces.
// Defaults mirror common ircd conventions.
type Config struct {
	ServerName string
	// Password, if non-empty, must be supplied via checkPassword before
	// registration can proceed.
	Password string

	NickLength        int
	UserLength        int
	RealNameMaxLength int

	// ChannelTypes lists the channel-name prefix characters this server
	// accepts, e.g. "#&".
	ChannelTypes string
	CaseMapping  irc.CaseMapping

	// MaxChannelsPerPrefix bounds how many channels of a given prefix a
	// single user may join at once.
	MaxChannelsPerPrefix int

	PingInterval time.Duration
	PingDeadline time.Duration
}

// DefaultConfig returns the conventional defaults used when a field is left
// zero-valued by the caller.
func DefaultConfig() Config {
	return Config{
		ServerName:           "irc.example.net",
		NickLength:           30,
		UserLength:           18,
		RealNameMaxLength:    50,
		ChannelTypes:         "#&",
		CaseMapping:          irc.CaseMapRFC1459,
		MaxChannelsPerPrefix: 120,
		PingInterval:         2 * time.Minute,
		PingDeadline:         5 * time.Minute,
	}
}
