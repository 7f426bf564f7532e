package server

import "github.com/travisbritz/ircrelay/irc"

// NumericFactory builds the IRC numeric reply that should be sent to the
// offending connection when a StateInvariantError reaches the dispatcher.
// It receives the nickname known for that connection (the dispatcher passes
// "*" when none is set yet) so replies like "432 <nick> <badnick> :Erroneous
// nickname" can be assembled without the server package needing to know
// the wire format of every numeric.
type NumericFactory func(nick string) *irc.Message

// StateInvariantError is the only error type ServerState mutators raise. It
// carries enough structure for the dispatcher to emit the right numeric
// reply without the state layer needing to know about wire formatting.
type StateInvariantError struct {
	Numeric string
	Reply   NumericFactory
	msg     string
}

func (e *StateInvariantError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return "state invariant violated: " + e.Numeric
}

func invariant(numeric string, msg string, reply NumericFactory) error {
	return &StateInvariantError{Numeric: numeric, Reply: reply, msg: msg}
}

func errInvalidPassword() error {
	return invariant(irc.RplErrPasswdMismatch, "invalid password", func(nick string) *irc.Message {
		return irc.NewMessage(irc.RplErrPasswdMismatch, nick, "Password incorrect")
	})
}

func errAlreadyRegistered() error {
	return invariant(irc.RplErrAlreadyRegistered, "already registered", func(nick string) *irc.Message {
		return irc.NewMessage(irc.RplErrAlreadyRegistered, nick, "Unauthorized command (already registered)")
	})
}

func errErroneousNickname(attempted string) error {
	return invariant(irc.RplErrErroneousNickname, "erroneous nickname", func(nick string) *irc.Message {
		return irc.NewMessage(irc.RplErrErroneousNickname, nick, attempted, "Erroneous nickname")
	})
}

func errNicknameInUse(attempted string) error {
	return invariant(irc.RplErrNicknameInUse, "nickname in use", func(nick string) *irc.Message {
		return irc.NewMessage(irc.RplErrNicknameInUse, nick, attempted, "Nickname is already in use")
	})
}

func errNoSuchChannel(name string) error {
	return invariant(irc.RplErrNoSuchChannel, "no such channel", func(nick string) *irc.Message {
		return irc.NewMessage(irc.RplErrNoSuchChannel, nick, name, "No such channel")
	})
}

func errNoSuchNick(name string) error {
	return invariant(irc.RplErrNoSuchNick, "no such nick", func(nick string) *irc.Message {
		return irc.NewMessage(irc.RplErrNoSuchNick, nick, name, "No such nick/channel")
	})
}

func errNotOnChannel(channel string) error {
	return invariant(irc.RplErrNotOnChannel, "not on channel", func(nick string) *irc.Message {
		return irc.NewMessage(irc.RplErrNotOnChannel, nick, channel, "You're not on that channel")
	})
}

func errNotRegistered() error {
	return invariant(irc.RplErrNotRegistered, "not registered", func(nick string) *irc.Message {
		return irc.NewMessage(irc.RplErrNotRegistered, nick, "You have not registered")
	})
}

func errBadChannelMask(name string) error {
	return invariant(irc.RplErrBadChanMask, "bad channel mask", func(nick string) *irc.Message {
		return irc.NewMessage(irc.RplErrBadChanMask, nick, name, "Bad Channel Mask")
	})
}

func errChanOPrivsNeeded(channel string) error {
	return invariant(irc.RplErrChanOPrivsNeeded, "not channel operator", func(nick string) *irc.Message {
		return irc.NewMessage(irc.RplErrChanOPrivsNeeded, nick, channel, "You're not channel operator")
	})
}

func errInviteOnlyChan(channel string) error {
	return invariant(irc.RplErrInviteOnlyChan, "invite only", func(nick string) *irc.Message {
		return irc.NewMessage(irc.RplErrInviteOnlyChan, nick, channel, "Cannot join channel (+i)")
	})
}

func errBannedFromChan(channel string) error {
	return invariant(irc.RplErrBannedFromChan, "banned", func(nick string) *irc.Message {
		return irc.NewMessage(irc.RplErrBannedFromChan, nick, channel, "Cannot join channel (+b)")
	})
}

func errBadChannelKey(channel string) error {
	return invariant(irc.RplErrBadChannelKey, "bad channel key", func(nick string) *irc.Message {
		return irc.NewMessage(irc.RplErrBadChannelKey, nick, channel, "Cannot join channel (+k)")
	})
}

func errChannelIsFull(channel string) error {
	return invariant(irc.RplErrChannelIsFull, "channel is full", func(nick string) *irc.Message {
		return irc.NewMessage(irc.RplErrChannelIsFull, nick, channel, "Cannot join channel (+l)")
	})
}

func errCannotSendToChan(channel string) error {
	return invariant(irc.RplErrCannotSendToChan, "cannot send to channel", func(nick string) *irc.Message {
		return irc.NewMessage(irc.RplErrCannotSendToChan, nick, channel, "Cannot send to channel")
	})
}

// noOp is a sentinel returned by idempotent operations (e.g. setting a
// nickname to its current value) to signal that nothing changed and the
// transaction can commit trivially.
type noOp struct{}

func (noOp) Error() string { return "no-op" }

// ErrNoOp reports whether err is the sentinel returned when an operation
// was idempotent and made no change.
func ErrNoOp(err error) bool {
	_, ok := err.(noOp)
	return ok
}
