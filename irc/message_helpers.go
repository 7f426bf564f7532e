package irc

import (
	"fmt"
	"strings"
)

// Text, Target, and Chan give the dispatcher and client handlers
// position-independent access to the handful of commands whose parameters
// carry a recognizable target/text shape: PRIVMSG, NOTICE, CTCP ACTION,
// TOPIC, KICK, PART, QUIT, ERROR, INVITE, and MODE.

// Text returns the free-form text portion of a message for the well-known (named) IRC commands.
// An error is returned if the method is called for unsupported message types.
// If err is not nil, then Text will contain the entire parameter list joined together as one string.
// However, for commands that return an error, it may be better to call Params.Get directly.
//
// Supported commands include PRIVMSG, NOTICE, PART, QUIT, ERROR, and more.
//
// In the case of PART and KICK, Text contains the <reason> message parameter.
//
// The error may be discarded without checking
// If it's known that the message will always be a supported command,
// for example when used inside a handler that is only ever called for PRIVMSG events,
// then it is safe to discard err.
// Errors are only returned to prevent the method from returning unexpected results to callers that assume it will work for all message types.
func (m *Message) Text() (string, error) {
	switch m.Command {
	case CmdQuit, CmdError:
		return m.Params.Get(1), nil
	case CmdPrivmsg, CmdNotice, CTCPAction, CmdTopic, CmdPart, CmdMode:
		return m.Params.Get(2), nil
	case CmdKick:
		return m.Params.Get(3), nil

	default:
		return strings.Join(m.Params, " "), fmt.Errorf("text: command %s is not supported", m.Command)
	}
}

// Target is the target of the message: the recipient's own nickname for a
// direct message (query), the channel name for a channel message, or a
// channel name prefixed by one or more membership characters (e.g. "+#foo")
// for messages restricted to members at or above a given rank on servers
// that support the STATUSMSG response of RPL_ISUPPORT.
func (m *Message) Target() (string, error) {

	switch m.Command {
	case CmdPrivmsg, CmdNotice, CTCPAction, CmdInvite, CmdTopic, CmdKick, CmdPart, CmdMode:
		return m.Params.Get(1), nil
	default:
		return "", fmt.Errorf("%s: target method not supported", m.Command)
	}
}

// defaultStatusPrefixes and defaultChannelTypes describe the common case
// (STATUSMSG="@%+", CHANTYPES="#&") used by Chan when stripping membership
// prefixes from a target. A client that has negotiated different values via
// RPL_ISUPPORT should not rely on Chan and should inspect Target directly.
const (
	defaultStatusPrefixes = "@%+"
	defaultChannelTypes   = "#&"
)

// Chan returns the channel a message applies to.
// In the case of query messages, Chan will return an empty string.
// If the message target was a channel name prefixed with membership prefixes ('@', '+', etc.) the prefixes will be stripped.
func (m *Message) Chan() (string, error) {
	var target string
	switch m.Command {
	case CmdPrivmsg, CmdNotice, CTCPAction, CmdJoin, CmdTopic, CmdKick, CmdPart:
		target = m.Params.Get(1)
	case CmdInvite:
		target = m.Params.Get(2)
	default:
		return "", fmt.Errorf("%s: chan method not supported", m.Command)
	}

	target = strings.TrimLeft(target, defaultStatusPrefixes)
	if target == "" || strings.IndexByte(defaultChannelTypes, target[0]) < 0 {
		return "", nil
	}
	return target, nil
}
