package server

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/travisbritz/ircrelay/irc"
	"github.com/travisbritz/ircrelay/transport"
)

// preRegistrationAllowed is the set of commands a connection may send
// before completing registration (spec §4.6).
var preRegistrationAllowed = map[irc.Command]struct{}{
	irc.CmdPass: {},
	irc.CmdNick: {},
	irc.CmdUser: {},
	irc.CmdCap:  {},
	irc.CmdQuit: {},
	irc.CmdPing: {},
	irc.CmdPong: {},
}

// Dispatcher wires a ServerState to live connections: it parses inbound
// lines into irc.Message, applies the registration gate, and routes each
// command to its handler under its own transaction.
type Dispatcher struct {
	state *ServerState
	log   *logrus.Entry
}

// NewDispatcher builds a Dispatcher over state.
func NewDispatcher(state *ServerState, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{state: state, log: log}
}

// Attach registers the dispatcher's line and disconnect handlers on conn
// and creates the backing User for it.
func (d *Dispatcher) Attach(conn *transport.Connection) {
	tx := d.state.Begin()
	d.state.Connect(tx, conn, remoteHost(conn))
	d.state.Commit(tx)

	conn.OnLine(d.handleLine)
	conn.OnDisconnect(d.handleDisconnect)
}

func remoteHost(conn *transport.Connection) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host := addr.String()
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}

func (d *Dispatcher) handleLine(conn *transport.Connection, line []byte) error {
	var m irc.Message
	if err := m.UnmarshalText(line); err != nil {
		d.log.WithField("conn_id", conn.ID).WithError(err).Debug("dispatcher: discarding unparseable line")
		return nil
	}
	d.dispatch(conn, &m)
	return nil
}

func (d *Dispatcher) handleDisconnect(conn *transport.Connection) {
	tx := d.state.Begin()
	u := d.state.UserByConn(conn)
	if u == nil {
		d.state.Rollback(tx)
		return
	}
	formerChannels := append([]*Channel{}, u.Channels...)
	d.state.Quit(tx, conn, "Connection closed")
	d.state.Commit(tx)
	d.broadcastQuit(u, formerChannels, u.QuitMessage)
}

func (d *Dispatcher) dispatch(conn *transport.Connection, m *irc.Message) {
	u := d.state.UserByConn(conn)
	if u == nil {
		return
	}
	if u.State != ConnRegistered {
		if _, ok := preRegistrationAllowed[m.Command]; !ok {
			d.reject(conn, u, errNotRegistered())
			return
		}
	}

	tx := d.state.Begin()
	u.LastActive = time.Now()
	var err error
	switch m.Command {
	case irc.CmdPass:
		err = d.state.CheckPassword(tx, conn, m.Params.Get(1))
	case irc.CmdUser:
		err = d.state.SetUserInfo(tx, conn, m.Params.Get(1), m.Params.Get(4))
	case irc.CmdNick:
		err = d.doNick(tx, conn, u, m)
	case irc.CmdCap:
		err = d.doCap(tx, conn, u, m)
	case irc.CmdPing:
		d.state.Commit(tx)
		u.WriteMessage(irc.NewMessage(irc.CmdPong, m.Params.Get(1)))
		return
	case irc.CmdPong:
		u.LastPong = time.Now()
		d.state.Commit(tx)
		return
	case irc.CmdJoin:
		err = d.doJoin(tx, conn, u, m)
	case irc.CmdPart:
		err = d.doPart(tx, conn, u, m)
	case irc.CmdTopic:
		err = d.doTopic(tx, conn, u, m)
	case irc.CmdPrivmsg, irc.CmdNotice:
		err = d.doMessage(tx, conn, u, m)
	case irc.CmdQuit:
		d.doQuit(tx, conn, u, m)
		return
	case irc.CmdInvite:
		err = d.doInvite(tx, conn, m)
	case irc.CmdKick:
		err = d.doKick(tx, conn, m)
	case irc.CmdAway:
		err = d.state.SetAway(tx, conn, m.Params.Get(1))
	default:
		d.state.Rollback(tx)
		return
	}

	if err != nil && !ErrNoOp(err) {
		d.state.Rollback(tx)
		d.reject(conn, u, err)
		return
	}
	d.state.Commit(tx)

	switch m.Command {
	case irc.CmdNick:
		if err == nil {
			d.broadcastNick(u)
		}
	}
}

func (d *Dispatcher) reject(conn *transport.Connection, u *User, err error) {
	sie, ok := err.(*StateInvariantError)
	if !ok {
		d.log.WithError(err).Warn("dispatcher: unrecognized error from state mutator")
		return
	}
	nick := ""
	if u != nil {
		nick = u.Nickname
	}
	if nick == "" {
		nick = "*"
	}
	writeMessage(conn, sie.Reply(nick))
}

func (d *Dispatcher) doNick(tx *Tx, conn *transport.Connection, u *User, m *irc.Message) error {
	wasRegistered := u.State == ConnRegistered
	if err := d.state.SetNickname(tx, conn, m.Params.Get(1)); err != nil {
		return err
	}
	if !wasRegistered {
		d.tryRegister(tx, conn, u)
	}
	return nil
}

func (d *Dispatcher) doCap(tx *Tx, conn *transport.Connection, u *User, m *irc.Message) error {
	sub := strings.ToUpper(m.Params.Get(1))
	switch sub {
	case "LS", "REQ":
		d.state.SetNegotiatingCaps(tx, conn, true)
	case "END":
		d.state.SetNegotiatingCaps(tx, conn, false)
		d.tryRegister(tx, conn, u)
	}
	return nil
}

func (d *Dispatcher) tryRegister(tx *Tx, conn *transport.Connection, u *User) {
	if d.state.TryFinishRegistration(tx, conn) {
		u.WriteMessage(irc.NewMessage(irc.RplWelcome, u.Nickname, "Welcome to the network "+u.Nickname))
	}
}

func (d *Dispatcher) doJoin(tx *Tx, conn *transport.Connection, u *User, m *irc.Message) error {
	names := strings.Split(m.Params.Get(1), ",")
	keys := strings.Split(m.Params.Get(2), ",")
	for i, name := range names {
		key := ""
		if i < len(keys) {
			key = keys[i]
		}
		err := d.state.JoinChannel(tx, conn, name, key)
		if err != nil && !ErrNoOp(err) {
			return err
		}
		if err == nil {
			d.broadcastJoin(u, d.state.Channel(name))
		}
	}
	return nil
}

func (d *Dispatcher) broadcastJoin(u *User, ch *Channel) {
	if ch == nil {
		return
	}
	out := irc.NewMessage(irc.CmdJoin, ch.Display)
	out.Source = irc.Prefix{Nick: irc.Nickname(u.Nickname), User: u.Username, Host: u.Host}
	out.IncludePrefix()
	newChannelTarget(ch).Send(out)
}

func (d *Dispatcher) doPart(tx *Tx, conn *transport.Connection, u *User, m *irc.Message) error {
	for _, name := range strings.Split(m.Params.Get(1), ",") {
		ch := d.state.Channel(name)
		if ch == nil {
			return errNoSuchChannel(name)
		}
		display := ch.Display
		if err := d.state.PartChannel(tx, conn, name); err != nil {
			return err
		}
		d.broadcastPartTo(ch, u, display, m.Params.Get(2))
	}
	return nil
}

func (d *Dispatcher) broadcastPartTo(ch *Channel, u *User, display, reason string) {
	out := irc.NewMessage(irc.CmdPart, display, reason)
	out.Source = irc.Prefix{Nick: irc.Nickname(u.Nickname), User: u.Username, Host: u.Host}
	out.IncludePrefix()
	newChannelTarget(ch).Send(out)
	u.WriteMessage(out)
}

func (d *Dispatcher) doTopic(tx *Tx, conn *transport.Connection, u *User, m *irc.Message) error {
	channel := m.Params.Get(1)
	if len(m.Params) < 2 {
		ch := d.state.Channel(channel)
		if ch == nil {
			return errNoSuchChannel(channel)
		}
		u.WriteMessage(irc.NewMessage(irc.RplTopic, u.Nickname, ch.Display, ch.Topic))
		return nil
	}
	if err := d.state.SetChannelTopic(tx, conn, channel, m.Params.Get(2)); err != nil {
		return err
	}
	return nil
}

func (d *Dispatcher) doMessage(tx *Tx, conn *transport.Connection, u *User, m *irc.Message) error {
	target, err := d.state.ResolveMask(conn, m.Params.Get(1))
	if err != nil {
		return err
	}
	out := irc.NewMessage(m.Command, m.Params.Get(1), m.Params.Get(2))
	out.Source = irc.Prefix{Nick: irc.Nickname(u.Nickname), User: u.Username, Host: u.Host}
	out.IncludePrefix()
	target.Send(out)
	d.log.WithField("nick", u.Nickname).WithField("target", m.Params.Get(1)).
		Tracef("dispatcher: relayed %s: %s", m.Command, irc.StripFormatting(m.Params.Get(2)))
	return nil
}

func (d *Dispatcher) doQuit(tx *Tx, conn *transport.Connection, u *User, m *irc.Message) {
	formerChannels := append([]*Channel{}, u.Channels...)
	d.state.Quit(tx, conn, m.Params.Get(1))
	d.state.Commit(tx)
	conn.Close()
	d.broadcastQuit(u, formerChannels, u.QuitMessage)
}

func (d *Dispatcher) doInvite(tx *Tx, conn *transport.Connection, m *irc.Message) error {
	target, ch, err := d.state.Invite(tx, conn, m.Params.Get(1), m.Params.Get(2))
	if err != nil {
		return err
	}
	target.WriteMessage(irc.NewMessage(irc.CmdInvite, target.Nickname, ch.Display))
	return nil
}

func (d *Dispatcher) doKick(tx *Tx, conn *transport.Connection, m *irc.Message) error {
	target, ch, err := d.state.Kick(tx, conn, m.Params.Get(1), m.Params.Get(2), m.Params.Get(3))
	if err != nil {
		return err
	}
	d.broadcastPartTo(ch, target, ch.Display, "Kicked: "+m.Params.Get(3))
	return nil
}

func (d *Dispatcher) broadcastNick(u *User) {
	out := irc.NewMessage(irc.CmdNick, u.Nickname)
	out.Source = irc.Prefix{Nick: irc.Nickname(u.Nickname), User: u.Username, Host: u.Host}
	out.IncludePrefix()
	u.WriteMessage(out)
}

func (d *Dispatcher) broadcastQuit(u *User, formerChannels []*Channel, reason string) {
	out := irc.NewMessage(irc.CmdQuit, reason)
	out.Source = irc.Prefix{Nick: irc.Nickname(u.Nickname), User: u.Username, Host: u.Host}
	out.IncludePrefix()
	seen := make(map[*User]struct{})
	for _, ch := range formerChannels {
		for recipient := range ch.Members {
			if _, ok := seen[recipient]; ok {
				continue
			}
			seen[recipient] = struct{}{}
			recipient.WriteMessage(out)
		}
	}
}

// Sweep runs the periodic ping/timeout pass (spec §4.6): users past
// PingInterval with no reply get a PING; users past PingDeadline are
// disconnected for timing out.
func (d *Dispatcher) Sweep() {
	now := time.Now()
	for conn, u := range d.snapshotUsers() {
		if u.State != ConnRegistered {
			continue
		}
		if now.Sub(u.LastPing) < d.state.cfg.PingInterval {
			continue
		}
		if u.LastPing.After(u.LastPong) && now.Sub(u.LastPing) > d.state.cfg.PingDeadline {
			conn.Close()
			continue
		}
		u.LastPing = now
		u.WriteMessage(irc.NewMessage(irc.CmdPing, d.state.cfg.ServerName))
	}
}

func (d *Dispatcher) snapshotUsers() map[*transport.Connection]*User {
	out := make(map[*transport.Connection]*User, len(d.state.usersByConn))
	for k, v := range d.state.usersByConn {
		out[k] = v
	}
	return out
}
