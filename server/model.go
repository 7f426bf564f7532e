package server

import (
	"time"

	"github.com/travisbritz/ircrelay/irc"
	"github.com/travisbritz/ircrelay/transport"
)

// ConnState is a User's connection lifecycle state.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnRegistered
	ConnQuitting
)

// MembershipMode is a single channel membership rank, ordered by precedence
// (owner highest) so canGrant can compare two users' ranks.
type MembershipMode int

const (
	ModeNone MembershipMode = iota
	ModeVoice
	ModeHalfOp
	ModeOp
	ModeAdmin
	ModeOwner
)

var membershipLetters = map[MembershipMode]byte{
	ModeVoice:  'v',
	ModeHalfOp: 'h',
	ModeOp:     'o',
	ModeAdmin:  'a',
	ModeOwner:  'q',
}

var membershipPrefixes = map[MembershipMode]byte{
	ModeVoice:  '+',
	ModeHalfOp: '%',
	ModeOp:     '@',
	ModeAdmin:  '&',
	ModeOwner:  '~',
}

// Membership is the set of membership-mode ranks a user holds in one
// channel. Highest reports the highest-precedence rank held.
type Membership struct {
	ranks map[MembershipMode]struct{}
}

func newMembership() *Membership {
	return &Membership{ranks: make(map[MembershipMode]struct{})}
}

// Has reports whether the membership includes rank m.
func (ms *Membership) Has(m MembershipMode) bool {
	_, ok := ms.ranks[m]
	return ok
}

// Highest returns the highest-precedence rank held, or ModeNone.
func (ms *Membership) Highest() MembershipMode {
	highest := ModeNone
	for m := range ms.ranks {
		if m > highest {
			highest = m
		}
	}
	return highest
}

// CanGrant reports whether a user holding this membership may grant rank m
// to someone else: they must hold a rank at least as high as m.
func (ms *Membership) CanGrant(m MembershipMode) bool {
	return ms.Highest() >= m
}

// Prefix returns the highest-precedence membership prefix character (e.g.
// '@' for op), or 0 if the membership has no ranks.
func (ms *Membership) Prefix() byte {
	h := ms.Highest()
	if h == ModeNone {
		return 0
	}
	return membershipPrefixes[h]
}

// TopicSetter identifies who last set a channel's topic: either a live user
// reference (while that user remains reachable) or a frozen nickname once
// they have parted or quit the channel.
type TopicSetter struct {
	User *User
	Nick string
}

// Name resolves to the setter's current nickname if live, or the frozen
// nickname otherwise.
func (ts TopicSetter) Name() string {
	if ts.User != nil {
		return ts.User.Nickname
	}
	return ts.Nick
}

// ChannelFlags are boolean channel modes.
type ChannelFlags struct {
	InviteOnly        bool
	Moderated         bool
	NoExternalMessage bool
	Secret            bool
	ProtectedTopic    bool
}

// Channel is keyed by its canonical name (prefix preserved, body
// case-folded). A Channel exists in the registry only while it has at least
// one member.
type Channel struct {
	Name      string // canonical (folded) name, used as the registry key
	Display   string // name as most recently set/created, prefix preserved, body unfolded
	CreatedAt time.Time

	Topic      string
	TopicSetBy TopicSetter
	TopicSetAt time.Time

	Members map[*User]*Membership

	Bans    []string // raw glob patterns, mode +b
	Excepts []string // mode +e
	Invex   []string // mode +I

	Key         string // mode +k, empty if unset
	ClientLimit int    // mode +l, 0 if unset

	Flags ChannelFlags

	Invited map[*User]struct{}
}

func newChannel(name, display string, now time.Time) *Channel {
	return &Channel{
		Name:      name,
		Display:   display,
		CreatedAt: now,
		Members:   make(map[*User]*Membership),
		Invited:   make(map[*User]struct{}),
	}
}

// User is keyed both by connection handle and by case-folded nickname.
type User struct {
	Conn *transport.Connection

	Nickname string // current nickname, prefix-less
	Username string
	Realname string
	Host     string

	SignOnAt   time.Time
	LastActive time.Time
	LastPing   time.Time
	LastPong   time.Time

	Modes map[byte]struct{}
	Away  string // empty means not away

	QuitMessage string

	// Channels is insertion-ordered: the order a user joined channels in is
	// observable (e.g. in some client displays), so we preserve it rather
	// than using map iteration order.
	Channels []*Channel
	// Invited is the set of channels this user has an outstanding
	// invitation to.
	Invited map[*Channel]struct{}

	NegotiatingCaps bool
	PasswordEntered bool
	State           ConnState
}

func newUser(conn *transport.Connection, host string, now time.Time) *User {
	return &User{
		Conn:       conn,
		Host:       host,
		SignOnAt:   now,
		LastActive: now,
		Modes:      make(map[byte]struct{}),
		Invited:    make(map[*Channel]struct{}),
		State:      ConnNew,
	}
}

// WriteMessage marshals m and offers it on the user's connection egress
// queue. Marshal errors are not surfaced to the caller: per spec, IRC
// delivery is always best-effort, mirroring the teacher Client's
// WriteMessage contract.
func (u *User) WriteMessage(m *irc.Message) {
	writeMessage(u.Conn, m)
}

func writeMessage(conn *transport.Connection, m *irc.Message) {
	b, err := m.MarshalText()
	if err != nil {
		return
	}
	// transport.LineWriter appends its own CRLF.
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	conn.Offer(b)
}
