// Package server implements the authoritative server-side state machine for
// users, channels, memberships, modes, and message targeting described in
// spec.md §4.4. Every mutating operation runs under an explicit Tx so a
// failing command leaves state unchanged.
package server

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/travisbritz/ircrelay/irc"
	"github.com/travisbritz/ircrelay/transport"
)

var nickPattern = regexp.MustCompile(`^[a-z]+[a-z0-9_-]*$`)
var channelBodyPattern = regexp.MustCompile(`^[^\s,:\x07]+$`)

// ServerState is the single authoritative mutation surface for user and
// channel data. Callers open a Tx with Begin, perform mutations, then
// Commit or Rollback; Begin's internal lock is what gives the "single
// writer" guarantee spec.md §5 asks for, regardless of how many goroutines
// are calling in.
type ServerState struct {
	mu  sync.Mutex
	cfg Config
	log *logrus.Entry
	now func() time.Time

	usersByConn map[*transport.Connection]*User
	usersByNick map[string]*User // keyed by normalized nickname

	channels map[string]*Channel // keyed by canonical (folded) name
}

// New constructs a ServerState. now defaults to time.Now if nil, which is
// the only seam tests need to control time deterministically.
func New(cfg Config, log *logrus.Entry, now func() time.Time) *ServerState {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ServerState{
		cfg:         cfg,
		log:         log,
		now:         now,
		usersByConn: make(map[*transport.Connection]*User),
		usersByNick: make(map[string]*User),
		channels:    make(map[string]*Channel),
	}
}

// Begin opens a transaction, serializing all mutation against this
// ServerState until Commit or Rollback releases it.
func (s *ServerState) Begin() *Tx {
	s.mu.Lock()
	return newTx()
}

// Commit finalizes tx's mutations and releases the write lock.
func (s *ServerState) Commit(tx *Tx) {
	tx.Commit()
	s.mu.Unlock()
}

// Rollback undoes tx's mutations in reverse order and releases the write
// lock. Compensation panics are logged, not propagated.
func (s *ServerState) Rollback(tx *Tx) {
	tx.Rollback(func(r any) {
		s.log.Errorf("server: compensation panicked during rollback: %v", r)
	})
	s.mu.Unlock()
}

func (s *ServerState) normalizeNick(nick string) string {
	return irc.Normalize(irc.NormalizeNickname, s.cfg.CaseMapping, nick)
}

func (s *ServerState) normalizeChannel(name string) string {
	return irc.Normalize(irc.NormalizeChannel, s.cfg.CaseMapping, name)
}

// UserByConn returns the User registered for conn, or nil.
func (s *ServerState) UserByConn(conn *transport.Connection) *User {
	return s.usersByConn[conn]
}

// UserByNick returns the User currently holding nick (case-folded), or nil.
func (s *ServerState) UserByNick(nick string) *User {
	return s.usersByNick[s.normalizeNick(nick)]
}

// Channel returns the channel named name (case-folded), or nil.
func (s *ServerState) Channel(name string) *Channel {
	return s.channels[s.normalizeChannel(name)]
}

// UserCount returns the number of registered connections, used by tests to
// assert invariant 3 (nickname uniqueness: |usersByNickname| == user count).
func (s *ServerState) UserCount() int {
	return len(s.usersByConn)
}

// NicknameCount returns |usersByNickname|.
func (s *ServerState) NicknameCount() int {
	return len(s.usersByNick)
}

// Connect registers a new anonymous User for conn, keyed only by
// connection handle until a nickname is set. If the server has no
// configured password, PasswordEntered is set immediately.
func (s *ServerState) Connect(tx *Tx, conn *transport.Connection, hostAddress string) *User {
	u := newUser(conn, hostAddress, s.now())
	if s.cfg.Password == "" {
		u.PasswordEntered = true
	}
	mapPut(tx, s.usersByConn, conn, u)
	return u
}

// CheckPassword validates pw against the configured server password.
func (s *ServerState) CheckPassword(tx *Tx, conn *transport.Connection, pw string) error {
	u := s.usersByConn[conn]
	if u == nil {
		return errNotRegistered()
	}
	if u.State != ConnNew {
		return errAlreadyRegistered()
	}
	if s.cfg.Password != "" && pw != s.cfg.Password {
		return errInvalidPassword()
	}
	setBool(tx, &u.PasswordEntered, true)
	return nil
}

// SetUserInfo records username and realname, truncated to configured
// limits. Requires that CheckPassword (or a passwordless server) has
// already been satisfied.
func (s *ServerState) SetUserInfo(tx *Tx, conn *transport.Connection, username, realName string) error {
	u := s.usersByConn[conn]
	if u == nil || !u.PasswordEntered {
		return errNotRegistered()
	}
	if u.State != ConnNew {
		return errAlreadyRegistered()
	}
	username = truncate(username, s.cfg.UserLength)
	realName = truncate(realName, s.cfg.RealNameMaxLength)
	setString(tx, &u.Username, username)
	setString(tx, &u.Realname, realName)
	return nil
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}

// SetNickname validates and applies a nickname change, reindexing
// usersByNickname. Setting the nickname to its current value is a no-op.
func (s *ServerState) SetNickname(tx *Tx, conn *transport.Connection, nick string) error {
	u := s.usersByConn[conn]
	if u == nil {
		return errNotRegistered()
	}

	if u.Nickname != "" && s.normalizeNick(u.Nickname) == s.normalizeNick(nick) && u.Nickname == nick {
		return noOp{}
	}

	if !nickPattern.MatchString(strings.ToLower(nick)) || containsChannelPrefix(nick, s.cfg.ChannelTypes) {
		return errErroneousNickname(nick)
	}
	nick = truncate(nick, s.cfg.NickLength)
	folded := s.normalizeNick(nick)

	if existing, ok := s.usersByNick[folded]; ok && existing != u {
		return errNicknameInUse(nick)
	}

	oldFolded := s.normalizeNick(u.Nickname)
	if u.Nickname != "" {
		mapDelete(tx, s.usersByNick, oldFolded)
	}
	mapPut(tx, s.usersByNick, folded, u)
	setString(tx, &u.Nickname, nick)
	return nil
}

func containsChannelPrefix(nick, channelTypes string) bool {
	if nick == "" {
		return false
	}
	return strings.IndexByte(channelTypes, nick[0]) >= 0
}

// TryFinishRegistration atomically advances NEW -> REGISTERED iff the
// password has been accepted, capability negotiation is not in progress,
// and nickname/username/realname are all set. Returns true if registration
// completed.
func (s *ServerState) TryFinishRegistration(tx *Tx, conn *transport.Connection) bool {
	u := s.usersByConn[conn]
	if u == nil || u.State != ConnNew {
		return false
	}
	if !u.PasswordEntered || u.NegotiatingCaps {
		return false
	}
	if u.Nickname == "" || u.Username == "" || u.Realname == "" {
		return false
	}
	old := u.State
	tx.record(func() { u.State = old })
	u.State = ConnRegistered
	return true
}

// SetNegotiatingCaps toggles the capability-negotiation-in-progress flag
// (set while CAP LS/REQ is outstanding, cleared on CAP END).
func (s *ServerState) SetNegotiatingCaps(tx *Tx, conn *transport.Connection, v bool) {
	u := s.usersByConn[conn]
	if u == nil {
		return
	}
	setBool(tx, &u.NegotiatingCaps, v)
}

// JoinChannel validates and applies a channel join, creating the channel
// (with the joiner as owner) if it does not yet exist.
func (s *ServerState) JoinChannel(tx *Tx, conn *transport.Connection, name, key string) error {
	u := s.usersByConn[conn]
	if u == nil || u.State != ConnRegistered {
		return errNotRegistered()
	}
	if err := s.validateChannelName(name); err != nil {
		return err
	}
	folded := s.normalizeChannel(name)

	ch, created := computeIfAbsent(tx, s.channels, folded, func() *Channel {
		return newChannel(folded, name, s.now())
	})

	if !created {
		if _, already := ch.Members[u]; already {
			return noOp{}
		}
		if err := s.checkJoinPolicy(u, ch, key); err != nil {
			return err
		}
	}
	if limit := s.cfg.MaxChannelsPerPrefix; limit > 0 {
		n := 0
		for _, c := range u.Channels {
			if c.Name[0] == folded[0] {
				n++
			}
		}
		if n >= limit {
			return invariant(irc.RplErrTooManyChannels, "too many channels", func(nick string) *irc.Message {
				return irc.NewMessage(irc.RplErrTooManyChannels, nick, name, "You have joined too many channels")
			})
		}
	}

	ms := newMembership()
	if created {
		ms.ranks[ModeOwner] = struct{}{}
	}
	mapPut(tx, ch.Members, u, ms)
	sliceAppend(tx, &u.Channels, ch)
	return nil
}

func (s *ServerState) checkJoinPolicy(u *User, ch *Channel, key string) error {
	if ch.Key != "" && ch.Key != key {
		return errBadChannelKey(ch.Display)
	}
	mask := userMask(u)
	if matchesAny(ch.Bans, s.cfg.CaseMapping, mask) && !matchesAny(ch.Excepts, s.cfg.CaseMapping, mask) {
		return errBannedFromChan(ch.Display)
	}
	if ch.Flags.InviteOnly {
		_, invited := ch.Invited[u]
		if !invited && !matchesAny(ch.Invex, s.cfg.CaseMapping, mask) {
			return errInviteOnlyChan(ch.Display)
		}
	}
	if ch.ClientLimit > 0 && len(ch.Members) >= ch.ClientLimit {
		return errChannelIsFull(ch.Display)
	}
	return nil
}

func userMask(u *User) string {
	return u.Nickname + "!" + u.Username + "@" + u.Host
}

func matchesAny(patterns []string, mapping irc.CaseMapping, mask string) bool {
	folded := irc.Normalize(irc.NormalizeNickname, mapping, mask)
	for _, p := range patterns {
		g := irc.Parse(p).CaseFold(mapping)
		if g.Match(folded) {
			return true
		}
	}
	return false
}

func (s *ServerState) validateChannelName(name string) error {
	if name == "" || strings.IndexByte(s.cfg.ChannelTypes, name[0]) < 0 {
		return errBadChannelMask(name)
	}
	body := name[1:]
	if body == "" || !channelBodyPattern.MatchString(body) {
		return errBadChannelMask(name)
	}
	return nil
}

// PartChannel removes a user's membership; if the channel becomes empty it
// is removed from the registry.
func (s *ServerState) PartChannel(tx *Tx, conn *transport.Connection, name string) error {
	u := s.usersByConn[conn]
	if u == nil {
		return errNotRegistered()
	}
	ch := s.Channel(name)
	if ch == nil {
		return errNoSuchChannel(name)
	}
	if _, ok := ch.Members[u]; !ok {
		return errNotOnChannel(ch.Display)
	}
	s.removeMembership(tx, u, ch)
	return nil
}

// removeMembership is the shared compensated removal path used by part,
// kick, and quit.
func (s *ServerState) removeMembership(tx *Tx, u *User, ch *Channel) {
	if ch.TopicSetBy.User == u {
		frozen := u.Nickname
		oldSetter := ch.TopicSetBy
		tx.record(func() { ch.TopicSetBy = oldSetter })
		ch.TopicSetBy = TopicSetter{Nick: frozen}
	}

	mapDelete(tx, ch.Members, u)

	for i, c := range u.Channels {
		if c == ch {
			sliceRemove(tx, &u.Channels, i)
			break
		}
	}

	if len(ch.Members) == 0 {
		mapDelete(tx, s.channels, ch.Name)
	}
}

// SetChannelTopic requires membership, and HALFOP+ if the channel's
// protected-topic flag is set.
func (s *ServerState) SetChannelTopic(tx *Tx, conn *transport.Connection, name, topic string) error {
	u := s.usersByConn[conn]
	if u == nil {
		return errNotRegistered()
	}
	ch := s.Channel(name)
	if ch == nil {
		return errNoSuchChannel(name)
	}
	ms, ok := ch.Members[u]
	if !ok {
		return errNotOnChannel(ch.Display)
	}
	if ch.Flags.ProtectedTopic && !ms.Has(ModeHalfOp) && ms.Highest() < ModeHalfOp {
		return errChanOPrivsNeeded(ch.Display)
	}

	oldTopic, oldSetter, oldAt := ch.Topic, ch.TopicSetBy, ch.TopicSetAt
	tx.record(func() {
		ch.Topic, ch.TopicSetBy, ch.TopicSetAt = oldTopic, oldSetter, oldAt
	})
	ch.Topic = topic
	ch.TopicSetBy = TopicSetter{User: u}
	ch.TopicSetAt = s.now()
	return nil
}

// ResolveMask resolves a PRIVMSG/NOTICE/etc. target: a channel-type-prefixed
// mask resolves to that channel's members (minus the caller), otherwise a
// nickname lookup is attempted.
func (s *ServerState) ResolveMask(conn *transport.Connection, mask string) (*MessageTarget, error) {
	if mask != "" && strings.IndexByte(s.cfg.ChannelTypes, mask[0]) >= 0 {
		ch := s.Channel(mask)
		if ch == nil {
			return nil, errNoSuchChannel(mask)
		}
		caller := s.usersByConn[conn]
		target := newChannelTarget(ch)
		if caller != nil {
			target = target.Exclude(caller)
		}
		return target, nil
	}
	u := s.UserByNick(mask)
	if u == nil {
		return nil, errNoSuchNick(mask)
	}
	return newUserTarget(u), nil
}

// Quit removes a user entirely: from every channel's membership, from the
// nickname index, and from the connection index.
func (s *ServerState) Quit(tx *Tx, conn *transport.Connection, message string) *User {
	u := s.usersByConn[conn]
	if u == nil {
		return nil
	}
	for _, ch := range append([]*Channel{}, u.Channels...) {
		s.removeMembership(tx, u, ch)
	}
	if u.Nickname != "" {
		mapDelete(tx, s.usersByNick, s.normalizeNick(u.Nickname))
	}
	mapDelete(tx, s.usersByConn, conn)

	old := u.State
	tx.record(func() { u.State = old })
	u.State = ConnQuitting

	oldMsg := u.QuitMessage
	tx.record(func() { u.QuitMessage = oldMsg })
	u.QuitMessage = message
	return u
}

// SetAway sets or clears a user's away message (empty clears it).
func (s *ServerState) SetAway(tx *Tx, conn *transport.Connection, message string) error {
	u := s.usersByConn[conn]
	if u == nil {
		return errNotRegistered()
	}
	setString(tx, &u.Away, message)
	return nil
}

// Invite records an outstanding invitation for target to join ch. Requires
// that the inviter is a member of ch.
func (s *ServerState) Invite(tx *Tx, conn *transport.Connection, nick, channel string) (*User, *Channel, error) {
	inviter := s.usersByConn[conn]
	if inviter == nil {
		return nil, nil, errNotRegistered()
	}
	ch := s.Channel(channel)
	if ch == nil {
		return nil, nil, errNoSuchChannel(channel)
	}
	if _, ok := ch.Members[inviter]; !ok {
		return nil, nil, errNotOnChannel(ch.Display)
	}
	target := s.UserByNick(nick)
	if target == nil {
		return nil, nil, errNoSuchNick(nick)
	}
	setAdd(tx, ch.Invited, target)
	setAdd(tx, target.Invited, ch)
	return target, ch, nil
}

// Kick forcibly removes target from ch. Requires the kicker hold at least
// OP in the channel.
func (s *ServerState) Kick(tx *Tx, conn *transport.Connection, channel, targetNick, reason string) (*User, *Channel, error) {
	kicker := s.usersByConn[conn]
	if kicker == nil {
		return nil, nil, errNotRegistered()
	}
	ch := s.Channel(channel)
	if ch == nil {
		return nil, nil, errNoSuchChannel(channel)
	}
	kms, ok := ch.Members[kicker]
	if !ok {
		return nil, nil, errNotOnChannel(ch.Display)
	}
	if kms.Highest() < ModeOp {
		return nil, nil, errChanOPrivsNeeded(ch.Display)
	}
	target := s.UserByNick(targetNick)
	if target == nil {
		return nil, nil, errNoSuchNick(targetNick)
	}
	if _, ok := ch.Members[target]; !ok {
		return nil, nil, errNotOnChannel(ch.Display)
	}
	s.removeMembership(tx, target, ch)
	return target, ch, nil
}

// GrantMode grants membership rank m to target in ch on behalf of granter.
// The granter's own highest rank must be at least m (CanGrant, spec
// §3 "canGrant").
func (s *ServerState) GrantMode(tx *Tx, conn *transport.Connection, channel, targetNick string, m MembershipMode) error {
	granter := s.usersByConn[conn]
	if granter == nil {
		return errNotRegistered()
	}
	ch := s.Channel(channel)
	if ch == nil {
		return errNoSuchChannel(channel)
	}
	gms, ok := ch.Members[granter]
	if !ok {
		return errNotOnChannel(ch.Display)
	}
	if !gms.CanGrant(m) {
		return errChanOPrivsNeeded(ch.Display)
	}
	target := s.UserByNick(targetNick)
	if target == nil {
		return errNoSuchNick(targetNick)
	}
	tms, ok := ch.Members[target]
	if !ok {
		return errNotOnChannel(ch.Display)
	}
	if tms.Has(m) {
		return noOp{}
	}
	tx.record(func() { delete(tms.ranks, m) })
	tms.ranks[m] = struct{}{}
	return nil
}

// RevokeMode is the inverse of GrantMode.
func (s *ServerState) RevokeMode(tx *Tx, conn *transport.Connection, channel, targetNick string, m MembershipMode) error {
	granter := s.usersByConn[conn]
	if granter == nil {
		return errNotRegistered()
	}
	ch := s.Channel(channel)
	if ch == nil {
		return errNoSuchChannel(channel)
	}
	gms, ok := ch.Members[granter]
	if !ok {
		return errNotOnChannel(ch.Display)
	}
	if !gms.CanGrant(m) {
		return errChanOPrivsNeeded(ch.Display)
	}
	target := s.UserByNick(targetNick)
	if target == nil {
		return errNoSuchNick(targetNick)
	}
	tms, ok := ch.Members[target]
	if !ok {
		return errNotOnChannel(ch.Display)
	}
	if !tms.Has(m) {
		return noOp{}
	}
	tx.record(func() { tms.ranks[m] = struct{}{} })
	delete(tms.ranks, m)
	return nil
}

// SetChannelFlag toggles one of the channel's boolean modes. Requires the
// caller hold at least OP.
func (s *ServerState) SetChannelFlag(tx *Tx, conn *transport.Connection, channel string, set func(*ChannelFlags, bool), value bool) error {
	u := s.usersByConn[conn]
	if u == nil {
		return errNotRegistered()
	}
	ch := s.Channel(channel)
	if ch == nil {
		return errNoSuchChannel(channel)
	}
	ms, ok := ch.Members[u]
	if !ok {
		return errNotOnChannel(ch.Display)
	}
	if ms.Highest() < ModeOp {
		return errChanOPrivsNeeded(ch.Display)
	}
	old := ch.Flags
	tx.record(func() { ch.Flags = old })
	set(&ch.Flags, value)
	return nil
}

// CanSpeak reports whether u may send a message to ch, applying the
// moderated / no-external-messages policies from spec §4.4.
func (s *ServerState) CanSpeak(u *User, ch *Channel) bool {
	ms, isMember := ch.Members[u]
	if ch.Flags.NoExternalMessage && !isMember {
		return false
	}
	if ch.Flags.Moderated {
		if !isMember {
			return false
		}
		if ms.Highest() < ModeVoice {
			return false
		}
	}
	return true
}

// VisibleTo reports whether ch should appear in listings shown to viewer
// (spec's "secret" policy: hidden from non-members and non-operators).
func (s *ServerState) VisibleTo(ch *Channel, viewer *User) bool {
	if !ch.Flags.Secret {
		return true
	}
	if viewer == nil {
		return false
	}
	if _, oper := viewer.Modes['o']; oper {
		return true
	}
	_, isMember := ch.Members[viewer]
	return isMember
}
