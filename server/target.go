package server

import "github.com/travisbritz/ircrelay/irc"

// MessageTarget is a lazily materialized, composable recipient set. It is
// built from a base set (a single user, or a channel's members) and then
// narrowed with Exclude/Filter before Users() walks the live state
// to produce the final recipient list — so a target built early in a
// dispatch cycle still reflects membership changes made later in the same
// cycle, right up until it's materialized.
type MessageTarget struct {
	base     func() []*User
	excludes map[*User]struct{}
	filters  []func(*User) bool
}

func newUserTarget(u *User) *MessageTarget {
	return &MessageTarget{base: func() []*User { return []*User{u} }}
}

func newChannelTarget(ch *Channel) *MessageTarget {
	return &MessageTarget{
		base: func() []*User {
			users := make([]*User, 0, len(ch.Members))
			for u := range ch.Members {
				users = append(users, u)
			}
			return users
		},
	}
}

// Exclude removes u from the materialized set, regardless of whether it
// would otherwise be included. Typically used to exclude the sender of a
// PRIVMSG from its own channel echo.
func (t *MessageTarget) Exclude(u *User) *MessageTarget {
	clone := t.clone()
	if clone.excludes == nil {
		clone.excludes = make(map[*User]struct{})
	}
	clone.excludes[u] = struct{}{}
	return clone
}

// Filter narrows the set to users for which keep returns true.
func (t *MessageTarget) Filter(keep func(*User) bool) *MessageTarget {
	clone := t.clone()
	clone.filters = append(clone.filters, keep)
	return clone
}

// FilterAway narrows the set to users whose Away message is empty
// (drop away users) or non-empty (want == true keeps only away users).
func (t *MessageTarget) FilterAway(want bool) *MessageTarget {
	return t.Filter(func(u *User) bool { return (u.Away != "") == want })
}

func (t *MessageTarget) clone() *MessageTarget {
	c := &MessageTarget{base: t.base}
	if t.excludes != nil {
		c.excludes = make(map[*User]struct{}, len(t.excludes))
		for u := range t.excludes {
			c.excludes[u] = struct{}{}
		}
	}
	c.filters = append(c.filters, t.filters...)
	return c
}

// Users materializes the target against current state: base set, minus
// excludes, narrowed by every registered filter in order.
func (t *MessageTarget) Users() []*User {
	base := t.base()
	out := make([]*User, 0, len(base))
outer:
	for _, u := range base {
		if _, excluded := t.excludes[u]; excluded {
			continue
		}
		for _, f := range t.filters {
			if !f(u) {
				continue outer
			}
		}
		out = append(out, u)
	}
	return out
}

// Send delivers m to every materialized recipient.
func (t *MessageTarget) Send(m *irc.Message) {
	for _, u := range t.Users() {
		u.WriteMessage(m)
	}
}
