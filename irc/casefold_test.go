package irc_test

import (
	"testing"

	"github.com/travisbritz/ircrelay/irc"
)

func TestNormalize_idempotent(t *testing.T) {
	cases := []struct {
		kind    irc.NormalizeKind
		mapping irc.CaseMapping
		input   string
	}{
		{irc.NormalizeNickname, irc.CaseMapASCII, "FooBar"},
		{irc.NormalizeNickname, irc.CaseMapRFC1459, "Foo[Bar]"},
		{irc.NormalizeChannel, irc.CaseMapRFC1459Strict, "#FooBar"},
		{irc.NormalizeChannel, irc.CaseMapRFC1459, "&Test~Chan"},
	}
	for _, c := range cases {
		once := irc.Normalize(c.kind, c.mapping, c.input)
		twice := irc.Normalize(c.kind, c.mapping, once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: %q != %q", c.input, once, twice)
		}
	}
}

func TestNormalize_preservesChannelPrefix(t *testing.T) {
	got := irc.Normalize(irc.NormalizeChannel, irc.CaseMapRFC1459, "#FooBar")
	if got[0] != '#' {
		t.Fatalf("expected channel prefix preserved, got %q", got)
	}
}

func TestEqualFold(t *testing.T) {
	if !irc.EqualFold(irc.NormalizeNickname, irc.CaseMapRFC1459, "Foo[Bar]", "foo{bar}") {
		t.Fatal("expected Foo[Bar] to fold-equal foo{bar} under rfc1459")
	}
	if irc.EqualFold(irc.NormalizeNickname, irc.CaseMapRFC1459Strict, "Foo~Bar", "foo^bar") {
		t.Fatal("rfc1459-strict must not fold ~ to ^")
	}
}
