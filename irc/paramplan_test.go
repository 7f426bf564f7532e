package irc_test

import (
	"testing"

	"github.com/travisbritz/ircrelay/irc"
)

func TestParamPlan_basicDistribution(t *testing.T) {
	pp := irc.NewParamPlan(
		irc.ParamSlot{Name: "channel", ConsumeAtLeast: 1, ConsumeAtMost: 1},
		irc.ParamSlot{Name: "reason", ConsumeAtLeast: 0, ConsumeAtMost: 1, Default: "leaving"},
	)

	vals, err := pp.Extract(irc.Params{"#chan", "bye"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if vals[0] != "#chan" || vals[1] != "bye" {
		t.Fatalf("unexpected values: %v", vals)
	}

	vals, err = pp.Extract(irc.Params{"#chan"})
	if err != nil {
		t.Fatalf("Extract with default: %v", err)
	}
	if vals[1] != "leaving" {
		t.Fatalf("expected default to apply, got %q", vals[1])
	}
}

func TestParamPlan_tooFewParamsErrors(t *testing.T) {
	pp := irc.NewParamPlan(
		irc.ParamSlot{Name: "target", ConsumeAtLeast: 1, ConsumeAtMost: 1},
		irc.ParamSlot{Name: "text", ConsumeAtLeast: 1, ConsumeAtMost: 1},
	)
	if _, err := pp.Extract(irc.Params{"#chan"}); err == nil {
		t.Fatal("expected error when required params are missing")
	}
}

func TestSplitKeyValue(t *testing.T) {
	k, v, ok := irc.SplitKeyValue("account:alice")
	if !ok || k != "account" || v != "alice" {
		t.Fatalf("unexpected split result: %q %q %v", k, v, ok)
	}
	if _, _, ok := irc.SplitKeyValue("nocolon"); ok {
		t.Fatal("expected ok=false for missing ':'")
	}
}
