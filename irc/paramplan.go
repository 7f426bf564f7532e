package irc

import (
	"fmt"
	"strings"
)

// ParamSlot declares one positional slot in a ParamPlan: it will consume
// between consumeAtLeast and consumeAtMost of the message's remaining
// parameters, and yields defaultValue if it ends up consuming zero.
//
// Splitting extractors (e.g. a "key:value" parameter) are represented by a
// pair of slots that jointly claim 0 or 1 parameter; see SplitPair.
type ParamSlot struct {
	Name           string
	ConsumeAtLeast int
	ConsumeAtMost  int
	Default        string
}

// ParamPlan is a declarative description of how a command's parameters map
// onto named slots, used instead of hand-written positional indexing so
// command handlers can be generalized independent of wire encoding quirks.
type ParamPlan struct {
	slots []ParamSlot
}

// NewParamPlan builds a ParamPlan from slots, in order.
func NewParamPlan(slots ...ParamSlot) *ParamPlan {
	return &ParamPlan{slots: slots}
}

// Span is the inclusive parameter range (1-indexed, into Params) assigned to
// one slot. Start > End means the slot was assigned zero parameters.
type Span struct {
	Start, End int
}

// Plan computes each slot's Span against the given parameter count, per
// spec's three-step algorithm:
//  1. Assign each slot its ConsumeAtLeast; error if the total exceeds count.
//  2. Distribute remaining parameters left-to-right, each slot taking up to
//     ConsumeAtMost-ConsumeAtLeast additional parameters.
//  3. Slots left with zero parameters yield their declared default later,
//     via Extract.
func (pp *ParamPlan) Plan(count int) ([]Span, error) {
	spans := make([]Span, len(pp.slots))
	assigned := make([]int, len(pp.slots))

	var minTotal int
	for _, s := range pp.slots {
		minTotal += s.ConsumeAtLeast
	}
	if minTotal > count {
		return nil, fmt.Errorf("paramplan: need at least %d parameters, got %d", minTotal, count)
	}

	for i, s := range pp.slots {
		assigned[i] = s.ConsumeAtLeast
	}

	remaining := count - minTotal
	for i, s := range pp.slots {
		if remaining <= 0 {
			break
		}
		room := s.ConsumeAtMost - s.ConsumeAtLeast
		if room <= 0 {
			continue
		}
		take := room
		if take > remaining {
			take = remaining
		}
		assigned[i] += take
		remaining -= take
	}

	pos := 1
	for i, n := range assigned {
		if n == 0 {
			spans[i] = Span{Start: pos, End: pos - 1}
			continue
		}
		spans[i] = Span{Start: pos, End: pos + n - 1}
		pos += n
	}
	return spans, nil
}

// Extract evaluates the plan against params and returns one string per slot,
// substituting each slot's declared default when its span is empty.
// Multi-parameter spans are joined with a single space, which is correct for
// any slot whose ConsumeAtMost > 1 since such slots only ever appear last
// (the trailing/greedy slot) in a well-formed plan.
func (pp *ParamPlan) Extract(params Params) ([]string, error) {
	spans, err := pp.Plan(len(params))
	if err != nil {
		return nil, err
	}
	out := make([]string, len(pp.slots))
	for i, sp := range spans {
		if sp.Start > sp.End {
			out[i] = pp.slots[i].Default
			continue
		}
		if sp.Start == sp.End {
			out[i] = params.Get(sp.Start)
			continue
		}
		joined := strings.Join(params.Slice(sp.Start, sp.End), " ")
		out[i] = joined
	}
	return out, nil
}

// SplitPair declares two slots that jointly claim exactly 0 or 1 parameter,
// where the parameter (if present) is of the form "key" or "key:value".
// It is a convenience for registering a splitting extractor as described in
// spec's ProtocolDSL.
func SplitPair(keyName, valueName string) (ParamSlot, ParamSlot) {
	return ParamSlot{Name: keyName, ConsumeAtLeast: 0, ConsumeAtMost: 1},
		ParamSlot{Name: valueName, ConsumeAtLeast: 0, ConsumeAtMost: 0}
}

// SplitKeyValue splits a "key:value" parameter into its two parts. If value
// is absent (no colon), ok reports whether a value component was present.
func SplitKeyValue(param string) (key, value string, ok bool) {
	for i := 0; i < len(param); i++ {
		if param[i] == ':' {
			return param[:i], param[i+1:], true
		}
	}
	return param, "", false
}
