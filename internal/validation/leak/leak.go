// Package leak implements the basic leak checker: it balances successful
// create and destroy calls per object family.
package leak

import (
	"sync/atomic"

	"github.com/fxnlabs/zesval/internal/handle"
	"github.com/fxnlabs/zesval/internal/sysman"
	"github.com/fxnlabs/zesval/internal/validation"
)

type counts struct {
	created   atomic.Int64
	destroyed atomic.Int64
}

// Checker counts create and destroy calls. The family set is fixed at
// construction so counting never writes the map.
type Checker struct {
	families []string
	counts   map[string]*counts
}

var _ validation.Validator = (*Checker)(nil)

// New creates a checker for every family the catalog can create and destroy.
func New() *Checker {
	c := &Checker{
		families: sysman.Families(),
		counts:   make(map[string]*counts),
	}
	for _, f := range c.families {
		c.counts[f] = &counts{}
	}
	return c
}

func (c *Checker) Name() string { return "basic_leak" }

func (c *Checker) Variant() validation.Variant { return validation.Leak }

func (c *Checker) Prologue(*sysman.Call) validation.Outcome { return validation.Pass() }

func (c *Checker) Epilogue(call *sysman.Call, result sysman.Result) validation.Outcome {
	if result != sysman.Success {
		return validation.Pass()
	}
	n, ok := c.counts[call.Sig.Family]
	if !ok {
		return validation.Pass()
	}
	switch call.Sig.Semantics {
	case sysman.Create:
		n.created.Add(1)
	case sysman.Destroy:
		n.destroyed.Add(1)
	}
	return validation.Pass()
}

// Balance is the create/destroy tally of one family.
type Balance struct {
	Family    string `json:"family"`
	Created   int64  `json:"created"`
	Destroyed int64  `json:"destroyed"`
}

// Leaked returns how many more objects were created than destroyed.
func (b Balance) Leaked() int64 {
	return b.Created - b.Destroyed
}

// Balances returns the tally of every family in name order.
func (c *Checker) Balances() []Balance {
	out := make([]Balance, 0, len(c.families))
	for _, f := range c.families {
		n := c.counts[f]
		out = append(out, Balance{Family: f, Created: n.created.Load(), Destroyed: n.destroyed.Load()})
	}
	return out
}

// Report returns a HandleLeakSuspected outcome for each family with more
// creates than destroys.
func (c *Checker) Report() []validation.Outcome {
	var out []validation.Outcome
	for _, b := range c.Balances() {
		if b.Leaked() > 0 {
			out = append(out, validation.Fail(validation.HandleLeakSuspected, b.Family, handle.Null,
				"%d created, %d destroyed", b.Created, b.Destroyed))
		}
	}
	return out
}
