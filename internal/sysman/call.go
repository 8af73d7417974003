package sysman

import "github.com/fxnlabs/zesval/internal/handle"

// Arg carries one parameter value. Only the field matching the parameter
// kind is read.
type Arg struct {
	Handle  handle.Handle
	Handles []handle.Handle
	Out     *handle.Handle
	Count   *uint32
	Ptr     any
	Value   uint64
}

// Call is one invocation of an entry point.
type Call struct {
	Sig  *Signature
	Args []Arg

	// inCounts holds the values behind count pointers as the caller passed
	// them, keyed by parameter index.
	inCounts map[int]uint32
}

// NewCall builds a call for id from the catalog. It returns false for ids
// the catalog does not describe.
func NewCall(id CallID, args ...Arg) (*Call, bool) {
	sig, ok := Lookup(id)
	if !ok {
		return nil, false
	}
	return &Call{Sig: sig, Args: args}, true
}

// Arg returns argument i, or the zero Arg when the caller passed fewer
// arguments than the signature declares.
func (c *Call) Arg(i int) Arg {
	if i < 0 || i >= len(c.Args) {
		return Arg{}
	}
	return c.Args[i]
}

// CaptureCounts records the current value of every non-null count
// parameter. Only the first capture is kept, so it must happen before the
// driver runs.
func (c *Call) CaptureCounts() {
	if c.inCounts != nil || c.Sig == nil {
		return
	}
	c.inCounts = make(map[int]uint32)
	for i, p := range c.Sig.Params {
		if p.Kind != ParamCount {
			continue
		}
		if n := c.Arg(i).Count; n != nil {
			c.inCounts[i] = *n
		}
	}
}

// InCount returns the value the caller passed through count parameter i.
// It reports false when counts were not captured or the pointer was null.
func (c *Call) InCount(i int) (uint32, bool) {
	n, ok := c.inCounts[i]
	return n, ok
}

// Name returns the entry point name.
func (c *Call) Name() string {
	if c.Sig == nil {
		return "unknown"
	}
	return c.Sig.Name
}

// DriverFunc is a real driver entry point.
type DriverFunc func(args []Arg) Result

// Table maps entry points to the driver functions behind them. It is
// filled once when the layer is initialized.
type Table map[CallID]DriverFunc

// H wraps an input handle.
func H(h handle.Handle) Arg { return Arg{Handle: h} }

// Hs wraps a handle array. A nil slice is the null array.
func Hs(hs []handle.Handle) Arg { return Arg{Handles: hs} }

// HOut wraps a handle output location.
func HOut(out *handle.Handle) Arg { return Arg{Out: out} }

// N wraps a count pointer.
func N(count *uint32) Arg { return Arg{Count: count} }

// P wraps any other pointer.
func P(ptr any) Arg { return Arg{Ptr: ptr} }

// V wraps a scalar or enumerator.
func V(v uint64) Arg { return Arg{Value: v} }
