// Package lifetime tracks handles produced by successful calls and rejects
// calls that pass handles which are unknown, invalidated or owned by another
// object.
package lifetime

import (
	"go.uber.org/zap"

	"github.com/fxnlabs/zesval/internal/handle"
	"github.com/fxnlabs/zesval/internal/metrics"
	"github.com/fxnlabs/zesval/internal/sysman"
	"github.com/fxnlabs/zesval/internal/validation"
)

// Validator is the handle lifetime validator.
type Validator struct {
	graph   *handle.Graph
	reg     *handle.Registry
	log     *zap.Logger
	metrics *metrics.Metrics
}

var _ validation.Validator = (*Validator)(nil)

// New creates a validator that records state in g.
func New(g *handle.Graph, log *zap.Logger, m *metrics.Metrics) *Validator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Validator{
		graph:   g,
		reg:     g.Registry(),
		log:     log.Named("lifetime"),
		metrics: m,
	}
}

func (v *Validator) Name() string { return "handle_lifetime" }

func (v *Validator) Variant() validation.Variant { return validation.HandleLifetime }

// Prologue checks every [in] handle and handle array element for liveness,
// type and, when the signature names an owner, ownership.
func (v *Validator) Prologue(call *sysman.Call) validation.Outcome {
	call.CaptureCounts()
	for i, p := range call.Sig.Params {
		if p.Dir != sysman.In {
			continue
		}
		arg := call.Arg(i)
		switch p.Kind {
		case sysman.ParamHandle:
			if arg.Handle == handle.Null && p.Optional {
				continue
			}
			if out := v.checkHandle(call, p, arg.Handle); !out.OK() {
				return out
			}
		case sysman.ParamHandleArray:
			for _, h := range arg.Handles[:boundedCount(call, p, len(arg.Handles))] {
				if out := v.checkHandle(call, p, h); !out.OK() {
					return out
				}
			}
		}
	}
	return validation.Pass()
}

func (v *Validator) checkHandle(call *sysman.Call, p sysman.Param, h handle.Handle) validation.Outcome {
	info, ok := v.reg.Lookup(h)
	switch {
	case !ok:
		return validation.Fail(validation.InvalidHandle, p.Name, h, "unknown handle")
	case !info.Live:
		return validation.Fail(validation.InvalidHandle, p.Name, h, "handle was invalidated")
	case p.Type != handle.TypeUnknown && info.Type != handle.TypeUnknown && p.Type != info.Type:
		return validation.Fail(validation.InvalidHandle, p.Name, h, "%s handle passed as %s", info.Type, p.Type)
	}
	if p.Owner == sysman.NoParam {
		return validation.Pass()
	}
	owner := call.Arg(p.Owner).Handle
	if !info.HasParent || info.Parent != owner {
		return validation.Fail(validation.DependencyViolation, p.Name, h,
			"owned by %s, expected %s", parentString(info), owner)
	}
	return validation.Pass()
}

func parentString(info handle.Info) string {
	if !info.HasParent {
		return "nothing"
	}
	return info.Parent.String()
}

// boundedCount returns how many elements of a handle array the call covers.
func boundedCount(call *sysman.Call, p sysman.Param, n int) int {
	if p.Count == sysman.NoParam {
		return n
	}
	arg := call.Arg(p.Count)
	var c uint64
	switch call.Sig.Params[p.Count].Kind {
	case sysman.ParamCount:
		if arg.Count == nil {
			return n
		}
		c = uint64(*arg.Count)
	default:
		c = arg.Value
	}
	if c < uint64(n) {
		return int(c)
	}
	return n
}

// writtenCount returns how many elements of an [in,out] handle array the
// driver filled: no more than the caller offered, the driver reported or
// the array holds. A caller count of zero is the count-only phase of a
// two-phase enumeration and nothing is written.
func writtenCount(call *sysman.Call, p sysman.Param, n int) int {
	n = boundedCount(call, p, n)
	if p.Count == sysman.NoParam {
		return n
	}
	if in, ok := call.InCount(p.Count); ok && uint64(in) < uint64(n) {
		return int(in)
	}
	return n
}

// Epilogue updates tracked state after a successful call. Failed calls
// change nothing.
func (v *Validator) Epilogue(call *sysman.Call, result sysman.Result) validation.Outcome {
	if result != sysman.Success {
		return validation.Pass()
	}
	switch call.Sig.Semantics {
	case sysman.Enumerate:
		return v.enumerated(call)
	case sysman.Create, sysman.LookupChild:
		return v.produced(call)
	case sysman.Destroy, sysman.Reset:
		return v.invalidated(call)
	default:
		return validation.Pass()
	}
}

func (v *Validator) owner(call *sysman.Call, p sysman.Param) (handle.Handle, bool) {
	if p.Owner == sysman.NoParam {
		return handle.Null, false
	}
	return call.Arg(p.Owner).Handle, true
}

func (v *Validator) add(owner handle.Handle, hasOwner bool, h handle.Handle, typ handle.Type) (bool, error) {
	fresh := !v.reg.IsLive(h)
	var err error
	if hasOwner {
		err = v.graph.AddChild(owner, h, typ)
	} else {
		err = v.graph.AddRoot(h, typ)
	}
	return fresh && err == nil, err
}

func (v *Validator) enumerated(call *sysman.Call) validation.Outcome {
	idx := call.Sig.Produces()
	p := call.Sig.Params[idx]
	arg := call.Arg(idx)
	owner, hasOwner := v.owner(call, p)
	var count *uint32
	if p.Count != sysman.NoParam {
		count = call.Arg(p.Count).Count
	}
	if in, ok := call.InCount(p.Count); arg.Handles == nil || (ok && in == 0) {
		// Count-only phase: the buffer, if any, holds nothing from this call.
		// A new discovery round through this storage starts here.
		v.graph.ForgetEnumeration(handle.AddressOf(count))
		return validation.Pass()
	}
	written := arg.Handles[:writtenCount(call, p, len(arg.Handles))]

	out := validation.Pass()
	registered := 0
	tracked := make([]handle.Handle, 0, len(written))
	for _, h := range written {
		if h == handle.Null {
			if out.OK() {
				out = validation.Fail(validation.InternalInconsistency, p.Name, h, "driver wrote a null handle")
			}
			continue
		}
		fresh, err := v.add(owner, hasOwner, h, p.Type)
		if err != nil {
			if out.OK() {
				out = validation.Fail(validation.InternalInconsistency, p.Name, h, "%v", err)
			}
			continue
		}
		if fresh {
			registered++
		}
		tracked = append(tracked, h)
	}

	if stale := v.graph.TrackEnumeration(handle.AddressOf(count), owner, tracked); len(stale) > 0 {
		v.log.Warn("Enumeration returned fewer handles than the previous one through the same count",
			zap.String("call", call.Name()),
			zap.Stringer("owner", owner),
			zap.Stringers("missing", stale))
	}

	v.log.Debug("Registered enumerated handles",
		zap.String("call", call.Name()),
		zap.Stringer("owner", owner),
		zap.Int("written", len(written)),
		zap.Int("new", registered))
	v.metrics.ObserveHandles(registered, 0, v.reg.LiveCount())
	return out
}

func (v *Validator) produced(call *sysman.Call) validation.Outcome {
	idx := call.Sig.Produces()
	p := call.Sig.Params[idx]
	arg := call.Arg(idx)
	if arg.Out == nil {
		return validation.Fail(validation.InternalInconsistency, p.Name, handle.Null, "call succeeded without an output location")
	}
	h := *arg.Out
	if h == handle.Null {
		return validation.Fail(validation.InternalInconsistency, p.Name, h, "driver wrote a null handle")
	}
	owner, hasOwner := v.owner(call, p)
	fresh, err := v.add(owner, hasOwner, h, p.Type)
	if err != nil {
		return validation.Fail(validation.InternalInconsistency, p.Name, h, "%v", err)
	}
	n := 0
	if fresh {
		n = 1
	}
	v.log.Debug("Registered handle",
		zap.String("call", call.Name()),
		zap.Stringer("handle", h),
		zap.Stringer("owner", owner))
	v.metrics.ObserveHandles(n, 0, v.reg.LiveCount())
	return validation.Pass()
}

func (v *Validator) invalidated(call *sysman.Call) validation.Outcome {
	target := call.Arg(call.Sig.Target).Handle
	gone := v.graph.InvalidateSubtree(target)
	v.log.Debug("Invalidated handles",
		zap.String("call", call.Name()),
		zap.Stringer("target", target),
		zap.Int("count", len(gone)))
	v.metrics.ObserveHandles(0, len(gone), v.reg.LiveCount())
	return validation.Pass()
}
