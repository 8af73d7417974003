package validation

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/zesval/internal/metrics"
	"github.com/fxnlabs/zesval/internal/sysman"
)

// Phase is the point in a call where a validator ran.
type Phase uint8

const (
	PhaseNone Phase = iota
	PhasePrologue
	PhaseEpilogue
)

func (p Phase) String() string {
	switch p {
	case PhasePrologue:
		return "prologue"
	case PhaseEpilogue:
		return "epilogue"
	default:
		return "none"
	}
}

// Report describes how one call went through the chain.
type Report struct {
	// Result is what the caller receives.
	Result sysman.Result
	// DriverResult is what the driver returned. Only set when Invoked.
	DriverResult sysman.Result
	Invoked      bool
	// Failure is the first failing outcome, if any, with the validator and
	// phase that produced it.
	Failure   Outcome
	Validator string
	Phase     Phase
}

// Dispatcher runs an ordered validator chain around driver calls. The chain
// is fixed at construction.
type Dispatcher struct {
	validators []Validator
	log        *zap.Logger
	metrics    *metrics.Metrics
}

// NewDispatcher builds a dispatcher over validators in the given order.
func NewDispatcher(log *zap.Logger, m *metrics.Metrics, validators ...Validator) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		validators: append([]Validator(nil), validators...),
		log:        log.Named("dispatcher"),
		metrics:    m,
	}
}

// Validators returns a copy of the chain.
func (d *Dispatcher) Validators() []Validator {
	return append([]Validator(nil), d.validators...)
}

// Invoke runs call through the chain and returns the caller visible result.
func (d *Dispatcher) Invoke(call *sysman.Call, fn sysman.DriverFunc) sysman.Result {
	return d.Dispatch(call, fn).Result
}

// Dispatch runs every prologue in order and stops at the first failure
// without calling fn. Otherwise it calls fn and runs every epilogue in the
// same order, stopping at the first failing epilogue, whose outcome replaces
// the driver result.
func (d *Dispatcher) Dispatch(call *sysman.Call, fn sysman.DriverFunc) Report {
	start := time.Now()
	rep := d.dispatch(call, fn)
	d.metrics.ObserveCall(call.Name(), rep.Result.String(), time.Since(start))
	return rep
}

func (d *Dispatcher) dispatch(call *sysman.Call, fn sysman.DriverFunc) Report {
	call.CaptureCounts()
	for _, v := range d.validators {
		out := d.guard(v, PhasePrologue, func() Outcome { return v.Prologue(call) })
		if !out.OK() {
			d.failed(call, v, PhasePrologue, out)
			return Report{Result: out.Result(), Failure: out, Validator: v.Name(), Phase: PhasePrologue}
		}
	}

	res := fn(call.Args)
	rep := Report{Result: res, DriverResult: res, Invoked: true}

	for _, v := range d.validators {
		out := d.guard(v, PhaseEpilogue, func() Outcome { return v.Epilogue(call, res) })
		if !out.OK() {
			d.failed(call, v, PhaseEpilogue, out)
			rep.Result = out.Result()
			rep.Failure = out
			rep.Validator = v.Name()
			rep.Phase = PhaseEpilogue
			return rep
		}
	}
	return rep
}

// guard turns a panicking hook into an InternalInconsistency outcome.
func (d *Dispatcher) guard(v Validator, phase Phase, hook func() Outcome) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Validator panicked",
				zap.String("validator", v.Name()),
				zap.Stringer("phase", phase),
				zap.Any("panic", r))
			out = Fail(InternalInconsistency, "", 0, "%s %s panicked: %v", v.Name(), phase, r)
		}
	}()
	return hook()
}

func (d *Dispatcher) failed(call *sysman.Call, v Validator, phase Phase, out Outcome) {
	d.metrics.ObserveFailure(v.Name(), out.Kind.String())
	fields := []zap.Field{
		zap.String("call", call.Name()),
		zap.String("validator", v.Name()),
		zap.Stringer("phase", phase),
		zap.Stringer("outcome", out.Kind),
		zap.Stringer("result", out.Result()),
	}
	if out.Param != "" {
		fields = append(fields, zap.String("param", out.Param))
	}
	if out.Handle != 0 {
		fields = append(fields, zap.Stringer("handle", out.Handle))
	}
	if out.Detail != "" {
		fields = append(fields, zap.String("detail", out.Detail))
	}
	d.log.Warn(fmt.Sprintf("Validation failed in %s", phase), fields...)
}
