// Package params implements the parameter validator: null handles, null
// pointers, out of range enumerators and count/array sizes.
package params

import (
	"reflect"

	"github.com/fxnlabs/zesval/internal/handle"
	"github.com/fxnlabs/zesval/internal/sysman"
	"github.com/fxnlabs/zesval/internal/validation"
)

// Validator checks arguments against the call signature in parameter order.
// It keeps no state.
type Validator struct{}

var _ validation.Validator = Validator{}

func New() Validator { return Validator{} }

func (Validator) Name() string { return "parameter" }

func (Validator) Variant() validation.Variant { return validation.Parameter }

func (Validator) Prologue(call *sysman.Call) validation.Outcome {
	for i, p := range call.Sig.Params {
		if out := check(call, p, call.Arg(i)); !out.OK() {
			return out
		}
	}
	return validation.Pass()
}

func (Validator) Epilogue(*sysman.Call, sysman.Result) validation.Outcome {
	return validation.Pass()
}

func check(call *sysman.Call, p sysman.Param, arg sysman.Arg) validation.Outcome {
	switch p.Kind {
	case sysman.ParamHandle:
		if arg.Handle == handle.Null && !p.Optional {
			return validation.Fail(validation.InvalidNullHandle, p.Name, handle.Null, "handle is null")
		}
	case sysman.ParamHandleOut:
		if arg.Out == nil && !p.Optional {
			return validation.Fail(validation.InvalidNullPointer, p.Name, handle.Null, "output location is null")
		}
	case sysman.ParamCount:
		if arg.Count == nil && !p.Optional {
			return validation.Fail(validation.InvalidNullPointer, p.Name, handle.Null, "count pointer is null")
		}
	case sysman.ParamPointer:
		if isNil(arg.Ptr) && !p.Optional {
			return validation.Fail(validation.InvalidNullPointer, p.Name, handle.Null, "pointer is null")
		}
	case sysman.ParamEnum:
		if arg.Value > p.Max {
			return validation.Fail(validation.InvalidEnumeration, p.Name, handle.Null, "%d is above %d", arg.Value, p.Max)
		}
	case sysman.ParamHandleArray:
		return checkArray(call, p, arg)
	}
	return validation.Pass()
}

func checkArray(call *sysman.Call, p sysman.Param, arg sysman.Arg) validation.Outcome {
	if arg.Handles == nil {
		if p.Optional {
			return validation.Pass()
		}
		return validation.Fail(validation.InvalidNullPointer, p.Name, handle.Null, "array is null")
	}
	countArg := call.Arg(p.Count)
	var n uint64
	if call.Sig.Params[p.Count].Kind == sysman.ParamCount {
		if countArg.Count == nil {
			return validation.Fail(validation.InvalidNullPointer, call.Sig.Params[p.Count].Name, handle.Null,
				"count pointer is null while %s is set", p.Name)
		}
		n = uint64(*countArg.Count)
	} else {
		n = countArg.Value
	}
	if n > uint64(len(arg.Handles)) {
		return validation.Fail(validation.InvalidSize, p.Name, handle.Null,
			"count %d exceeds array length %d", n, len(arg.Handles))
	}
	if p.Dir == sysman.In {
		for _, h := range arg.Handles[:n] {
			if h == handle.Null {
				return validation.Fail(validation.InvalidNullHandle, p.Name, handle.Null, "array holds a null handle")
			}
		}
	}
	return validation.Pass()
}

// isNil reports whether v is nil or a nil pointer, slice, map, func or
// channel stored in an interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan, reflect.Interface, reflect.UnsafePointer:
		return rv.IsNil()
	}
	return false
}
