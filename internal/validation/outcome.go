package validation

import (
	"fmt"

	"github.com/fxnlabs/zesval/internal/handle"
	"github.com/fxnlabs/zesval/internal/sysman"
)

// Kind classifies a validator outcome.
type Kind uint8

const (
	OK Kind = iota
	// InvalidHandle: an [in] handle is unknown or was invalidated.
	InvalidHandle
	// DependencyViolation: a handle is used under an owner it does not
	// belong to.
	DependencyViolation
	// HandleLeakSuspected: a handle is still live at teardown. Only
	// produced by teardown reports.
	HandleLeakSuspected
	// InternalInconsistency: the driver or the engine broke an invariant.
	InternalInconsistency
	InvalidNullHandle
	InvalidNullPointer
	InvalidSize
	InvalidEnumeration
)

var kinds = map[Kind]struct {
	name   string
	result sysman.Result
}{
	OK:                    {"ok", sysman.Success},
	InvalidHandle:         {"invalid_handle", sysman.ErrorInvalidNullHandle},
	DependencyViolation:   {"dependency_violation", sysman.ErrorInvalidArgument},
	HandleLeakSuspected:   {"handle_leak_suspected", sysman.ErrorHandleObjectInUse},
	InternalInconsistency: {"internal_inconsistency", sysman.ErrorUnknown},
	InvalidNullHandle:     {"invalid_null_handle", sysman.ErrorInvalidNullHandle},
	InvalidNullPointer:    {"invalid_null_pointer", sysman.ErrorInvalidNullPointer},
	InvalidSize:           {"invalid_size", sysman.ErrorInvalidSize},
	InvalidEnumeration:    {"invalid_enumeration", sysman.ErrorInvalidEnumeration},
}

func (k Kind) String() string {
	if d, ok := kinds[k]; ok {
		return d.name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Result returns the status code a call fails with for k.
func (k Kind) Result() sysman.Result {
	if d, ok := kinds[k]; ok {
		return d.result
	}
	return sysman.ErrorUnknown
}

// Outcome is the verdict of one validator hook.
type Outcome struct {
	Kind   Kind          `json:"kind"`
	Handle handle.Handle `json:"handle,omitempty"`
	Param  string        `json:"param,omitempty"`
	Detail string        `json:"detail,omitempty"`
}

// Pass is the successful outcome.
func Pass() Outcome {
	return Outcome{}
}

// Fail builds a failing outcome.
func Fail(kind Kind, param string, h handle.Handle, format string, args ...any) Outcome {
	return Outcome{Kind: kind, Handle: h, Param: param, Detail: fmt.Sprintf(format, args...)}
}

// OK reports whether the outcome lets the call proceed.
func (o Outcome) OK() bool {
	return o.Kind == OK
}

// Result returns the status code for o.
func (o Outcome) Result() sysman.Result {
	return o.Kind.Result()
}

func (o Outcome) String() string {
	if o.OK() {
		return "ok"
	}
	s := o.Kind.String()
	if o.Param != "" {
		s += " " + o.Param
	}
	if o.Handle != handle.Null {
		s += " " + o.Handle.String()
	}
	if o.Detail != "" {
		s += ": " + o.Detail
	}
	return s
}
