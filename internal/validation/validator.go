package validation

import (
	"fmt"

	"github.com/fxnlabs/zesval/internal/sysman"
)

// Variant names a kind of validator.
type Variant uint8

const (
	Parameter Variant = iota
	HandleLifetime
	Threading
	Leak
)

var variantNames = map[Variant]string{
	Parameter:      "parameter",
	HandleLifetime: "handle_lifetime",
	Threading:      "threading",
	Leak:           "leak",
}

func (v Variant) String() string {
	if name, ok := variantNames[v]; ok {
		return name
	}
	return fmt.Sprintf("variant(%d)", uint8(v))
}

// Validator checks calls before and after they reach the driver.
//
// Prologue runs before the driver; a failing outcome stops the call.
// Epilogue runs after the driver with its result and may update state.
// Implementations must be safe for concurrent use.
type Validator interface {
	Name() string
	Variant() Variant
	Prologue(call *sysman.Call) Outcome
	Epilogue(call *sysman.Call, result sysman.Result) Outcome
}
