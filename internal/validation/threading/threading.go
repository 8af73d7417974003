// Package threading holds the threading validator. It does not check
// anything yet; it exists so the chain carries the variant explicitly.
package threading

import (
	"github.com/fxnlabs/zesval/internal/sysman"
	"github.com/fxnlabs/zesval/internal/validation"
)

type Validator struct{}

var _ validation.Validator = Validator{}

func New() Validator { return Validator{} }

func (Validator) Name() string { return "threading" }

func (Validator) Variant() validation.Variant { return validation.Threading }

func (Validator) Prologue(*sysman.Call) validation.Outcome { return validation.Pass() }

func (Validator) Epilogue(*sysman.Call, sysman.Result) validation.Outcome { return validation.Pass() }
