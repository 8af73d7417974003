package threading

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxnlabs/zesval/internal/sysman"
	"github.com/fxnlabs/zesval/internal/validation"
)

func TestValidatorIsNoop(t *testing.T) {
	v := New()
	assert.Equal(t, validation.Threading, v.Variant())
	assert.Equal(t, "threading", v.Name())

	for _, sig := range sysman.Signatures() {
		c, ok := sysman.NewCall(sig.ID)
		require.True(t, ok)
		assert.True(t, v.Prologue(c).OK(), sig.Name)
		assert.True(t, v.Epilogue(c, sysman.ErrorUnknown).OK(), sig.Name)
	}
}
