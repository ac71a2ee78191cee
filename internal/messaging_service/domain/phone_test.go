package domain

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePhone(t *testing.T) {
	valid := []string{"+14155550100", "+12", "+989121234567", "+123456789012345"}
	invalid := []string{"", "14155550100", "+04155550100", "+1", "+1234567890123456", "+1 415 555", "+1415abc"}

	for _, p := range valid {
		assert.NoError(t, ValidatePhone(p), p)
	}
	for _, p := range invalid {
		assert.ErrorIs(t, ValidatePhone(p), ErrValidation, p)
	}
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "+14155550100", NormalizePhone(" +1 (415) 555-0100 "))
}

func TestRegisterValidators(t *testing.T) {
	v := validator.New()
	require.NoError(t, RegisterValidators(v))

	type req struct {
		To string `validate:"required,e164strict"`
	}
	assert.NoError(t, v.Struct(req{To: "+14155550100"}))
	assert.Error(t, v.Struct(req{To: "0912"}))
}
