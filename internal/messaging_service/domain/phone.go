package domain

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidatePhone enforces E.164: '+' then 2-15 digits, first digit 1-9.
func ValidatePhone(phone string) error {
	if !e164Pattern.MatchString(phone) {
		return Validationf("phone number %q is not E.164", phone)
	}
	return nil
}

// NormalizePhone strips spaces, dashes and parentheses before validation.
func NormalizePhone(raw string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
}

// E164Tag is the validator tag registered by RegisterValidators.
const E164Tag = "e164strict"

// RegisterValidators adds the message-core tags to v.
func RegisterValidators(v *validator.Validate) error {
	return v.RegisterValidation(E164Tag, func(fl validator.FieldLevel) bool {
		return e164Pattern.MatchString(fl.Field().String())
	})
}
