// Package invite validates invitation codes handed out by the dispatch service.
//
// A code is 14 characters: three hex digits, a dash, then ten hex digits.
// Hex digits are accepted in either case.
package invite

import (
	"errors"
	"strings"
)

const (
	// CodeLength is the exact length of a well-formed invite code.
	CodeLength = 14
	// SeparatorIndex is the position of the dash.
	SeparatorIndex = 3
	Separator      = '-'
)

// ErrMalformed is returned by Parse for input that is not an invite code.
var ErrMalformed = errors.New("invite code is malformed")

// IsValidInviteCode reports whether code is exactly 14 characters with a
// dash at index 3 and hex digits everywhere else.
func IsValidInviteCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if i == SeparatorIndex {
			if code[i] != Separator {
				return false
			}
			continue
		}
		if !isHexDigit(code[i]) {
			return false
		}
	}
	return true
}

// Normalize strips the whitespace an input field may carry around a code.
func Normalize(input string) string {
	return strings.TrimSpace(input)
}

// Parse normalizes input and validates it.
func Parse(input string) (string, error) {
	code := Normalize(input)
	if !IsValidInviteCode(code) {
		return "", ErrMalformed
	}
	return code, nil
}

func isHexDigit(c byte) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'a' && c <= 'f':
		return true
	case c >= 'A' && c <= 'F':
		return true
	}
	return false
}
