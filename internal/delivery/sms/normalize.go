package sms

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// ErrInvalidNumber is returned for numbers that cannot be normalized.
var ErrInvalidNumber = errors.New("invalid phone number")

// Normalize converts num to E.164. Without a default region the number
// must carry a leading '+'.
func Normalize(num, defaultRegion string) (string, error) {
	num = strings.TrimSpace(num)
	if num == "" {
		return "", fmt.Errorf("%w: missing number", ErrInvalidNumber)
	}
	if defaultRegion == "" && num[0] != '+' {
		return "", fmt.Errorf("%w: %q is not in E.164 format", ErrInvalidNumber, num)
	}

	parsed, err := phonenumbers.Parse(num, strings.ToUpper(defaultRegion))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidNumber, err)
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, num)
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}
