package chat

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxBodyBytes = 4096 // max encoded size of a message body
	MaxBodyChars = 2000 // max character count
)

// ErrInvalidMessage wraps every body validation failure.
var ErrInvalidMessage = errors.New("chat: invalid message")

// ValidateMessage checks that a message body meets content requirements
// before it is appended to a session log.
func ValidateMessage(body string) error {
	if len(body) == 0 {
		return fmt.Errorf("%w: body is empty", ErrInvalidMessage)
	}
	if len(body) > MaxBodyBytes {
		return fmt.Errorf("%w: body exceeds %d byte limit", ErrInvalidMessage, MaxBodyBytes)
	}
	if utf8.RuneCountInString(body) > MaxBodyChars {
		return fmt.Errorf("%w: body exceeds %d character limit", ErrInvalidMessage, MaxBodyChars)
	}
	if !utf8.ValidString(body) {
		return fmt.Errorf("%w: body contains invalid UTF-8", ErrInvalidMessage)
	}
	return nil
}
