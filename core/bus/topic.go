package bus

import (
	"errors"
	"fmt"
	"strings"
)

// Topics follow the subject convention "<aggregate_type>.<event_type>".
// Patterns use NATS-style tokens: "*" matches exactly one token, ">" matches
// one or more trailing tokens and is only valid as the last token.

var ErrInvalidPattern = errors.New("invalid topic pattern")

// ValidatePattern checks that pattern is well-formed.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	tokens := strings.Split(pattern, ".")
	for i, tok := range tokens {
		if tok == "" {
			return fmt.Errorf("%w: empty token in %q", ErrInvalidPattern, pattern)
		}
		if tok == ">" && i != len(tokens)-1 {
			return fmt.Errorf("%w: %q may only end with '>'", ErrInvalidPattern, pattern)
		}
	}
	return nil
}

// Match reports whether topic matches pattern.
func Match(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if topic == "" {
		return false
	}
	pt := strings.Split(pattern, ".")
	tt := strings.Split(topic, ".")
	for i, p := range pt {
		if p == ">" {
			return i < len(tt)
		}
		if i >= len(tt) {
			return false
		}
		if p != "*" && p != tt[i] {
			return false
		}
	}
	return len(pt) == len(tt)
}
