package pipeline

import (
	"fmt"
	"regexp"

	"github.com/dispatchkit/dispatchkit/pkg/errors"
)

// DefaultRedactionMarker replaces redacted output spans.
const DefaultRedactionMarker = "[REDACTED]"

// builtinDenyPatterns reject inbound arguments carrying injection or
// traversal payloads. They run against the raw argument bytes before any
// provider sees them.
var builtinDenyPatterns = []string{
	`(?i)<\s*script`,
	`(?i)javascript\s*:`,
	`\.\./`,
	`\x00`,
}

// credentialPattern scrubs key-value shaped secrets from outbound payloads.
// The value part stops at quotes and whitespace so redaction never breaks
// the JSON framing around string values.
var credentialPattern = regexp.MustCompile(
	`(?i)(token|secret|password|api[_-]?key|authorization|credential)(\s*[:=]\s*)[^"'\s]+`)

// pathPattern scrubs server filesystem locations from outbound payloads.
var pathPattern = regexp.MustCompile(
	`(?:/(?:home|etc|var|root|usr/local)(?:/[A-Za-z0-9._-]+)+)`)

// Sanitizer screens inbound arguments and scrubs outbound payloads.
type Sanitizer struct {
	deny   []*regexp.Regexp
	redact []*regexp.Regexp
	marker string
}

// NewSanitizer compiles the built-in patterns plus any extras. Extra deny
// patterns reject additional input; extra redact patterns scrub additional
// output with the plain marker.
func NewSanitizer(extraDeny, extraRedact []string, marker string) (*Sanitizer, error) {
	if marker == "" {
		marker = DefaultRedactionMarker
	}

	s := &Sanitizer{marker: marker, redact: []*regexp.Regexp{pathPattern}}
	for _, pattern := range append(append([]string{}, builtinDenyPatterns...), extraDeny...) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile deny pattern %q: %w", pattern, err)
		}
		s.deny = append(s.deny, re)
	}
	for _, pattern := range extraRedact {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile redact pattern %q: %w", pattern, err)
		}
		s.redact = append(s.redact, re)
	}
	return s, nil
}

// ScreenInput rejects input matching any deny pattern. The error names the
// field so the caller knows what to fix without echoing the payload back.
func (s *Sanitizer) ScreenInput(field string, data []byte) error {
	for _, re := range s.deny {
		if re.Match(data) {
			return errors.Validation("input contains disallowed content", field)
		}
	}
	return nil
}

// ScrubOutput replaces every redaction match in data. Credential matches
// keep the key and separator so the surrounding structure stays readable.
func (s *Sanitizer) ScrubOutput(data []byte) []byte {
	out := credentialPattern.ReplaceAll(data, []byte("${1}${2}"+s.marker))
	for _, re := range s.redact {
		out = re.ReplaceAll(out, []byte(s.marker))
	}
	return out
}
