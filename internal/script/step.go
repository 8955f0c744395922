package script

import (
	"fmt"
	"strconv"
	"time"
)

// Kind discriminates the two step shapes the engine executes. Branches are
// resolved while rendering and never reach the engine.
type Kind int

const (
	KindExpect Kind = iota
	KindSend
)

func (k Kind) String() string {
	switch k {
	case KindExpect:
		return "expect"
	case KindSend:
		return "send"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// DefaultTerminator ends every Send unless the step is raw.
const DefaultTerminator = "\n"

// Step is one instruction of a rendered script.
type Step struct {
	Kind Kind

	// Pattern is a glob where '*' matches any run of bytes (Expect only).
	Pattern string
	// Timeout bounds the wait for Pattern; zero defers to the engine default.
	Timeout time.Duration

	// Text is written verbatim, followed by Terminator (Send only).
	Text       string
	Terminator string
	// Secret keeps Text out of structured logs and rendered listings.
	Secret bool
}

// Expect waits for pattern with the engine's default timeout.
func Expect(pattern string) Step {
	return Step{Kind: KindExpect, Pattern: pattern}
}

// Send writes text followed by a newline.
func Send(text string) Step {
	return Step{Kind: KindSend, Text: text, Terminator: DefaultTerminator}
}

// SendRaw writes text with no terminator, for input that continues in a
// later step.
func SendRaw(text string) Step {
	return Step{Kind: KindSend, Text: text}
}

// WithTimeout returns a copy of s with an explicit Expect timeout.
func (s Step) WithTimeout(timeout time.Duration) Step {
	s.Timeout = timeout
	return s
}

// AsSecret returns a copy of s whose payload is redacted in logs.
func (s Step) AsSecret() Step {
	s.Secret = true
	return s
}

// Payload returns the bytes a Send step puts on the wire.
func (s Step) Payload() []byte {
	if s.Kind != KindSend {
		return nil
	}
	return []byte(s.Text + s.Terminator)
}

// String renders the step for listings; secret payloads are masked.
func (s Step) String() string {
	switch s.Kind {
	case KindExpect:
		if s.Timeout > 0 {
			return fmt.Sprintf("expect %s (timeout %s)", strconv.Quote(s.Pattern), s.Timeout)
		}
		return "expect " + strconv.Quote(s.Pattern)
	case KindSend:
		text := strconv.Quote(s.Text)
		if s.Secret {
			text = "[redacted]"
		}
		if s.Terminator == "" {
			return "send-raw " + text
		}
		return "send " + text
	default:
		return s.Kind.String()
	}
}
