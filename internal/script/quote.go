package script

import (
	"encoding/base64"
	"strings"
)

// Quote returns s as a single POSIX shell word. Strings made only of
// characters that no shell treats specially are returned unchanged.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if isShellSafe(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isShellSafe(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("@%+=:,./_-", c) >= 0:
		default:
			return false
		}
	}
	return true
}

// HeredocDelimiter ends every document written by Heredoc. It cannot occur
// in base64 output.
const HeredocDelimiter = "ARCHBOX_EOF"

const heredocLineWidth = 76

// Heredoc feeds body to command through a quoted here-document. The body is
// base64 encoded so an interactive line editor only ever sees characters it
// echoes verbatim, and the guest decodes it with base64 -d before command
// reads it. A non-empty body always reaches command with one trailing newline.
func Heredoc(command, body string) string {
	body = strings.TrimRight(body, "\n")
	if body != "" {
		body += "\n"
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(body))

	var builder strings.Builder
	builder.WriteString("base64 -d <<'")
	builder.WriteString(HeredocDelimiter)
	builder.WriteString("' | ")
	builder.WriteString(command)
	builder.WriteByte('\n')
	for len(encoded) > 0 {
		n := min(heredocLineWidth, len(encoded))
		builder.WriteString(encoded[:n])
		builder.WriteByte('\n')
		encoded = encoded[n:]
	}
	builder.WriteString(HeredocDelimiter)
	return builder.String()
}
