package remote

// Mask is the fixed placeholder rendered in place of sensitive command
// arguments in every log line.
const Mask = "********"

// Secret wraps a sensitive command argument, typically a password. It
// renders as Mask anywhere it is formatted; the real value is only
// substituted at the point of process invocation.
type Secret string

func (s Secret) String() string {
	return Mask
}

// reveal returns the real value. Deliberately unexported so the value
// cannot leak outside command construction.
func (s Secret) reveal() string {
	return string(s)
}

// argv holds one remote command, keeping secret arguments opaque until
// the command line is built.
type argv []interface{}

// words returns the real command words, secrets included.
func (a argv) words() ([]string, error) {
	out := make([]string, 0, len(a))
	for _, arg := range a {
		switch v := arg.(type) {
		case string:
			out = append(out, v)
		case Secret:
			out = append(out, v.reveal())
		default:
			return nil, newUsageError(arg)
		}
	}
	return out, nil
}

// logLine returns the command rendered for logging, shell-quoted, with
// secrets masked.
func (a argv) logLine() string {
	line := ""
	for i, arg := range a {
		if i > 0 {
			line += " "
		}
		switch v := arg.(type) {
		case string:
			line += shellQuote(v)
		case Secret:
			line += v.String()
		default:
			line += "<?>"
		}
	}
	return line
}

// shellQuote quotes a word for display and for the remote shell. Plain
// words pass through unchanged.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	plain := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == '/' || r == '=' || r == ':' || r == ',' || r == '@':
		default:
			plain = false
		}
		if !plain {
			break
		}
	}
	if plain {
		return s
	}
	quoted := "'"
	for _, r := range s {
		if r == '\'' {
			quoted += `'\''`
		} else {
			quoted += string(r)
		}
	}
	return quoted + "'"
}
