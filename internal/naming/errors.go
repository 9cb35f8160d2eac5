package naming

import "fmt"

// MalformedNameError reports a file or directory name that does not match the
// naming grammar.
type MalformedNameError struct {
	Name   string
	Reason string
}

func (e *MalformedNameError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("malformed name %q: %s", e.Name, e.Reason)
}

func malformedf(name, format string, args ...any) error {
	return &MalformedNameError{Name: name, Reason: fmt.Sprintf(format, args...)}
}
