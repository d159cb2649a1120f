package patch

import "fmt"

// PatchError reports a stored patch that no longer applies to its base: the
// peer's snapshot and the stored patch disagree.
type PatchError struct {
	Path   string
	Hunk   int
	Line   int
	Reason string
	Err    error
}

func (e *PatchError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("patch %s: %s", e.Path, e.Reason)
	if e.Hunk > 0 {
		msg = fmt.Sprintf("patch %s: hunk %d at line %d: %s", e.Path, e.Hunk, e.Line, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PatchError) Unwrap() error {
	return e.Err
}
