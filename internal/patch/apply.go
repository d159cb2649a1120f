package patch

import (
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// ApplyText applies the part of a unified diff that touches path to base. A
// diff that does not mention path leaves base unchanged.
func ApplyText(base, patchText []byte, path string) ([]byte, error) {
	files, err := ParseFiles(patchText)
	if err != nil {
		return nil, &PatchError{Path: path, Reason: "unreadable patch", Err: err}
	}
	fd := FindFile(files, path)
	if fd == nil {
		return base, nil
	}
	return Apply(base, fd, path)
}

// Apply applies every hunk of fd to base. Context and deleted lines must match
// the base exactly (ignoring a trailing carriage return); the first mismatch
// fails the whole file with a PatchError.
func Apply(base []byte, fd *diff.FileDiff, path string) ([]byte, error) {
	lines, trailingNewline := splitLines(base)
	out := make([]string, 0, len(lines))
	pos := 0

	for i, hunk := range fd.Hunks {
		start := int(hunk.OrigStartLine) - 1
		if hunk.OrigLines == 0 {
			start = int(hunk.OrigStartLine)
		}
		if start < pos || start > len(lines) {
			return nil, &PatchError{Path: path, Hunk: i + 1, Line: start + 1, Reason: "hunk out of range"}
		}
		out = append(out, lines[pos:start]...)
		pos = start

		for _, line := range bodyLines(hunk.Body) {
			text := line[1:]
			switch line[0] {
			case ' ', '-':
				if pos >= len(lines) || !sameLine(lines[pos], text) {
					return nil, &PatchError{Path: path, Hunk: i + 1, Line: pos + 1, Reason: "hunk does not match base"}
				}
				if line[0] == ' ' {
					out = append(out, lines[pos])
				}
				pos++
			case '+':
				out = append(out, text)
			}
		}
	}
	out = append(out, lines[pos:]...)

	if len(out) == 0 {
		return []byte{}, nil
	}
	joined := strings.Join(out, "\n")
	if trailingNewline {
		joined += "\n"
	}
	return []byte(joined), nil
}

func splitLines(content []byte) ([]string, bool) {
	if len(content) == 0 {
		return nil, true
	}
	text := string(content)
	trailing := strings.HasSuffix(text, "\n")
	text = strings.TrimSuffix(text, "\n")
	return strings.Split(text, "\n"), trailing
}

func sameLine(a, b string) bool {
	return strings.TrimSuffix(a, "\r") == strings.TrimSuffix(b, "\r")
}
