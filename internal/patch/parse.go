// Package patch turns unified diffs into edit blocks, applies stored peer
// patches to extracted files and diffs in-memory documents line by line.
package patch

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"peerlines/agent/internal/reconcile"
)

// ParseFiles parses a (possibly multi-file) unified diff.
func ParseFiles(text []byte) ([]*diff.FileDiff, error) {
	if len(bytes.TrimSpace(text)) == 0 {
		return nil, nil
	}
	files, err := diff.ParseMultiFileDiff(text)
	if err != nil {
		return nil, fmt.Errorf("parse unified diff: %w", err)
	}
	return files, nil
}

// FindFile returns the file diff touching path. A diff holding exactly one
// file is returned regardless of its name.
func FindFile(files []*diff.FileDiff, path string) *diff.FileDiff {
	want := cleanName(path)
	for _, fd := range files {
		if cleanName(fd.NewName) == want || cleanName(fd.OrigName) == want {
			return fd
		}
	}
	if len(files) == 1 {
		return files[0]
	}
	return nil
}

// ParseBlocks parses a unified diff and returns the edit blocks for path, or
// for the only file present when path is empty.
func ParseBlocks(text []byte, path string) ([]reconcile.EditBlock, error) {
	files, err := ParseFiles(text)
	if err != nil {
		return nil, err
	}
	fd := FindFile(files, path)
	if fd == nil {
		return nil, nil
	}
	return Blocks(fd), nil
}

// Blocks splits every hunk of fd into contiguous change runs, so diffs produced
// with context lines yield the same blocks as -U0 output.
func Blocks(fd *diff.FileDiff) []reconcile.EditBlock {
	var blocks []reconcile.EditBlock
	for _, hunk := range fd.Hunks {
		blocks = append(blocks, hunkBlocks(hunk)...)
	}
	return blocks
}

func hunkBlocks(hunk *diff.Hunk) []reconcile.EditBlock {
	// orig is the 1-based line the next body line refers to; git reports the
	// preceding line as the start of a hunk with no original lines.
	orig := int(hunk.OrigStartLine)
	if hunk.OrigLines == 0 {
		orig++
	}

	var blocks []reconcile.EditBlock
	var current *reconcile.EditBlock
	flush := func() {
		if current != nil {
			blocks = append(blocks, *current)
			current = nil
		}
	}
	open := func() {
		if current == nil {
			current = &reconcile.EditBlock{Line: orig}
		}
	}

	for _, line := range bodyLines(hunk.Body) {
		switch line[0] {
		case ' ':
			flush()
			orig++
		case '-':
			open()
			if current.Deleted == 0 && current.Inserted > 0 {
				current.Line = orig
			}
			current.Deleted++
			orig++
		case '+':
			if current == nil {
				current = &reconcile.EditBlock{Line: orig - 1}
			}
			current.Inserted++
			current.Content = append(current.Content, line[1:])
		}
	}
	flush()
	return blocks
}

// bodyLines splits a hunk body into prefixed lines, dropping the
// "\ No newline at end of file" markers.
func bodyLines(body []byte) []string {
	if len(body) == 0 {
		return nil
	}
	raw := strings.Split(strings.TrimSuffix(string(body), "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			// editors strip the lone space of an empty context line
			line = " "
		}
		if line[0] == '\\' {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func cleanName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.IndexByte(name, '\t'); i >= 0 {
		name = name[:i]
	}
	name = strings.ReplaceAll(name, "\\", "/")
	for _, prefix := range []string{"a/", "b/"} {
		if strings.HasPrefix(name, prefix) {
			return strings.TrimPrefix(name, prefix)
		}
	}
	return strings.TrimPrefix(name, "./")
}
