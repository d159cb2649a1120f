package patch

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"peerlines/agent/internal/reconcile"
)

// DiffLines computes the line-level edit blocks that turn from into to.
// Inserted lines are kept as block content. Identical inputs yield no blocks.
func DiffLines(from, to string) []reconcile.EditBlock {
	if from == to {
		return nil
	}

	dmp := diffmatchpatch.New()
	a, b, index := dmp.DiffLinesToChars(from, to)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), index)

	var blocks []reconcile.EditBlock
	var current *reconcile.EditBlock
	consumed := 0 // source lines passed so far

	for _, d := range diffs {
		chunk := splitChunk(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			if current != nil {
				blocks = append(blocks, *current)
				current = nil
			}
			consumed += len(chunk)
		case diffmatchpatch.DiffDelete:
			if current == nil {
				current = &reconcile.EditBlock{Line: consumed + 1}
			} else if current.Deleted == 0 {
				current.Line = consumed + 1
			}
			current.Deleted += len(chunk)
			consumed += len(chunk)
		case diffmatchpatch.DiffInsert:
			if current == nil {
				current = &reconcile.EditBlock{Line: consumed}
			}
			current.Inserted += len(chunk)
			current.Content = append(current.Content, chunk...)
		}
	}
	if current != nil {
		blocks = append(blocks, *current)
	}
	return blocks
}

// splitChunk splits a run of whole lines produced by the line-mode diff.
func splitChunk(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}
