// Package reconcile remaps historical line numbers into current document
// coordinates through sequences of edit blocks.
package reconcile

import "sort"

// EditBlock is one hunk of a diff between two snapshots. Line is the 1-based
// line in the source snapshot where the hunk starts, following unified diff
// headers: the first deleted line, or for a pure insertion the line after
// which the new lines appear.
type EditBlock struct {
	Line     int      `json:"line"`
	Deleted  int      `json:"deleted"`
	Inserted int      `json:"inserted"`
	Content  []string `json:"content,omitempty"`
}

// Shift is the net line delta the block introduces.
func (b EditBlock) Shift() int {
	return b.Inserted - b.Deleted
}

// Start is the 0-based source line the block is anchored to.
func (b EditBlock) Start() int {
	return b.Line - 1
}

// Covers reports whether the 0-based source line falls inside the block. A
// pure insertion covers the line it is attached to.
func (b EditBlock) Covers(line int) bool {
	span := b.Deleted
	if span < 1 {
		span = 1
	}
	return line >= b.Start() && line < b.Start()+span
}

// Remap translates 0-based lines valid against a historical snapshot into the
// snapshot produced by applying edits in order. Shifts accumulate block by
// block: each block start is translated by the running total before lines
// past it are moved, and a moved line never lands before its block start.
// Lines inside a deleted range collapse onto the block start. The result is
// sorted and free of duplicates; with no edits the input is returned as is.
func Remap(lines []int, edits []EditBlock) []int {
	if len(edits) == 0 {
		return append([]int(nil), lines...)
	}

	current := append([]int(nil), lines...)
	running := 0
	for _, block := range edits {
		start := block.Start() + running
		shift := block.Shift()
		for i, line := range current {
			if line <= start {
				continue
			}
			moved := line + shift
			if moved < start {
				moved = start
			}
			current[i] = moved
		}
		running += shift
	}
	return uniqueSorted(current)
}

// Reconcile composes two remaps: peer commit to baseline, then baseline to the
// open document.
func Reconcile(lines []int, toBaseline, toDocument []EditBlock) []int {
	return Remap(Remap(lines, toBaseline), toDocument)
}

// Aggregate unions every line set into one sorted list without duplicates.
func Aggregate[K comparable](sets map[K][]int) []int {
	total := 0
	for _, lines := range sets {
		total += len(lines)
	}
	all := make([]int, 0, total)
	for _, lines := range sets {
		all = append(all, lines...)
	}
	return uniqueSorted(all)
}

// FromLineRanges converts coordinator line ranges of the form
// [line, -deleted, inserted] into edit blocks. The deleted count is accepted
// with either sign.
func FromLineRanges(ranges [][]int) []EditBlock {
	blocks := make([]EditBlock, 0, len(ranges))
	for _, r := range ranges {
		if len(r) == 0 {
			continue
		}
		block := EditBlock{Line: r[0]}
		if len(r) > 1 {
			block.Deleted = abs(r[1])
		}
		if len(r) > 2 {
			block.Inserted = abs(r[2])
		}
		blocks = append(blocks, block)
	}
	sort.SliceStable(blocks, func(i, j int) bool {
		return blocks[i].Line < blocks[j].Line
	})
	return blocks
}

// Touched lists the 0-based source lines the blocks cover.
func Touched(blocks []EditBlock) []int {
	var lines []int
	for _, block := range blocks {
		span := block.Deleted
		if span < 1 {
			span = 1
		}
		for i := 0; i < span; i++ {
			if line := block.Start() + i; line >= 0 {
				lines = append(lines, line)
			}
		}
	}
	return uniqueSorted(lines)
}

func uniqueSorted(lines []int) []int {
	if len(lines) == 0 {
		return []int{}
	}
	out := append([]int(nil), lines...)
	sort.Ints(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
