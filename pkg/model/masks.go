package model

import "fmt"

// padRow marks the padding positions of a token sequence.
func padRow(ids []int, padID int) []bool {
	row := make([]bool, len(ids))
	for j, id := range ids {
		row[j] = id == padID
	}
	return row
}

// expandRows broadcasts a single key-axis pad row across rows query rows.
// The rows alias the same slice; callers treat masks as read-only.
func expandRows(row []bool, rows int) [][]bool {
	mask := make([][]bool, rows)
	for i := range mask {
		mask[i] = row
	}
	return mask
}

// TargetPadMask builds the [tgtLen x tgtLen] mask whose every row marks the
// padding positions of the target sequence.
func TargetPadMask(tgt []int, padID int) [][]bool {
	return expandRows(padRow(tgt, padID), len(tgt))
}

// MemoryPadMask builds the [tgtLen x memLen] mask marking padded memory
// positions for every query row.
func MemoryPadMask(mem []int, padID, tgtLen int) [][]bool {
	return expandRows(padRow(mem, padID), tgtLen)
}

// CausalMask combines a target pad mask with the strict upper-triangular
// subsequent mask: position i may not attend to pad positions or to any
// position j > i. The sequence length is capped at maxLen.
func CausalMask(tgtPadMask [][]bool, maxLen int) ([][]bool, error) {
	n := len(tgtPadMask)
	if n > maxLen {
		return nil, fmt.Errorf("target length %d exceeds maximum supported length %d", n, maxLen)
	}
	mask := make([][]bool, n)
	for i := 0; i < n; i++ {
		mask[i] = make([]bool, n)
		for j := 0; j < n; j++ {
			mask[i][j] = tgtPadMask[i][j] || j > i
		}
	}
	return mask, nil
}
