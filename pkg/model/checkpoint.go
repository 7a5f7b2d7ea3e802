package model

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/citesum/citesum/pkg/autodiff"
)

// checkpointEntry is one parameter matrix in a CBOR checkpoint, flattened
// row-major.
type checkpointEntry struct {
	Name string    `cbor:"name"`
	Rows int       `cbor:"rows"`
	Cols int       `cbor:"cols"`
	Data []float64 `cbor:"data"`
}

// SaveParameters writes the parameter tensors, in order, to a CBOR
// checkpoint file.
func SaveParameters(path string, params []*autodiff.Tensor) error {
	entries := make([]checkpointEntry, len(params))
	for i, p := range params {
		rows, cols := p.Rows(), p.Cols()
		flat := make([]float64, 0, rows*cols)
		for r := 0; r < rows; r++ {
			flat = append(flat, p.Data.Data[r]...)
		}
		entries[i] = checkpointEntry{Name: p.Name, Rows: rows, Cols: cols, Data: flat}
	}
	data, err := cbor.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return nil
}

// LoadParameters fills the parameter tensors, in order, from a CBOR
// checkpoint file. The checkpoint must carry the same number of matrices
// with the same shapes.
func LoadParameters(path string, params []*autodiff.Tensor) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading checkpoint: %w", err)
	}
	var entries []checkpointEntry
	if err := cbor.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decoding checkpoint %s: %w", path, err)
	}
	if len(entries) != len(params) {
		return fmt.Errorf("checkpoint has %d parameters, model has %d", len(entries), len(params))
	}
	for i, e := range entries {
		p := params[i]
		if e.Rows != p.Rows() || e.Cols != p.Cols() {
			return fmt.Errorf("parameter %d (%s): checkpoint shape [%dx%d], model shape [%dx%d]",
				i, e.Name, e.Rows, e.Cols, p.Rows(), p.Cols())
		}
		if len(e.Data) != e.Rows*e.Cols {
			return fmt.Errorf("parameter %d (%s): %d values for shape [%dx%d]",
				i, e.Name, len(e.Data), e.Rows, e.Cols)
		}
		for r := 0; r < e.Rows; r++ {
			copy(p.Data.Data[r], e.Data[r*e.Cols:(r+1)*e.Cols])
		}
	}
	return nil
}
