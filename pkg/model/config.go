package model

import "fmt"

// Config holds the hyperparameters of the graph-conditioned decoder.
type Config struct {
	VocabSize    int
	ModelDim     int
	NumLayers    int
	NumHeads     int
	FFNHiddenDim int
	Dropout      float64
	MaxLen       int
	PadID        int
}

// NewDefaultConfig creates a configuration with default values.
func NewDefaultConfig() *Config {
	return &Config{
		VocabSize:    30522,
		ModelDim:     768,
		NumLayers:    6,
		NumHeads:     8,
		FFNHiddenDim: 2048,
		Dropout:      0.2,
		MaxLen:       5000,
		PadID:        0,
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.VocabSize <= 0 {
		return fmt.Errorf("vocab size must be positive, got %d", c.VocabSize)
	}
	if c.ModelDim <= 0 || c.NumLayers <= 0 || c.NumHeads <= 0 || c.FFNHiddenDim <= 0 {
		return fmt.Errorf("model dimensions must be positive: dim=%d, layers=%d, heads=%d, ffn=%d",
			c.ModelDim, c.NumLayers, c.NumHeads, c.FFNHiddenDim)
	}
	if c.ModelDim%c.NumHeads != 0 {
		return fmt.Errorf("model dim %d not divisible by %d heads", c.ModelDim, c.NumHeads)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("dropout must be in [0, 1), got %g", c.Dropout)
	}
	if c.MaxLen <= 0 {
		return fmt.Errorf("max length must be positive, got %d", c.MaxLen)
	}
	if c.PadID < 0 || c.PadID >= c.VocabSize {
		return fmt.Errorf("pad id %d outside vocabulary of size %d", c.PadID, c.VocabSize)
	}
	return nil
}
