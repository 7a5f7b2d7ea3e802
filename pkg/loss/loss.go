package loss

import (
	"fmt"
	"log/slog"

	"github.com/citesum/citesum/pkg/autodiff"
)

// Generator maps decoder hidden states to vocabulary log-probabilities.
type Generator interface {
	Generate(hidden *autodiff.Tensor) (*autodiff.Tensor, error)
}

// Batch carries the loss inputs for one training batch. The similarity
// fields are optional as a group: with CosSim nil the contrastive terms are
// zero; with CosSim set, Graph, DocWordCosSim, MaskSrc and NodeNum must all
// be populated.
type Batch struct {
	// Target holds the right-shifted target tokens per example.
	Target [][]int

	// CosSim is the node-similarity matrix per example.
	CosSim []*autodiff.Tensor
	// Graph is the 0/1 adjacency label matrix per example.
	Graph []*autodiff.Tensor
	// DocWordCosSim is the document/word similarity rows per example.
	DocWordCosSim []*autodiff.Tensor
	// MaskSrc marks the valid document/word rows per example.
	MaskSrc [][]bool
	// NodeNum is the count of valid graph nodes per example.
	NodeNum []int
}

// LossCompute computes the composite training loss: label-smoothed negative
// log-likelihood plus the two contrastive terms, with a monolithic mode for
// evaluation and a sharded mode that backpropagates in bounded-memory chunks.
type LossCompute struct {
	gen       Generator
	criterion Criterion
	padID     int
	tau       float64
	logger    *slog.Logger
}

// NewLossCompute builds a loss computation. Label smoothing applies only
// when train is true, matching how evaluation always scores plain NLL.
func NewLossCompute(gen Generator, vocabSize, padID int, labelSmoothing float64, train bool, logger *slog.Logger) (*LossCompute, error) {
	if gen == nil {
		return nil, fmt.Errorf("generator cannot be nil")
	}
	if !train {
		labelSmoothing = 0
	}
	criterion, err := NewCriterion(labelSmoothing, vocabSize, padID)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LossCompute{
		gen:       gen,
		criterion: criterion,
		padID:     padID,
		tau:       1.0,
		logger:    logger,
	}, nil
}

// computeLoss scores one shard and returns the composite loss with its
// statistics. Statistics record the primary loss separately from the
// contrastive terms.
func (c *LossCompute) computeLoss(s *shardState) (*autodiff.Tensor, Statistics, error) {
	var stats Statistics
	var total *autodiff.Tensor

	for b, hidden := range s.output {
		scores, err := c.gen.Generate(hidden)
		if err != nil {
			return nil, stats, fmt.Errorf("example %d: %w", b, err)
		}
		exLoss, err := c.criterion.Compute(scores, s.target[b])
		if err != nil {
			return nil, stats, fmt.Errorf("example %d: %w", b, err)
		}
		if total == nil {
			total = exLoss
		} else if total, err = autodiff.Add(total, exLoss); err != nil {
			return nil, stats, err
		}

		for i, tgt := range s.target[b] {
			if tgt == c.padID {
				continue
			}
			stats.NumWords++
			pred := 0
			row := scores.Data.Data[i]
			for j, v := range row {
				if v > row[pred] {
					pred = j
				}
			}
			if pred == tgt {
				stats.NumCorrect++
			}
		}
	}
	if total == nil {
		return nil, stats, fmt.Errorf("empty shard")
	}
	primary, err := total.Item()
	if err != nil {
		return nil, stats, err
	}
	stats.Loss = primary

	if s.cosSim != nil {
		docWord, err := DocWordContrastive(s.docWordCosSim, s.maskSrc)
		if err != nil {
			return nil, stats, err
		}
		contra, err := Ncontrast(s.cosSim, s.graph, s.nodeNum, c.tau)
		if err != nil {
			return nil, stats, err
		}
		if stats.DocWordContrastiveLoss, err = docWord.Item(); err != nil {
			return nil, stats, err
		}
		if stats.ContrastiveLoss, err = contra.Item(); err != nil {
			return nil, stats, err
		}
		if total, err = autodiff.Add(total, docWord); err != nil {
			return nil, stats, err
		}
		if total, err = autodiff.Add(total, contra); err != nil {
			return nil, stats, err
		}
	}
	return total, stats, nil
}

// MonolithicComputeLoss computes the forward loss for the whole batch with
// no backward pass.
func (c *LossCompute) MonolithicComputeLoss(batch *Batch, output []*autodiff.Tensor) (Statistics, error) {
	state, err := c.makeShardState(batch, output)
	if err != nil {
		return Statistics{}, err
	}
	_, stats, err := c.computeLoss(state)
	return stats, err
}

// ShardedComputeLoss splits the batch into contiguous chunks of at most
// shardSize examples, computes the loss per chunk on detached leaf copies,
// scales it by 1/normalization, backpropagates immediately, and merges
// statistics. After the last chunk it resumes backpropagation from the
// original tensors using the gradients accumulated on the leaves, so the
// gradient flow reaches the decoder and embeddings the outputs came from.
// If any leaf never received a gradient the final backward is skipped for
// the whole batch, with a diagnostic.
func (c *LossCompute) ShardedComputeLoss(batch *Batch, output []*autodiff.Tensor,
	shardSize int, normalization float64) (Statistics, error) {

	var stats Statistics
	if shardSize <= 0 {
		return stats, fmt.Errorf("shard size must be positive, got %d", shardSize)
	}
	if normalization <= 0 {
		return stats, fmt.Errorf("normalization must be positive, got %g", normalization)
	}

	state, err := c.makeShardState(batch, output)
	if err != nil {
		return stats, err
	}

	batchSize := len(state.output)
	leaves := newLeafSet(batchSize)
	for start := 0; start < batchSize; start += shardSize {
		end := start + shardSize
		if end > batchSize {
			end = batchSize
		}
		chunk := state.slice(start, end).cloneDetached(leaves, start)

		chunkLoss, chunkStats, err := c.computeLoss(chunk)
		if err != nil {
			return stats, fmt.Errorf("shard [%d, %d): %w", start, end, err)
		}
		if chunkLoss, err = autodiff.ScalarMultiply(chunkLoss, 1.0/normalization); err != nil {
			return stats, err
		}
		if err := chunkLoss.Backward(); err != nil {
			return stats, fmt.Errorf("shard [%d, %d): %w", start, end, err)
		}
		stats.Update(chunkStats)
	}

	origs, grads, missing := leaves.pairs(state)
	if missing != "" {
		// A leaf the loss never touched: resuming here would either break
		// or silently drop gradient, so the whole re-link is skipped.
		c.logger.Warn("skipping final backward after sharded loss: gradient never produced",
			"tensor", missing)
		return stats, nil
	}
	if len(origs) > 0 {
		if err := autodiff.BackwardTensors(origs, grads); err != nil {
			return stats, err
		}
	}
	return stats, nil
}
