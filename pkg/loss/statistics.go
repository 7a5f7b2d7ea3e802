package loss

import "math"

// Statistics accumulates training/eval counters across shards and batches.
// Merging is associative and commutative; it feeds reporting only, never
// control flow.
type Statistics struct {
	Loss                   float64
	NumWords               int
	NumCorrect             int
	ContrastiveLoss        float64
	DocWordContrastiveLoss float64
}

// Update merges another accumulator into this one.
func (s *Statistics) Update(o Statistics) {
	s.Loss += o.Loss
	s.NumWords += o.NumWords
	s.NumCorrect += o.NumCorrect
	s.ContrastiveLoss += o.ContrastiveLoss
	s.DocWordContrastiveLoss += o.DocWordContrastiveLoss
}

// Accuracy returns the token accuracy in percent.
func (s *Statistics) Accuracy() float64 {
	if s.NumWords == 0 {
		return 0
	}
	return 100 * float64(s.NumCorrect) / float64(s.NumWords)
}

// Xent returns the per-word cross-entropy.
func (s *Statistics) Xent() float64 {
	if s.NumWords == 0 {
		return 0
	}
	return s.Loss / float64(s.NumWords)
}

// Perplexity returns the exponentiated per-word cross-entropy, capped to
// avoid overflow on diverged runs.
func (s *Statistics) Perplexity() float64 {
	return math.Exp(math.Min(s.Xent(), 100))
}
