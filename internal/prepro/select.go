package prepro

import (
	"sort"
	"strings"
)

func cleanToken(tok string) string {
	var b strings.Builder
	for _, r := range tok {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ' ':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func cleanSentence(sent []string) []string {
	out := make([]string, 0, len(sent))
	for _, tok := range sent {
		if c := cleanToken(tok); c != "" {
			out = append(out, c)
		}
	}
	return out
}

type ngramSet map[string]struct{}

func ngrams(n int, words []string) ngramSet {
	set := ngramSet{}
	for i := 0; i+n <= len(words); i++ {
		set[strings.Join(words[i:i+n], "")] = struct{}{}
	}
	return set
}

func unionNgrams(n int, sentences [][]string) ngramSet {
	set := ngramSet{}
	for _, sent := range sentences {
		for g := range ngrams(n, sent) {
			set[g] = struct{}{}
		}
	}
	return set
}

// rougeF computes the ROUGE F1 score between evaluated and reference
// n-gram sets.
func rougeF(evaluated, reference ngramSet) float64 {
	overlap := 0
	for g := range evaluated {
		if _, ok := reference[g]; ok {
			overlap++
		}
	}
	var precision, recall float64
	if len(evaluated) > 0 {
		precision = float64(overlap) / float64(len(evaluated))
	}
	if len(reference) > 0 {
		recall = float64(overlap) / float64(len(reference))
	}
	return 2 * precision * recall / (precision + recall + 1e-8)
}

// GreedySelection picks up to summarySize document sentences whose combined
// ROUGE-1 + ROUGE-2 F score against the abstract improves greedily. The
// search stops at the first round with no improving sentence; the selected
// indices are returned sorted.
func GreedySelection(docSents, abstractSents [][]string, summarySize int) []int {
	cleaned := make([][]string, len(docSents))
	for i, sent := range docSents {
		cleaned[i] = cleanSentence(sent)
	}
	abstract := make([][]string, len(abstractSents))
	for i, sent := range abstractSents {
		abstract[i] = cleanSentence(sent)
	}
	ref1 := unionNgrams(1, abstract)
	ref2 := unionNgrams(2, abstract)

	sent1 := make([]ngramSet, len(cleaned))
	sent2 := make([]ngramSet, len(cleaned))
	for i, sent := range cleaned {
		sent1[i] = ngrams(1, sent)
		sent2[i] = ngrams(2, sent)
	}

	var selected []int
	maxScore := 0.0
	for round := 0; round < summarySize; round++ {
		best := -1
		bestScore := maxScore
		for i := range cleaned {
			if contains(selected, i) {
				continue
			}
			candidate := append(append([]int{}, selected...), i)
			score := rougeF(mergeSets(sent1, candidate), ref1) + rougeF(mergeSets(sent2, candidate), ref2)
			if score > bestScore {
				bestScore = score
				best = i
			}
		}
		if best == -1 {
			return selected
		}
		selected = append(selected, best)
		maxScore = bestScore
	}
	sort.Ints(selected)
	return selected
}

func contains(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func mergeSets(sets []ngramSet, indices []int) ngramSet {
	out := ngramSet{}
	for _, i := range indices {
		for g := range sets[i] {
			out[g] = struct{}{}
		}
	}
	return out
}
