// Package tokenizer implements the WordPiece tokenizer used by the
// preprocessing pipeline. Tokenizers are constructed values passed to their
// callers; there is no shared package-level instance.
package tokenizer

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/dlclark/regexp2"
)

// Special vocabulary tokens. The unused markers delimit target summaries:
// BOS, EOS and the boundary between summary sentences.
const (
	PadToken       = "[PAD]"
	UnkToken       = "[UNK]"
	ClsToken       = "[CLS]"
	SepToken       = "[SEP]"
	TgtBosToken    = "[unused0]"
	TgtEosToken    = "[unused1]"
	TgtSplitToken  = "[unused2]"
	continuePrefix = "##"
)

// preSplitPattern carves text into word, number and punctuation runs before
// WordPiece matching.
const preSplitPattern = `\p{L}+|\p{N}+|[^\s\p{L}\p{N}]+`

// Options configures a Tokenizer.
type Options struct {
	LowerCase bool
	// MaxWordChars sends overlong words straight to [UNK].
	MaxWordChars int
}

// NewDefaultOptions returns the options used by the preprocessing pipeline.
func NewDefaultOptions() *Options {
	return &Options{LowerCase: true, MaxWordChars: 100}
}

// Tokenizer is a greedy longest-match WordPiece tokenizer over a fixed
// vocabulary.
type Tokenizer struct {
	vocab     map[string]int
	idToToken []string
	preSplit  *regexp2.Regexp

	lowerCase    bool
	maxWordChars int
}

// New builds a tokenizer over the given vocabulary. The vocabulary must
// contain the special tokens.
func New(vocab map[string]int, opts *Options) (*Tokenizer, error) {
	if len(vocab) == 0 {
		return nil, fmt.Errorf("vocabulary cannot be empty")
	}
	if opts == nil {
		opts = NewDefaultOptions()
	}
	for _, tok := range []string{PadToken, UnkToken, ClsToken, SepToken, TgtBosToken, TgtEosToken, TgtSplitToken} {
		if _, ok := vocab[tok]; !ok {
			return nil, fmt.Errorf("vocabulary missing special token %s", tok)
		}
	}

	idToToken := make([]string, len(vocab))
	for tok, id := range vocab {
		if id < 0 || id >= len(vocab) {
			return nil, fmt.Errorf("token %q has id %d outside [0, %d)", tok, id, len(vocab))
		}
		idToToken[id] = tok
	}

	return &Tokenizer{
		vocab:        vocab,
		idToToken:    idToToken,
		preSplit:     regexp2.MustCompile(preSplitPattern, regexp2.RE2),
		lowerCase:    opts.LowerCase,
		maxWordChars: opts.MaxWordChars,
	}, nil
}

// Load reads a one-token-per-line vocabulary file, ids assigned by line
// order, and builds a tokenizer over it.
func Load(path string, opts *Options) (*Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening vocabulary: %w", err)
	}
	defer f.Close()

	vocab := make(map[string]int)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		tok := strings.TrimSpace(scanner.Text())
		if tok == "" {
			continue
		}
		if _, dup := vocab[tok]; dup {
			return nil, fmt.Errorf("duplicate vocabulary token %q", tok)
		}
		vocab[tok] = len(vocab)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading vocabulary: %w", err)
	}
	return New(vocab, opts)
}

// VocabSize returns the vocabulary size.
func (t *Tokenizer) VocabSize() int { return len(t.vocab) }

// PadID returns the id of the padding token.
func (t *Tokenizer) PadID() int { return t.vocab[PadToken] }

// TokenID returns the id of tok, or the [UNK] id when absent.
func (t *Tokenizer) TokenID(tok string) int {
	if id, ok := t.vocab[tok]; ok {
		return id
	}
	return t.vocab[UnkToken]
}

// words runs the pre-split pattern over text.
func (t *Tokenizer) words(text string) ([]string, error) {
	var out []string
	m, err := t.preSplit.FindStringMatch(text)
	for m != nil && err == nil {
		out = append(out, m.String())
		m, err = t.preSplit.FindNextMatch(m)
	}
	if err != nil {
		return nil, fmt.Errorf("pre-split: %w", err)
	}
	return out, nil
}

// Tokenize splits text into WordPiece tokens: each pre-split word is covered
// greedily by its longest vocabulary prefixes, continuation pieces carrying
// the ## prefix. A word with no matching piece becomes [UNK].
func (t *Tokenizer) Tokenize(text string) ([]string, error) {
	if t.lowerCase {
		text = strings.ToLower(text)
	}
	words, err := t.words(text)
	if err != nil {
		return nil, err
	}

	var tokens []string
	for _, word := range words {
		if len([]rune(word)) > t.maxWordChars {
			tokens = append(tokens, UnkToken)
			continue
		}
		tokens = append(tokens, t.wordPieces(word)...)
	}
	return tokens, nil
}

func (t *Tokenizer) wordPieces(word string) []string {
	runes := []rune(word)
	var pieces []string
	start := 0
	for start < len(runes) {
		end := len(runes)
		var piece string
		for end > start {
			candidate := string(runes[start:end])
			if start > 0 {
				candidate = continuePrefix + candidate
			}
			if _, ok := t.vocab[candidate]; ok {
				piece = candidate
				break
			}
			end--
		}
		if piece == "" {
			return []string{UnkToken}
		}
		pieces = append(pieces, piece)
		start = end
	}
	return pieces
}

// ConvertTokensToIDs maps tokens to vocabulary ids, unknowns to [UNK].
func (t *Tokenizer) ConvertTokensToIDs(tokens []string) []int {
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		ids[i] = t.TokenID(tok)
	}
	return ids
}

// ConvertIDsToTokens maps ids back to tokens.
func (t *Tokenizer) ConvertIDsToTokens(ids []int) ([]string, error) {
	tokens := make([]string, len(ids))
	for i, id := range ids {
		if id < 0 || id >= len(t.idToToken) {
			return nil, fmt.Errorf("token id %d outside vocabulary of size %d", id, len(t.idToToken))
		}
		tokens[i] = t.idToToken[id]
	}
	return tokens, nil
}

// Detokenize joins tokens back into text, merging ## continuations and
// dropping padding.
func (t *Tokenizer) Detokenize(tokens []string) string {
	var b strings.Builder
	for _, tok := range tokens {
		if tok == PadToken {
			continue
		}
		if strings.HasPrefix(tok, continuePrefix) {
			b.WriteString(strings.TrimPrefix(tok, continuePrefix))
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(tok)
	}
	return b.String()
}
