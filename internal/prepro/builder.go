package prepro

import (
	"fmt"
	"strings"

	"github.com/citesum/citesum/internal/tokenizer"
)

// FormatterOptions bounds the formatted inputs. Sentence limits apply to the
// source document; token limits apply to the target summary.
type FormatterOptions struct {
	MinSrcSentTokens int
	MaxSrcSentTokens int
	MinSrcSents      int
	MaxSrcSents      int
	MinTgtTokens     int
	MaxTgtTokens     int
	// SummarySize is the number of abstract sentences selected per
	// neighboring paper.
	SummarySize int
}

// NewDefaultFormatterOptions returns the limits used for the citation
// summarization corpus.
func NewDefaultFormatterOptions() *FormatterOptions {
	return &FormatterOptions{
		MinSrcSentTokens: 5,
		MaxSrcSentTokens: 200,
		MinSrcSents:      3,
		MaxSrcSents:      100,
		MinTgtTokens:     5,
		MaxTgtTokens:     500,
		SummarySize:      3,
	}
}

// Example is one formatted training instance. Src carries the token ids of
// the source document with [CLS]/[SEP] sentence delimiters; GraphSrc holds
// one id sequence per graph node, the source paper first.
type Example struct {
	ID         string      `cbor:"id"`
	Src        []int       `cbor:"src"`
	Tgt        []int       `cbor:"tgt"`
	Segments   []int       `cbor:"segs"`
	ClsIDs     []int       `cbor:"cls_ids"`
	SentLabels []int       `cbor:"sent_labels"`
	GraphSrc   [][]int     `cbor:"graph_src"`
	Adjacency  [][]float64 `cbor:"adjacency"`
	NodeNum    int         `cbor:"node_num"`
	SrcText    []string    `cbor:"src_txt"`
	TgtText    string      `cbor:"tgt_txt"`
}

// Formatter turns sentence-split documents into model-ready examples.
type Formatter struct {
	tok  *tokenizer.Tokenizer
	opts FormatterOptions

	clsID int
	sepID int
}

// NewFormatter builds a formatter over the given tokenizer.
func NewFormatter(tok *tokenizer.Tokenizer, opts *FormatterOptions) (*Formatter, error) {
	if tok == nil {
		return nil, fmt.Errorf("formatter requires a tokenizer")
	}
	if opts == nil {
		opts = NewDefaultFormatterOptions()
	}
	if opts.MaxSrcSents <= 0 || opts.MaxTgtTokens <= 0 {
		return nil, fmt.Errorf("formatter limits must be positive, got max sents %d max tgt tokens %d",
			opts.MaxSrcSents, opts.MaxTgtTokens)
	}
	return &Formatter{
		tok:   tok,
		opts:  *opts,
		clsID: tok.TokenID(tokenizer.ClsToken),
		sepID: tok.TokenID(tokenizer.SepToken),
	}, nil
}

// encodeDocument tokenizes sentences into a single [CLS] s1 [SEP] [CLS] s2
// [SEP] ... sequence and derives the alternating segment ids and the [CLS]
// positions.
func (f *Formatter) encodeDocument(sents [][]string) (ids, segments, clsIDs []int, err error) {
	var tokens []string
	for _, sent := range sents {
		sub, err := f.tok.Tokenize(strings.Join(sent, " "))
		if err != nil {
			return nil, nil, nil, err
		}
		tokens = append(tokens, tokenizer.ClsToken)
		tokens = append(tokens, sub...)
		tokens = append(tokens, tokenizer.SepToken)
	}
	ids = f.tok.ConvertTokensToIDs(tokens)

	segments = make([]int, len(ids))
	flag := 0
	for i, id := range ids {
		if id == f.clsID {
			clsIDs = append(clsIDs, i)
		}
		segments[i] = flag
		if id == f.sepID {
			flag = 1 - flag
		}
	}
	return ids, segments, clsIDs, nil
}

// FormatDocument produces a formatted example for one paper. sentLabels
// flags the oracle extractive sentences of the source document. Filtered
// documents return (nil, nil); isTest bypasses the minimum-size filters.
func (f *Formatter) FormatDocument(id string, srcSents, tgtSents [][]string, sentLabels []int,
	graphDocs [][][]string, adjacency [][]float64, isTest bool) (*Example, error) {
	if len(srcSents) == 0 {
		return nil, nil
	}
	if len(sentLabels) != len(srcSents) {
		return nil, fmt.Errorf("paper %s: %d sentence labels for %d sentences", id, len(sentLabels), len(srcSents))
	}

	var kept [][]string
	var keptLabels []int
	for i, sent := range srcSents {
		if len(sent) <= f.opts.MinSrcSentTokens {
			continue
		}
		if len(sent) > f.opts.MaxSrcSentTokens {
			sent = sent[:f.opts.MaxSrcSentTokens]
		}
		kept = append(kept, sent)
		keptLabels = append(keptLabels, sentLabels[i])
	}
	if len(kept) > f.opts.MaxSrcSents {
		kept = kept[:f.opts.MaxSrcSents]
		keptLabels = keptLabels[:f.opts.MaxSrcSents]
	}
	if !isTest && len(kept) < f.opts.MinSrcSents {
		return nil, nil
	}

	srcIDs, segments, clsIDs, err := f.encodeDocument(kept)
	if err != nil {
		return nil, fmt.Errorf("paper %s: %w", id, err)
	}
	if len(keptLabels) > len(clsIDs) {
		keptLabels = keptLabels[:len(clsIDs)]
	}

	tgtIDs, tgtText, err := f.encodeTarget(tgtSents)
	if err != nil {
		return nil, fmt.Errorf("paper %s: %w", id, err)
	}
	if !isTest && len(tgtIDs) < f.opts.MinTgtTokens {
		return nil, nil
	}

	graphSrc := make([][]int, 0, len(graphDocs))
	for _, doc := range graphDocs {
		gIDs, _, _, err := f.encodeDocument(doc)
		if err != nil {
			return nil, fmt.Errorf("paper %s: graph neighbor: %w", id, err)
		}
		graphSrc = append(graphSrc, gIDs)
	}

	srcText := make([]string, len(kept))
	for i, sent := range kept {
		srcText[i] = strings.Join(sent, " ")
	}

	return &Example{
		ID:         id,
		Src:        srcIDs,
		Tgt:        tgtIDs,
		Segments:   segments,
		ClsIDs:     clsIDs,
		SentLabels: keptLabels,
		GraphSrc:   graphSrc,
		Adjacency:  adjacency,
		NodeNum:    len(graphSrc),
		SrcText:    srcText,
		TgtText:    tgtText,
	}, nil
}

// encodeTarget wraps the summary sentences in the target markers, one
// split marker between sentences, truncated to the token budget.
func (f *Formatter) encodeTarget(tgtSents [][]string) ([]int, string, error) {
	joined := make([]string, len(tgtSents))
	for i, sent := range tgtSents {
		joined[i] = strings.Join(sent, " ")
	}
	tokens := []string{tokenizer.TgtBosToken}
	for i, sent := range joined {
		if i > 0 {
			tokens = append(tokens, tokenizer.TgtSplitToken)
		}
		sub, err := f.tok.Tokenize(sent)
		if err != nil {
			return nil, "", err
		}
		tokens = append(tokens, sub...)
	}
	tokens = append(tokens, tokenizer.TgtEosToken)
	if len(tokens) > f.opts.MaxTgtTokens {
		tokens = tokens[:f.opts.MaxTgtTokens]
	}
	return f.tok.ConvertTokensToIDs(tokens), strings.Join(joined, "<q>"), nil
}
