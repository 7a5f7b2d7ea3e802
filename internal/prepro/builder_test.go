package prepro

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/citesum/citesum/internal/tokenizer"
)

func preproTestTokenizer(t *testing.T, words ...string) *tokenizer.Tokenizer {
	t.Helper()
	tokens := []string{
		tokenizer.PadToken, tokenizer.UnkToken, tokenizer.ClsToken, tokenizer.SepToken,
		tokenizer.TgtBosToken, tokenizer.TgtEosToken, tokenizer.TgtSplitToken,
	}
	tokens = append(tokens, words...)
	vocab := make(map[string]int, len(tokens))
	for i, tok := range tokens {
		vocab[tok] = i
	}
	tok, err := tokenizer.New(vocab, nil)
	require.NoError(t, err)
	return tok
}

func testFormatterOptions() *FormatterOptions {
	return &FormatterOptions{
		MinSrcSentTokens: 2,
		MaxSrcSentTokens: 4,
		MinSrcSents:      2,
		MaxSrcSents:      3,
		MinTgtTokens:     3,
		MaxTgtTokens:     10,
		SummarySize:      2,
	}
}

func TestFormatDocumentStructure(t *testing.T) {
	tok := preproTestTokenizer(t, "graphs", "summarize", "citation", "networks", "papers", "well")
	f, err := NewFormatter(tok, testFormatterOptions())
	require.NoError(t, err)

	src := [][]string{
		sent("graphs", "summarize", "papers"),
		sent("well"), // too short, dropped
		sent("citation", "networks", "summarize", "papers", "well"), // truncated to 4 tokens
	}
	tgt := [][]string{
		sent("graphs", "summarize"),
		sent("citation", "networks"),
	}
	graphDocs := [][][]string{
		{sent("graphs", "summarize", "papers")},
		{sent("citation", "networks")},
	}
	adjacency := [][]float64{{1, 1}, {1, 1}}

	ex, err := f.FormatDocument("p1", src, tgt, []int{1, 0, 0}, graphDocs, adjacency, false)
	require.NoError(t, err)
	require.NotNil(t, ex)

	clsID := tok.TokenID(tokenizer.ClsToken)
	sepID := tok.TokenID(tokenizer.SepToken)

	// Two kept sentences: [CLS] s1(3) [SEP] [CLS] s2(4) [SEP].
	require.Len(t, ex.Src, 11)
	require.Equal(t, clsID, ex.Src[0])
	require.Equal(t, sepID, ex.Src[len(ex.Src)-1])
	require.Equal(t, []int{0, 5}, ex.ClsIDs)
	for _, pos := range ex.ClsIDs {
		require.Equal(t, clsID, ex.Src[pos])
	}
	require.Equal(t, []int{0, 0, 0, 0, 0, 1, 1, 1, 1, 1, 1}, ex.Segments)

	// The dropped sentence's label is dropped with it.
	require.Equal(t, []int{1, 0}, ex.SentLabels)
	require.Equal(t, []string{"graphs summarize papers", "citation networks summarize papers"}, ex.SrcText)

	require.Equal(t, tok.TokenID(tokenizer.TgtBosToken), ex.Tgt[0])
	require.Equal(t, tok.TokenID(tokenizer.TgtEosToken), ex.Tgt[len(ex.Tgt)-1])
	require.Contains(t, ex.Tgt, tok.TokenID(tokenizer.TgtSplitToken))
	require.Equal(t, "graphs summarize<q>citation networks", ex.TgtText)

	require.Equal(t, 2, ex.NodeNum)
	require.Len(t, ex.GraphSrc, 2)
	require.Equal(t, clsID, ex.GraphSrc[0][0])
	require.Equal(t, adjacency, ex.Adjacency)
}

func TestFormatDocumentSegmentAlternationResetsPerSep(t *testing.T) {
	tok := preproTestTokenizer(t, "one", "two", "three")
	f, err := NewFormatter(tok, testFormatterOptions())
	require.NoError(t, err)

	src := [][]string{
		sent("one", "two", "three"),
		sent("three", "two", "one"),
		sent("one", "three", "two"),
	}
	ex, err := f.FormatDocument("p", src, [][]string{sent("one", "two", "three")},
		[]int{0, 0, 0}, nil, nil, false)
	require.NoError(t, err)
	require.NotNil(t, ex)

	// Sentence blocks carry 0, 1, 0.
	require.Equal(t, 0, ex.Segments[0])
	require.Equal(t, 1, ex.Segments[ex.ClsIDs[1]])
	require.Equal(t, 0, ex.Segments[ex.ClsIDs[2]])
}

func TestFormatDocumentFiltersShortDocuments(t *testing.T) {
	tok := preproTestTokenizer(t, "graphs", "summarize", "papers")
	f, err := NewFormatter(tok, testFormatterOptions())
	require.NoError(t, err)

	src := [][]string{sent("graphs", "summarize", "papers")}
	tgt := [][]string{sent("graphs", "summarize", "papers")}

	ex, err := f.FormatDocument("p", src, tgt, []int{1}, nil, nil, false)
	require.NoError(t, err)
	require.Nil(t, ex, "a single-sentence document is filtered in training mode")

	ex, err = f.FormatDocument("p", src, tgt, []int{1}, nil, nil, true)
	require.NoError(t, err)
	require.NotNil(t, ex, "test mode bypasses the minimum filters")
}

func TestFormatDocumentTruncatesTarget(t *testing.T) {
	tok := preproTestTokenizer(t, "graphs", "summarize", "papers", "citation", "networks")
	f, err := NewFormatter(tok, testFormatterOptions())
	require.NoError(t, err)

	tgt := [][]string{
		sent("graphs", "summarize", "papers"),
		sent("citation", "networks", "summarize", "papers"),
		sent("graphs", "citation", "networks"),
	}
	src := [][]string{
		sent("graphs", "summarize", "papers"),
		sent("citation", "networks", "papers"),
	}
	ex, err := f.FormatDocument("p", src, tgt, []int{0, 0}, nil, nil, false)
	require.NoError(t, err)
	require.NotNil(t, ex)
	require.Len(t, ex.Tgt, 10)
}

func TestFormatDocumentRejectsLabelMismatch(t *testing.T) {
	tok := preproTestTokenizer(t, "graphs", "summarize", "papers")
	f, err := NewFormatter(tok, testFormatterOptions())
	require.NoError(t, err)

	_, err = f.FormatDocument("p", [][]string{sent("graphs", "summarize", "papers")},
		[][]string{sent("graphs")}, []int{1, 0}, nil, nil, false)
	require.Error(t, err)
}
