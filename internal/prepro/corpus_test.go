package prepro

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const corpusJSON = `[
  {"paper_id": "a", "references": ["b"],
   "abstract": [["we", "study", "graphs"]],
   "introduction": [["this", "paper", "studies", "graphs"]]},
  {"paper_id": "b", "references": [],
   "abstract": [["citation", "models"]],
   "introduction": [["prior", "work"]]}
]`

func writeCorpus(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corpus.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadCorpus(t *testing.T) {
	corpus, err := LoadCorpus(writeCorpus(t, corpusJSON))
	require.NoError(t, err)
	require.Len(t, corpus, 2)
	require.Equal(t, []string{"b"}, corpus["a"].References)
	require.Equal(t, [][]string{{"we", "study", "graphs"}}, corpus["a"].Abstract)
	require.Equal(t, []string{"a", "b"}, PaperIDs(corpus))
}

func TestLoadCorpusRejectsBadRecords(t *testing.T) {
	_, err := LoadCorpus(writeCorpus(t, `[{"references": []}]`))
	require.Error(t, err, "missing paper_id")

	_, err = LoadCorpus(writeCorpus(t, `[{"paper_id": "a"}, {"paper_id": "a"}]`))
	require.Error(t, err, "duplicate paper_id")

	_, err = LoadCorpus(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
