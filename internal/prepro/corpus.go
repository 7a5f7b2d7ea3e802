package prepro

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

type paperRecord struct {
	PaperID      string     `json:"paper_id"`
	References   []string   `json:"references"`
	Abstract     [][]string `json:"abstract"`
	Introduction [][]string `json:"introduction"`
}

// LoadCorpus reads a JSON corpus file: an array of paper records with
// sentence-split, token-split abstract and introduction fields.
func LoadCorpus(path string) (Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading corpus: %w", err)
	}
	var records []paperRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decoding corpus %s: %w", path, err)
	}

	corpus := make(Corpus, len(records))
	for _, r := range records {
		if r.PaperID == "" {
			return nil, fmt.Errorf("corpus %s: record without paper_id", path)
		}
		if _, dup := corpus[r.PaperID]; dup {
			return nil, fmt.Errorf("corpus %s: duplicate paper %s", path, r.PaperID)
		}
		corpus[r.PaperID] = &Paper{
			ID:           r.PaperID,
			References:   r.References,
			Abstract:     r.Abstract,
			Introduction: r.Introduction,
		}
	}
	return corpus, nil
}

// PaperIDs returns the corpus ids in sorted order.
func PaperIDs(corpus Corpus) []string {
	ids := make([]string, 0, len(corpus))
	for id := range corpus {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
