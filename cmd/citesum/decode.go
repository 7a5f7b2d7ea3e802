package main

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/spf13/cobra"

	"github.com/citesum/citesum/internal/prepro"
	"github.com/citesum/citesum/internal/tokenizer"
	"github.com/citesum/citesum/pkg/autodiff"
	"github.com/citesum/citesum/pkg/model"
)

func newDecodeCmd() *cobra.Command {
	var (
		vocabPath string
		shardPath string
		ckptPath  string
		maxSteps  int
		limit     int
		seed      int64
		modelDim  int
		numLayers int
		numHeads  int
		ffnHidden int
		maxLen    int
	)

	cmd := &cobra.Command{
		Use:   "decode",
		Short: "greedily decode summaries for the examples of a shard file",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default()

			tok, err := tokenizer.Load(vocabPath, nil)
			if err != nil {
				return err
			}
			examples, err := prepro.ReadShard(shardPath)
			if err != nil {
				return err
			}

			cfg := &model.Config{
				VocabSize:    tok.VocabSize(),
				ModelDim:     modelDim,
				NumLayers:    numLayers,
				NumHeads:     numHeads,
				FFNHiddenDim: ffnHidden,
				MaxLen:       maxLen,
				PadID:        tok.PadID(),
			}
			rng := rand.New(rand.NewSource(seed))
			dec, err := model.NewDecoder(cfg, rng)
			if err != nil {
				return err
			}
			gen, err := model.NewVocabGenerator(cfg.ModelDim, cfg.VocabSize, rng)
			if err != nil {
				return err
			}
			if ckptPath != "" {
				params := append(dec.Parameters(), gen.Parameters()...)
				if err := model.LoadParameters(ckptPath, params); err != nil {
					return err
				}
				logger.Info("loaded checkpoint", "path", ckptPath, "parameters", len(params))
			} else {
				logger.Warn("decoding with randomly initialized weights")
			}

			d := &decoder{tok: tok, dec: dec, gen: gen, maxSteps: maxSteps}
			for i, ex := range examples {
				if limit > 0 && i >= limit {
					break
				}
				summary, err := d.decodeExample(ex)
				if err != nil {
					return fmt.Errorf("decoding %s: %w", ex.ID, err)
				}
				fmt.Printf("%s\t%s\n", ex.ID, summary)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&vocabPath, "vocab", "", "vocabulary file, one token per line")
	cmd.Flags().StringVar(&shardPath, "shard", "", "CBOR shard file of formatted examples")
	cmd.Flags().StringVar(&ckptPath, "checkpoint", "", "CBOR parameter checkpoint")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 200, "maximum summary length in tokens")
	cmd.Flags().IntVar(&limit, "limit", 0, "decode at most this many examples (0 = all)")
	cmd.Flags().Int64Var(&seed, "seed", 1, "initialization seed")
	cmd.Flags().IntVar(&modelDim, "dim", 768, "model dimension")
	cmd.Flags().IntVar(&numLayers, "layers", 6, "decoder layers")
	cmd.Flags().IntVar(&numHeads, "heads", 8, "attention heads")
	cmd.Flags().IntVar(&ffnHidden, "ffn", 2048, "feed-forward hidden dimension")
	cmd.Flags().IntVar(&maxLen, "max-len", 5000, "positional encoding table length")
	_ = cmd.MarkFlagRequired("vocab")
	_ = cmd.MarkFlagRequired("shard")
	return cmd
}

type decoder struct {
	tok      *tokenizer.Tokenizer
	dec      *model.Decoder
	gen      *model.VocabGenerator
	maxSteps int
}

// decodeExample runs cached greedy decoding for one example. The encoder is
// out of scope here, so the memory banks are derived from the shared token
// embeddings: the document bank embeds the source tokens directly and the
// graph bank mean-pools each node's token embeddings.
func (d *decoder) decodeExample(ex *prepro.Example) (string, error) {
	memory, err := d.dec.Embeddings.Forward(ex.Src)
	if err != nil {
		return "", err
	}
	graphMemory, err := d.meanPoolNodes(ex.GraphSrc)
	if err != nil {
		return "", err
	}

	// Graph memory rows are pooled vectors, not tokens; the state carries a
	// non-pad placeholder id per node so no row is masked out.
	nodeIDs := make([]int, graphMemory.Rows())
	for i := range nodeIDs {
		nodeIDs[i] = d.tok.TokenID(tokenizer.ClsToken)
	}

	state := d.dec.InitState([][]int{ex.Src}, [][]int{nodeIDs}, true)
	bos := d.tok.TokenID(tokenizer.TgtBosToken)
	eos := d.tok.TokenID(tokenizer.TgtEosToken)

	cur := bos
	var out []int
	for step := 0; step < d.maxSteps; step++ {
		hidden, next, err := d.dec.Forward([][]int{{cur}},
			[]*autodiff.Tensor{memory}, []*autodiff.Tensor{graphMemory}, state, step, nil, nil)
		if err != nil {
			return "", err
		}
		state = next

		logProbs, err := d.gen.Generate(hidden[0])
		if err != nil {
			return "", err
		}
		cur = argmax(logProbs.Data.Data[logProbs.Rows()-1])
		if cur == eos {
			break
		}
		out = append(out, cur)
	}

	tokens, err := d.tok.ConvertIDsToTokens(out)
	if err != nil {
		return "", err
	}
	return d.tok.Detokenize(tokens), nil
}

// meanPoolNodes averages each node's token embeddings into one row.
func (d *decoder) meanPoolNodes(nodes [][]int) (*autodiff.Tensor, error) {
	dim := d.dec.Config.ModelDim
	pooled := autodiff.MustNewMatrix(max(len(nodes), 1), dim)
	for i, ids := range nodes {
		if len(ids) == 0 {
			continue
		}
		emb, err := d.dec.Embeddings.Forward(ids)
		if err != nil {
			return nil, err
		}
		for _, row := range emb.Data.Data {
			for c, v := range row {
				pooled.Data[i][c] += v
			}
		}
		for c := range pooled.Data[i] {
			pooled.Data[i][c] /= float64(len(ids))
		}
	}
	return autodiff.NewTensor(pooled, nil)
}

func argmax(row []float64) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}
