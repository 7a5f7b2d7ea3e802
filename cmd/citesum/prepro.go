package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/citesum/citesum/internal/prepro"
	"github.com/citesum/citesum/internal/tokenizer"
)

func newPreproCmd() *cobra.Command {
	var (
		corpusPath string
		vocabPath  string
		idsPath    string
		outDir     string
		split      string
		shardSize  int
		workers    int
		nHop       int
		maxNbr     int
		isTest     bool
	)

	cmd := &cobra.Command{
		Use:   "prepro",
		Short: "format a corpus split into CBOR training shards",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default()

			tok, err := tokenizer.Load(vocabPath, nil)
			if err != nil {
				return err
			}
			corpus, err := prepro.LoadCorpus(corpusPath)
			if err != nil {
				return err
			}

			ids := prepro.PaperIDs(corpus)
			if idsPath != "" {
				if ids, err = readIDs(idsPath); err != nil {
					return err
				}
			}
			logger.Info("loaded corpus", "papers", len(corpus), "split", split, "ids", len(ids))

			formatter, err := prepro.NewFormatter(tok, nil)
			if err != nil {
				return err
			}
			pipeline, err := prepro.NewPipeline(corpus, formatter, &prepro.PipelineOptions{
				NHop:        nHop,
				MaxNeighbor: maxNbr,
				Workers:     workers,
				ShardSize:   shardSize,
				IsTest:      isTest,
			}, logger)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("creating output directory: %w", err)
			}
			return pipeline.Run(cmd.Context(), split, ids, outDir)
		},
	}

	cmd.Flags().StringVar(&corpusPath, "corpus", "", "JSON corpus file")
	cmd.Flags().StringVar(&vocabPath, "vocab", "", "vocabulary file, one token per line")
	cmd.Flags().StringVar(&idsPath, "ids", "", "optional file of paper ids for this split (default: whole corpus)")
	cmd.Flags().StringVar(&outDir, "out", "shards", "output directory")
	cmd.Flags().StringVar(&split, "split", "train", "split name used in shard file names")
	cmd.Flags().IntVar(&shardSize, "shard-size", 2000, "examples per shard file")
	cmd.Flags().IntVar(&workers, "workers", 4, "parallel formatting workers")
	cmd.Flags().IntVar(&nHop, "n-hop", 2, "citation neighborhood depth")
	cmd.Flags().IntVar(&maxNbr, "max-neighbor", 32, "citation neighborhood node cap")
	cmd.Flags().BoolVar(&isTest, "test", false, "bypass minimum-size filters (test split)")
	_ = cmd.MarkFlagRequired("corpus")
	_ = cmd.MarkFlagRequired("vocab")
	return cmd
}

func readIDs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening id list: %w", err)
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if id := strings.TrimSpace(scanner.Text()); id != "" {
			ids = append(ids, id)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading id list: %w", err)
	}
	return ids, nil
}
