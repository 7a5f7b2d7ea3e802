package prepro

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// PipelineOptions controls corpus expansion and the worker pool.
type PipelineOptions struct {
	NHop        int
	MaxNeighbor int
	Workers     int
	ShardSize   int
	IsTest      bool
}

// NewDefaultPipelineOptions returns the settings used for the citation
// summarization corpus.
func NewDefaultPipelineOptions() *PipelineOptions {
	return &PipelineOptions{NHop: 2, MaxNeighbor: 32, Workers: 4, ShardSize: 2000}
}

// Pipeline formats a corpus split into shard files: for each paper it
// expands the citation subgraph, selects oracle sentences, formats the
// document and its neighbors, and appends the example to a shard writer.
type Pipeline struct {
	corpus    Corpus
	formatter *Formatter
	opts      PipelineOptions
	logger    *slog.Logger
}

// NewPipeline builds a pipeline over the given corpus.
func NewPipeline(corpus Corpus, formatter *Formatter, opts *PipelineOptions, logger *slog.Logger) (*Pipeline, error) {
	if len(corpus) == 0 {
		return nil, fmt.Errorf("corpus cannot be empty")
	}
	if formatter == nil {
		return nil, fmt.Errorf("pipeline requires a formatter")
	}
	if opts == nil {
		opts = NewDefaultPipelineOptions()
	}
	if opts.Workers <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", opts.Workers)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{corpus: corpus, formatter: formatter, opts: *opts, logger: logger}, nil
}

// BuildExample formats a single paper, or returns (nil, nil) when the paper
// is filtered out.
func (p *Pipeline) BuildExample(paperID string) (*Example, error) {
	paper, ok := p.corpus[paperID]
	if !ok {
		return nil, fmt.Errorf("paper %s not in corpus", paperID)
	}

	adj := SubgraphAdjacency(paperID, p.opts.NHop, p.opts.MaxNeighbor, p.corpus)
	graph, err := BuildCitationGraph(paperID, adj)
	if err != nil {
		return nil, err
	}

	// The source paper's own abstract leads the graph inputs; each
	// neighbor contributes its most salient abstract sentences.
	graphDocs := [][][]string{paper.Abstract}
	for _, id := range graph.IDs[1:] {
		nbr := p.corpus[id]
		picked := GreedySelection(nbr.Abstract, paper.Abstract, p.formatter.opts.SummarySize)
		doc := make([][]string, 0, len(picked))
		for _, i := range picked {
			doc = append(doc, nbr.Abstract[i])
		}
		if len(doc) == 0 && len(nbr.Abstract) > 0 {
			doc = nbr.Abstract[:1]
		}
		graphDocs = append(graphDocs, doc)
	}

	labels := GreedySelection(paper.Introduction, paper.Abstract, p.formatter.opts.SummarySize)
	sentLabels := make([]int, len(paper.Introduction))
	for _, i := range labels {
		sentLabels[i] = 1
	}

	return p.formatter.FormatDocument(paperID, paper.Introduction, paper.Abstract, sentLabels,
		graphDocs, graph.Labels, p.opts.IsTest)
}

// Run formats every paper in ids and writes the resulting shard files for
// the split. Formatting fans out over a bounded worker pool; examples are
// written in corpus order so shard contents are deterministic.
func (p *Pipeline) Run(ctx context.Context, split string, ids []string, outDir string) error {
	writer, err := NewShardWriter(outDir, split, p.opts.ShardSize, p.logger)
	if err != nil {
		return err
	}

	examples := make([]*Example, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ex, err := p.BuildExample(id)
			if err != nil {
				return fmt.Errorf("formatting %s: %w", id, err)
			}
			examples[i] = ex
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	kept := 0
	for _, ex := range examples {
		if ex == nil {
			continue
		}
		if err := writer.Append(ex); err != nil {
			return err
		}
		kept++
	}
	if err := writer.Close(); err != nil {
		return err
	}
	p.logger.Info("finished split", "split", split, "papers", len(ids), "examples", kept)
	return nil
}
