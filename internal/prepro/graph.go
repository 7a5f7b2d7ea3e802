package prepro

import (
	"fmt"

	"github.com/emirpasic/gods/v2/queues/linkedlistqueue"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gonum.org/v1/gonum/graph/simple"
)

// Paper is one record of the citation corpus. Abstract and Introduction are
// pre-split into sentences of tokens.
type Paper struct {
	ID           string
	References   []string
	Abstract     [][]string
	Introduction [][]string
}

// Corpus maps paper ids to records.
type Corpus map[string]*Paper

// KHopNeighbors expands the citation neighborhood of paperID breadth-first,
// one slice of paper ids per hop level (level 0 is the paper itself).
// Expansion stops past nHop levels or once maxNeighbor nodes are collected.
func KHopNeighbors(paperID string, nHop, maxNeighbor int, corpus Corpus) [][]string {
	levels := make([][]string, nHop+1)

	type nodeLevel struct {
		id    string
		level int
	}
	q := linkedlistqueue.New[nodeLevel]()
	q.Enqueue(nodeLevel{id: paperID})
	visited := map[string]bool{}
	count := 0

	for {
		n, ok := q.Dequeue()
		if !ok {
			return levels
		}
		if n.level > nHop {
			return levels
		}
		levels[n.level] = append(levels[n.level], n.id)
		count++
		if count > maxNeighbor {
			return levels
		}
		visited[n.id] = true
		for _, ref := range corpus[n.id].References {
			if !visited[ref] {
				if _, known := corpus[ref]; known {
					q.Enqueue(nodeLevel{id: ref, level: n.level + 1})
					visited[ref] = true
				}
			}
		}
	}
}

// Adjacency is the insertion-ordered neighbor map of a citation subgraph.
// The source paper is always the first entry; downstream node indexing
// relies on that order.
type Adjacency = orderedmap.OrderedMap[string, []string]

// SubgraphAdjacency builds the symmetric neighbor map over the k-hop
// neighborhood of paperID: every reference edge inside the neighborhood is
// recorded in both directions.
func SubgraphAdjacency(paperID string, nHop, maxNeighbor int, corpus Corpus) *Adjacency {
	levels := KHopNeighbors(paperID, nHop, maxNeighbor, corpus)

	adj := orderedmap.New[string, []string]()
	inSet := map[string]bool{}
	for _, level := range levels {
		for _, id := range level {
			adj.Set(id, nil)
			inSet[id] = true
		}
	}

	for _, level := range levels {
		for _, centre := range level {
			for _, ref := range corpus[centre].References {
				if !inSet[ref] {
					continue
				}
				cn, _ := adj.Get(centre)
				adj.Set(centre, append(cn, ref))
				rn, _ := adj.Get(ref)
				adj.Set(ref, append(rn, centre))
			}
		}
	}
	return adj
}

// CitationGraph is the indexed form of a citation subgraph: node 0 is the
// source paper. Structure holds the undirected edges between distinct
// papers; Labels is the 0/1 adjacency matrix with self-loops added, which
// the graph-consistency loss consumes directly.
type CitationGraph struct {
	IDs       []string
	Structure *simple.UndirectedGraph
	Labels    [][]float64
}

// BuildCitationGraph indexes an adjacency map into a graph. The source
// paper must be the map's first entry.
func BuildCitationGraph(paperID string, adj *Adjacency) (*CitationGraph, error) {
	n := adj.Len()
	if n == 0 {
		return nil, fmt.Errorf("empty subgraph for paper %s", paperID)
	}
	if first := adj.Oldest(); first.Key != paperID {
		return nil, fmt.Errorf("source paper %s is not the first subgraph node, got %s", paperID, first.Key)
	}

	ids := make([]string, 0, n)
	index := make(map[string]int, n)
	for pair := adj.Oldest(); pair != nil; pair = pair.Next() {
		index[pair.Key] = len(ids)
		ids = append(ids, pair.Key)
	}

	g := simple.NewUndirectedGraph()
	for i := 0; i < n; i++ {
		g.AddNode(simple.Node(i))
	}
	labels := make([][]float64, n)
	for i := range labels {
		labels[i] = make([]float64, n)
		labels[i][i] = 1 // self loop
	}
	for pair := adj.Oldest(); pair != nil; pair = pair.Next() {
		i := index[pair.Key]
		for _, nbr := range pair.Value {
			j, ok := index[nbr]
			if !ok {
				return nil, fmt.Errorf("neighbor %s of %s missing from subgraph", nbr, pair.Key)
			}
			labels[i][j] = 1
			labels[j][i] = 1
			if i != j {
				g.SetEdge(g.NewEdge(simple.Node(i), simple.Node(j)))
			}
		}
	}
	return &CitationGraph{IDs: ids, Structure: g, Labels: labels}, nil
}
