package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
)

// GraphHash is the deterministic identity of a Graph, computed from step names
// and dependency structure only.
type GraphHash string

func (h GraphHash) String() string { return string(h) }

// StepFunc does the work of one step. It reads its inputs from arts and
// publishes the artifacts it wrote back into it.
type StepFunc func(ctx context.Context, arts *Artifacts) error

// Step is one node of the graph. Needs names the steps that must complete
// before it may run.
type Step struct {
	Name  string
	Needs []string
	Run   StepFunc
}

// Edge is a dependency: To runs only after From completes.
type Edge struct {
	From string
	To   string
}

type node struct {
	Step
	canonicalIndex int
}

type edgeIndex struct {
	from int
	to   int
}

// Graph is an immutable, validated step DAG.
type Graph struct {
	nodesByName map[string]*node
	nodes       []*node // canonical order

	edges []edgeIndex // sorted

	outgoing [][]int
	indeg    []int

	hash GraphHash
}

// NewGraph builds and validates a Graph. It rejects empty or duplicate names,
// steps without a function, dependencies on unknown steps, self-loops,
// duplicate dependencies and cycles.
func NewGraph(steps []Step) (*Graph, error) {
	if len(steps) == 0 {
		return nil, invalidf("no steps")
	}

	nodesByName := make(map[string]*node, len(steps))
	nodes := make([]*node, 0, len(steps))
	for _, s := range steps {
		if s.Name == "" {
			return nil, invalidf("step name is required")
		}
		if s.Run == nil {
			return nil, invalidf("step %q has no function", s.Name)
		}
		if _, exists := nodesByName[s.Name]; exists {
			return nil, invalidf("duplicate step name: %q", s.Name)
		}
		n := &node{Step: s}
		nodesByName[s.Name] = n
		nodes = append(nodes, n)
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	for i, n := range nodes {
		n.canonicalIndex = i
	}

	var mapped []edgeIndex
	seen := make(map[edgeIndex]struct{})
	for _, n := range nodes {
		for _, need := range n.Needs {
			from, ok := nodesByName[need]
			if !ok {
				return nil, invalidf("step %q needs unknown step %q", n.Name, need)
			}
			if from == n {
				return nil, invalidf("self-loop: %q", n.Name)
			}
			pair := edgeIndex{from: from.canonicalIndex, to: n.canonicalIndex}
			if _, dup := seen[pair]; dup {
				return nil, invalidf("duplicate dependency: %q -> %q", need, n.Name)
			}
			seen[pair] = struct{}{}
			mapped = append(mapped, pair)
		}
	}
	sort.Slice(mapped, func(i, j int) bool {
		a, b := mapped[i], mapped[j]
		if a.from != b.from {
			return a.from < b.from
		}
		return a.to < b.to
	})

	outgoing := make([][]int, len(nodes))
	indeg := make([]int, len(nodes))
	for _, e := range mapped {
		outgoing[e.from] = append(outgoing[e.from], e.to)
		indeg[e.to]++
	}

	g := &Graph{
		nodesByName: nodesByName,
		nodes:       nodes,
		edges:       mapped,
		outgoing:    outgoing,
		indeg:       indeg,
	}
	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}
	g.hash = g.computeHash()
	return g, nil
}

// Hash returns the stable identity for this graph.
func (g *Graph) Hash() GraphHash { return g.hash }

// Edges returns the dependencies as name pairs in canonical order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, Edge{From: g.nodes[e.from].Name, To: g.nodes[e.to].Name})
	}
	return out
}

// TopologicalOrder returns a deterministic topological ordering of step names.
// Ready steps are taken in name order.
func (g *Graph) TopologicalOrder() []string {
	order := g.topoOrderIndices()
	names := make([]string, 0, len(order))
	for _, idx := range order {
		names = append(names, g.nodes[idx].Name)
	}
	return names
}

func (g *Graph) computeHash() GraphHash {
	h := sha256.New()
	writeField := func(data []byte) {
		var length [8]byte
		binary.BigEndian.PutUint64(length[:], uint64(len(data)))
		h.Write(length[:])
		h.Write(data)
	}
	writeInt := func(v int) {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v))
		writeField(b[:])
	}

	writeInt(len(g.nodes))
	for _, n := range g.nodes {
		writeField([]byte(n.Name))
	}
	writeInt(len(g.edges))
	for _, e := range g.edges {
		writeInt(e.from)
		writeInt(e.to)
	}
	return GraphHash(hex.EncodeToString(h.Sum(nil)))
}
