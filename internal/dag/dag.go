// Package dag builds the dependency graph over a Manifest's builds and
// binds and exposes the leveled wave order the scheduler executes (§4.E).
package dag

import (
	"errors"
	"fmt"
	"sort"

	"github.com/distr1/envbind/internal/model"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// NodeKind discriminates a dependency-graph Node.
type NodeKind int

const (
	KindBuild NodeKind = iota
	KindBind
)

func (k NodeKind) String() string {
	if k == KindBuild {
		return "build"
	}
	return "bind"
}

// Node identifies one build or bind within the graph.
type Node struct {
	Kind NodeKind
	Hash model.ObjectHash
}

// ErrCycleDetected is the sentinel wrapped by CycleDetectedError.
var ErrCycleDetected = errors.New("dag: cycle detected")

// CycleDetectedError reports the node hashes caught in a dependency cycle.
type CycleDetectedError struct {
	Nodes []Node
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("dag: cycle detected among %d node(s)", len(e.Nodes))
}

func (e *CycleDetectedError) Unwrap() error { return ErrCycleDetected }

// InvalidManifestError reports a manifest whose structure the DAG cannot
// represent (a build referencing a bind, per §3/§4.E).
type InvalidManifestError struct {
	Reason string
}

func (e *InvalidManifestError) Error() string {
	return fmt.Sprintf("dag: invalid manifest: %s", e.Reason)
}

type graphNode struct {
	id   int64
	kind NodeKind
	hash model.ObjectHash
}

func (n *graphNode) ID() int64 { return n.id }

// ExecutionDag is the dependency graph over one Manifest's builds and binds.
type ExecutionDag struct {
	g          *simple.DirectedGraph
	buildNodes map[model.ObjectHash]*graphNode
	bindNodes  map[model.ObjectHash]*graphNode
	byID       map[int64]*graphNode
}

// New constructs the ExecutionDag for a manifest (§4.E construction steps
// 1-4), returning a CycleDetectedError if the manifest is cyclic.
func New(m model.Manifest) (*ExecutionDag, error) {
	d := &ExecutionDag{
		g:          simple.NewDirectedGraph(),
		buildNodes: make(map[model.ObjectHash]*graphNode),
		bindNodes:  make(map[model.ObjectHash]*graphNode),
		byID:       make(map[int64]*graphNode),
	}

	var id int64
	for _, h := range m.SortedBuildHashes() {
		n := &graphNode{id: id, kind: KindBuild, hash: h}
		id++
		d.buildNodes[h] = n
		d.byID[n.id] = n
		d.g.AddNode(n)
	}
	for _, h := range m.SortedBindHashes() {
		n := &graphNode{id: id, kind: KindBind, hash: h}
		id++
		d.bindNodes[h] = n
		d.byID[n.id] = n
		d.g.AddNode(n)
	}

	for h, b := range m.Builds {
		if err := b.ValidateNoBindRefs(); err != nil {
			return nil, &InvalidManifestError{Reason: fmt.Sprintf("build %s: %v", h, err)}
		}
		for _, dep := range b.BuildRefDependencies() {
			depNode, ok := d.buildNodes[dep]
			if !ok {
				return nil, &InvalidManifestError{Reason: fmt.Sprintf("build %s depends on unknown build %s", h, dep)}
			}
			d.g.SetEdge(d.g.NewEdge(depNode, d.buildNodes[h]))
		}
	}

	for h, b := range m.Bindings {
		for _, dep := range b.BuildRefDependencies() {
			depNode, ok := d.buildNodes[dep]
			if !ok {
				return nil, &InvalidManifestError{Reason: fmt.Sprintf("bind %s depends on unknown build %s", h, dep)}
			}
			d.g.SetEdge(d.g.NewEdge(depNode, d.bindNodes[h]))
		}
		for _, dep := range b.BindRefDependencies() {
			depNode, ok := d.bindNodes[dep]
			if !ok {
				return nil, &InvalidManifestError{Reason: fmt.Sprintf("bind %s depends on unknown bind %s", h, dep)}
			}
			d.g.SetEdge(d.g.NewEdge(depNode, d.bindNodes[h]))
		}
	}

	if _, err := topo.Sort(d.g); err != nil {
		uo, ok := err.(topo.Unorderable)
		if !ok {
			return nil, xerrors.Errorf("dag: topological sort: %w", err)
		}
		var nodes []Node
		for _, component := range uo {
			for _, gn := range component {
				n := gn.(*graphNode)
				nodes = append(nodes, Node{Kind: n.kind, Hash: n.hash})
			}
		}
		return nil, &CycleDetectedError{Nodes: nodes}
	}

	return d, nil
}

// ExecutionWaves returns the unified leveled order: wave k contains exactly
// the nodes (builds and binds together) whose every predecessor is in an
// earlier wave. This is the primary scheduling input (§4.E, §9 SUPPLEMENTED
// FEATURES).
func (d *ExecutionDag) ExecutionWaves() ([][]Node, error) {
	levels, err := d.waves()
	if err != nil {
		return nil, err
	}
	out := make([][]Node, len(levels))
	for i, level := range levels {
		wave := make([]Node, len(level))
		for j, n := range level {
			wave[j] = Node{Kind: n.kind, Hash: n.hash}
		}
		out[i] = wave
	}
	return out, nil
}

// BuildWaves is the build-only projection of ExecutionWaves: each wave
// restricted to build nodes, with resulting empty waves dropped.
func (d *ExecutionDag) BuildWaves() ([][]model.ObjectHash, error) {
	levels, err := d.waves()
	if err != nil {
		return nil, err
	}
	var out [][]model.ObjectHash
	for _, level := range levels {
		var wave []model.ObjectHash
		for _, n := range level {
			if n.kind == KindBuild {
				wave = append(wave, n.hash)
			}
		}
		if len(wave) > 0 {
			out = append(out, wave)
		}
	}
	return out, nil
}

// BuildDependencies returns the build hashes that build h directly depends
// on, sorted.
func (d *ExecutionDag) BuildDependencies(h model.ObjectHash) []model.ObjectHash {
	return d.predecessors(d.buildNodes[h], KindBuild)
}

// BindBuildDependencies returns the build hashes bind h directly depends on.
func (d *ExecutionDag) BindBuildDependencies(h model.ObjectHash) []model.ObjectHash {
	return d.predecessors(d.bindNodes[h], KindBuild)
}

// BindBindDependencies returns the bind hashes bind h directly depends on.
func (d *ExecutionDag) BindBindDependencies(h model.ObjectHash) []model.ObjectHash {
	return d.predecessors(d.bindNodes[h], KindBind)
}

// HasDependencies reports whether h (a build or bind hash) has any direct
// predecessor in the graph.
func (d *ExecutionDag) HasDependencies(h model.ObjectHash) bool {
	n, ok := d.buildNodes[h]
	if !ok {
		n, ok = d.bindNodes[h]
	}
	if !ok {
		return false
	}
	return d.g.To(n.id).Len() > 0
}

func (d *ExecutionDag) predecessors(n *graphNode, kind NodeKind) []model.ObjectHash {
	if n == nil {
		return nil
	}
	it := d.g.To(n.id)
	var out []model.ObjectHash
	for it.Next() {
		pred := it.Node().(*graphNode)
		if pred.kind == kind {
			out = append(out, pred.hash)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// waves runs a Kahn's-algorithm leveling: wave k holds every node whose
// predecessors are all in waves < k. Ties within a wave are sorted by kind
// then hash purely for deterministic test output; the contract (§4.E) does
// not otherwise order them.
func (d *ExecutionDag) waves() ([][]*graphNode, error) {
	indeg := make(map[int64]int, len(d.byID))
	for id := range d.byID {
		indeg[id] = d.g.To(id).Len()
	}

	remaining := len(d.byID)
	var levels [][]*graphNode
	for remaining > 0 {
		var level []*graphNode
		for id, deg := range indeg {
			if deg == 0 {
				level = append(level, d.byID[id])
			}
		}
		if len(level) == 0 {
			// topo.Sort already rejected cycles at construction time; this
			// should be unreachable.
			return nil, &CycleDetectedError{}
		}
		sort.Slice(level, func(i, j int) bool {
			if level[i].kind != level[j].kind {
				return level[i].kind < level[j].kind
			}
			return level[i].hash < level[j].hash
		})
		for _, n := range level {
			delete(indeg, n.id)
			remaining--
			to := d.g.From(n.id)
			for to.Next() {
				indeg[to.Node().ID()]--
			}
		}
		levels = append(levels, level)
	}
	return levels, nil
}
