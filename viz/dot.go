// Package viz renders factorized circuit graphs to Graphviz DOT with
// deterministic output, so renders of the same circuit diff cleanly.
package viz

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/openfluke/circuit/circuit"
)

// DotRenderer writes the evaluated circuit to a DOT file.
type DotRenderer struct {
	Path string
}

// NewDotRenderer renders into the file at path, overwriting it.
func NewDotRenderer(path string) *DotRenderer {
	return &DotRenderer{Path: path}
}

// Render writes the circuit as a DOT document. Active edges are drawn red
// and bold; with patchedOnly only active edges and their endpoints appear.
func (r *DotRenderer) Render(g *circuit.Graph, active []*circuit.Edge, baselines map[*circuit.Edge]float32, patchedOnly bool) error {
	return os.WriteFile(r.Path, []byte(Serialize(g, active, baselines, patchedOnly)), 0o644)
}

// Serialize builds the DOT document for a circuit. Nodes are ranked by
// logical layer and emitted in sorted order within each rank; edges with a
// baseline value carry it as a label.
func Serialize(g *circuit.Graph, active []*circuit.Edge, baselines map[*circuit.Edge]float32, patchedOnly bool) string {
	activeSet := make(map[*circuit.Edge]bool, len(active))
	for _, e := range active {
		activeSet[e] = true
	}

	// A node name can appear as both a source and a destination; the
	// drawing unifies them and ranks each name at its source layer where
	// one exists.
	layers := map[string]int{}
	keep := map[string]bool{}
	for _, e := range g.Edges {
		if patchedOnly && !activeSet[e] {
			continue
		}
		keep[e.Src.Name] = true
		keep[e.Dest.Name] = true
	}
	for _, d := range g.Dests {
		if keep[d.Name] {
			layers[d.Name] = d.Layer
		}
	}
	for _, s := range g.Srcs {
		if keep[s.Name] {
			layers[s.Name] = s.Layer
		}
	}

	byLayer := map[int][]string{}
	for name, layer := range layers {
		byLayer[layer] = append(byLayer[layer], name)
	}
	var ranks []int
	for layer := range byLayer {
		ranks = append(ranks, layer)
	}
	sort.Ints(ranks)

	var b strings.Builder
	b.WriteString("digraph circuit {\n")
	b.WriteString("  rankdir=BT\n")
	b.WriteString("  node [shape=box, style=filled, fillcolor=\"#ADD8E6\"]\n\n")

	for _, layer := range ranks {
		names := byLayer[layer]
		sort.Strings(names)
		b.WriteString("  { rank=same")
		for _, name := range names {
			fmt.Fprintf(&b, "; %s", quote(name))
		}
		b.WriteString(" }\n")
	}
	b.WriteString("\n")

	for _, e := range g.Edges {
		isActive := activeSet[e]
		if patchedOnly && !isActive {
			continue
		}
		attrs := `color="#c0c0c0"`
		if isActive {
			attrs = `color=red, penwidth=2`
		}
		if v, ok := baselines[e]; ok {
			attrs += fmt.Sprintf(`, label="%.3g"`, v)
		}
		fmt.Fprintf(&b, "  %s -> %s [%s]\n", quote(e.Src.Name), quote(e.Dest.Name), attrs)
	}

	b.WriteString("}\n")
	return b.String()
}

// quote returns a DOT-safe double-quoted identifier.
func quote(val string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, ch := range val {
		switch ch {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteRune(ch)
		}
	}
	b.WriteByte('"')
	return b.String()
}
