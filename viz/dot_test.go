package viz

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/circuit/circuit"
)

func testGraph() *circuit.Graph {
	srcs := []circuit.SrcNode{
		{Name: "Resid Start", Layer: 0, Idx: 0},
		{Name: "A0.0", Layer: 1, Idx: 1},
	}
	dests := []circuit.DestNode{
		{Name: "A0.0", Layer: 1, Idx: 0},
		{Name: "MLP 0", Layer: 2, Idx: 1},
		{Name: "Resid End", Layer: 3, Idx: 2},
	}
	return &circuit.Graph{
		Srcs:  srcs,
		Dests: dests,
		Edges: circuit.BuildEdges(srcs, dests),
	}
}

func TestSerialize(t *testing.T) {
	t.Run("emits every node and edge", func(t *testing.T) {
		g := testGraph()

		out := Serialize(g, nil, nil, false)

		assert.True(t, strings.HasPrefix(out, "digraph circuit {"))
		assert.Contains(t, out, `"Resid Start"`)
		assert.Contains(t, out, `"MLP 0"`)
		assert.Contains(t, out, `"Resid End"`)
		assert.Contains(t, out, `"Resid Start" -> "A0.0"`)
		assert.Equal(t, strings.Count(out, "->"), len(g.Edges))
	})

	t.Run("active edges are highlighted", func(t *testing.T) {
		g := testGraph()
		active := []*circuit.Edge{g.Edges[0]}

		out := Serialize(g, active, nil, false)

		assert.Equal(t, 1, strings.Count(out, "color=red"))
		assert.Equal(t, len(g.Edges)-1, strings.Count(out, `color="#c0c0c0"`))
	})

	t.Run("baseline values label their edges", func(t *testing.T) {
		g := testGraph()
		baselines := map[*circuit.Edge]float32{
			g.Edges[0]: 0.25,
			g.Edges[1]: -1.5,
		}

		out := Serialize(g, nil, baselines, false)

		assert.Contains(t, out, `label="0.25"`)
		assert.Contains(t, out, `label="-1.5"`)
		assert.Equal(t, 2, strings.Count(out, "label="),
			"edges without a baseline stay unlabeled")
	})

	t.Run("patched-only drops inactive edges and orphan nodes", func(t *testing.T) {
		g := testGraph()
		var active []*circuit.Edge
		for _, e := range g.Edges {
			if e.Src.Name == "A0.0" && e.Dest.Name == "MLP 0" {
				active = append(active, e)
			}
		}
		require.Len(t, active, 1)

		out := Serialize(g, active, nil, true)

		assert.Equal(t, 1, strings.Count(out, "->"))
		assert.NotContains(t, out, `"Resid Start"`)
		assert.NotContains(t, out, `"Resid End"`)
	})

	t.Run("output is deterministic", func(t *testing.T) {
		g := testGraph()
		assert.Equal(t, Serialize(g, nil, nil, false), Serialize(g, nil, nil, false))
	})

	t.Run("quotes special characters", func(t *testing.T) {
		assert.Equal(t, `"a\"b"`, quote(`a"b`))
		assert.Equal(t, `"a\\b"`, quote(`a\b`))
	})
}

func TestDotRenderer(t *testing.T) {
	g := testGraph()
	path := filepath.Join(t.TempDir(), "circuit.dot")

	r := NewDotRenderer(path)
	require.NoError(t, r.Render(g, nil, nil, false))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, Serialize(g, nil, nil, false), string(raw))
}
