package data

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	t.Run("valid batches", func(t *testing.T) {
		l, err := NewLoader([]PromptPairBatch{
			{Clean: [][]int{{1, 2}, {3, 4}}, Corrupt: [][]int{{5, 6}, {7, 8}}},
			{Clean: [][]int{{1, 1}}, Corrupt: [][]int{{2, 2}}},
		})

		require.NoError(t, err)
		assert.Equal(t, 2, l.Len())
		assert.Equal(t, 3, l.PromptCount())
		assert.Equal(t, 2, l.SeqLen)
	})

	t.Run("no batches", func(t *testing.T) {
		_, err := NewLoader(nil)
		assert.Error(t, err)
	})

	t.Run("mismatched clean and corrupt sizes", func(t *testing.T) {
		_, err := NewLoader([]PromptPairBatch{
			{Clean: [][]int{{1, 2}}, Corrupt: [][]int{{1, 2}, {3, 4}}},
		})
		assert.Error(t, err)
	})

	t.Run("inconsistent sequence lengths", func(t *testing.T) {
		_, err := NewLoader([]PromptPairBatch{
			{Clean: [][]int{{1, 2}}, Corrupt: [][]int{{1, 2, 3}}},
		})
		assert.Error(t, err)
	})

	t.Run("empty prompt", func(t *testing.T) {
		_, err := NewLoader([]PromptPairBatch{
			{Clean: [][]int{{}}, Corrupt: [][]int{{}}},
		})
		assert.Error(t, err)
	})
}

func TestLoadFromFile(t *testing.T) {
	writeDataset := func(t *testing.T, content string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "dataset.json")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	t.Run("groups pairs into batches", func(t *testing.T) {
		path := writeDataset(t, `{
			"batch_size": 2,
			"pairs": [
				{"clean": [1, 2], "corrupt": [3, 4]},
				{"clean": [5, 6], "corrupt": [7, 8]},
				{"clean": [9, 10], "corrupt": [11, 12]}
			]
		}`)

		l, err := LoadFromFile(path)

		require.NoError(t, err)
		assert.Equal(t, 2, l.Len(), "three pairs at batch size two gives two batches")
		assert.Len(t, l.Batches[0].Clean, 2)
		assert.Len(t, l.Batches[1].Clean, 1)
		assert.Equal(t, []int{1, 2}, l.Batches[0].Clean[0])
		assert.Equal(t, []int{11, 12}, l.Batches[1].Corrupt[0])
	})

	t.Run("zero batch size means one batch", func(t *testing.T) {
		path := writeDataset(t, `{
			"pairs": [
				{"clean": [1, 2], "corrupt": [3, 4]},
				{"clean": [5, 6], "corrupt": [7, 8]}
			]
		}`)

		l, err := LoadFromFile(path)

		require.NoError(t, err)
		assert.Equal(t, 1, l.Len())
		assert.Equal(t, 2, l.PromptCount())
	})

	t.Run("rejects empty datasets", func(t *testing.T) {
		path := writeDataset(t, `{"pairs": []}`)
		_, err := LoadFromFile(path)
		assert.Error(t, err)
	})

	t.Run("rejects invalid JSON", func(t *testing.T) {
		path := writeDataset(t, `{`)
		_, err := LoadFromFile(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.json"))
		assert.Error(t, err)
	})
}
