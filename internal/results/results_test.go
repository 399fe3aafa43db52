package results

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnclabs/kgrank/internal/evaluate"
)

func TestFormatLine(t *testing.T) {
	m := evaluate.Aggregate([]int{1, 2})
	line := FormatLine("fb-rotate", m)
	assert.Equal(t,
		"fb-rotate\tMRR:0.750000\tMR:1.500000\thits@1:0.500000\thits@3:1.000000\thits@10:1.000000\thits@30:1.000000\thits@50:1.000000",
		line)
}

func TestAppendLine(t *testing.T) {
	dir := t.TempDir()
	m := evaluate.Aggregate([]int{1})
	require.NoError(t, AppendLine(dir, "wn18rr", "a", m))
	require.NoError(t, AppendLine(dir, "wn18rr", "b", m))

	data, err := os.ReadFile(filepath.Join(dir, "results_wn18rr.txt"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "a\tMRR:1.000000"))
	assert.True(t, strings.HasPrefix(lines[1], "b\t"))
}

func TestHistory(t *testing.T) {
	h, err := OpenHistory(filepath.Join(t.TempDir(), "metrics"))
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Record(NewEntry("run1", "valid", 20000, evaluate.Aggregate([]int{2}))))
	require.NoError(t, h.Record(NewEntry("run1", "valid", 10000, evaluate.Aggregate([]int{4}))))
	require.NoError(t, h.Record(NewEntry("run1", "test", 20000, evaluate.Aggregate([]int{1}))))
	require.NoError(t, h.Record(NewEntry("run10", "valid", 5, evaluate.Aggregate([]int{1}))))

	valid, err := h.List("run1", "valid")
	require.NoError(t, err)
	require.Len(t, valid, 2)
	assert.Equal(t, 10000, valid[0].Step)
	assert.Equal(t, 20000, valid[1].Step)
	assert.InDelta(t, 1.0, valid[1].Hits[3], 1e-12)

	all, err := h.List("run1", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	best, ok, err := h.Best("run1", "valid")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 20000, best.Step)

	_, ok, err = h.Best("missing", "valid")
	require.NoError(t, err)
	assert.False(t, ok)
}
