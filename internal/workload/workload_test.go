package workload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	w, err := Parse([]byte(`
duration: 50
processes:
  - kind: compute
    work: 10
  - name: poisson
    kind: compute
    work: 2
    rate: 0.5
  - name: t
    kind: threads
    work: 5
`))
	require.NoError(t, err)
	assert.Equal(t, "workload", w.Name)
	require.Len(t, w.Processes, 3)
	assert.Equal(t, "compute0", w.Processes[0].Name)
	assert.Equal(t, 1, w.Processes[0].Count)
	assert.Equal(t, 0, w.Processes[1].Count, "arrival-only definitions start nothing at boot")
	assert.Equal(t, uint64(50), w.Processes[1].Until)
	assert.Equal(t, 2, w.Processes[2].Threads)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", `name: x`, "no processes"},
		{"unknown kind", "processes:\n  - kind: teleport", `unknown kind "teleport"`},
		{"no work", "processes:\n  - kind: compute", "work must be > 0"},
		{"bad share", "processes:\n  - kind: stride\n    work: 1\n    share: 120", "share must be in (0, 100]"},
		{"no rounds", "processes:\n  - kind: pingpong", "rounds must be >= 1"},
		{"script both", "processes:\n  - kind: script\n    source: x\n    file: y.js", "exactly one of source and file"},
		{"endless arrivals", "processes:\n  - kind: compute\n    work: 1\n    rate: 1", "arrivals need until"},
		{"negative count", "processes:\n  - kind: compute\n    work: 1\n    count: -1", "count must be >= 0"},
		{"bad yaml", "processes: [", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_ScriptFileRelative(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.js"), []byte(`getpid()`), 0o644))
	path := filepath.Join(dir, "w.yaml")
	require.NoError(t, os.WriteFile(path, []byte("processes:\n  - kind: script\n    file: hello.js\n"), 0o644))

	w, err := Load(path)
	require.NoError(t, err)
	src, err := w.scriptSource(w.Processes[0])
	require.NoError(t, err)
	assert.Equal(t, "getpid()", src)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "read workload")
}

func TestArrivals_Deterministic(t *testing.T) {
	a := newArrivals(1, 2.0, 100, 7)
	b := newArrivals(1, 2.0, 100, 7)
	var sum int
	for tick := range uint64(100) {
		x, y := a.draw(tick), b.draw(tick)
		require.Equal(t, x, y)
		sum += x
	}
	assert.InDelta(t, 200, sum, 60, "mean of Poisson(2) over 100 ticks")
	assert.Zero(t, a.draw(100))
	assert.True(t, a.done(100))
	assert.False(t, a.done(99))
}
