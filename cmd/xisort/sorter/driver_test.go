package sorter

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomValues(n int, seed int64) []float64 {
	r := rand.New(rand.NewSource(seed))
	values := make([]float64, n)
	for i := range values {
		values[i] = r.Float64()*2000 - 1000
	}
	return values
}

func assertSortedTotalOrder(t *testing.T, values []float64) {
	for i := 1; i < len(values); i++ {
		assert.LessOrEqualf(t, encodeKey(values[i-1]), encodeKey(values[i]), "out of order at %d", i)
	}
}

func TestSortInMemory(t *testing.T) {
	values := randomValues(1000, 1)
	want := append([]float64(nil), values...)
	sort.Float64s(want)

	stats, err := Sort(values, Config{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), stats.Elements)
	assert.Equal(t, want, values)
}

func TestSortForcedExternal(t *testing.T) {
	values := randomValues(5000, 2)
	want := append([]float64(nil), values...)
	sort.Float64s(want)

	stats, err := Sort(values, Config{External: true, MemLimit: 4096, BufferElems: 64})
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), stats.Elements)
	assert.True(t, stats.Runs >= 1)
	assertSortedTotalOrder(t, values)
	assert.Equal(t, want, values)
}

func TestSortExternalMultiPass(t *testing.T) {
	values := randomValues(20000, 3)
	want := append([]float64(nil), values...)
	sort.Float64s(want)

	// A tiny mem_limit forces many small runs and a fan-in cap small enough
	// to require more than one merge round.
	stats, err := Sort(values, Config{External: true, MemLimit: 512, BufferElems: 8})
	require.NoError(t, err)
	assert.True(t, stats.Passes >= 2, "expected multiple merge passes, got %d", stats.Passes)
	assert.Equal(t, want, values)
}

func TestSortEmptySlice(t *testing.T) {
	var values []float64
	stats, err := Sort(values, Config{})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), stats.Elements)
}

func TestSortEmptySliceExternal(t *testing.T) {
	var values []float64
	stats, err := Sort(values, Config{External: true, MemLimit: 4096})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), stats.Elements)
}

func TestSortTraceProducesPositivePhi(t *testing.T) {
	values := randomValues(40000, 4)
	stats, err := Sort(values, Config{Trace: true, Parallel: true})
	require.NoError(t, err)
	assert.True(t, stats.Traced)
	assert.True(t, stats.PhiSum > 0)
	assert.True(t, stats.SegmentCount > 0)
}

func TestSortRejectsExternalWithoutMemLimit(t *testing.T) {
	values := []float64{1, 2, 3}
	_, err := Sort(values, Config{External: true})
	require.Error(t, err)
	var sortErr *Error
	require.ErrorAs(t, err, &sortErr)
	assert.Equal(t, ConfigInvalid, sortErr.Kind)
}

func TestSortFilesInMemory(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	values := randomValues(500, 5)
	want := append([]float64(nil), values...)
	sort.Float64s(want)

	inPath := filepath.Join(tempDir, "in.bin")
	outPath := filepath.Join(tempDir, "out.bin")
	require.NoError(t, os.WriteFile(inPath, encodeValues(values), 0o644))

	stats, err := SortFiles(inPath, outPath, Config{})
	require.NoError(t, err)
	assert.Equal(t, uint64(500), stats.Elements)

	raw, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, want, decodeValues(t, raw))
}

func TestSortFilesExternal(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	values := randomValues(8000, 6)
	want := append([]float64(nil), values...)
	sort.Float64s(want)

	inPath := filepath.Join(tempDir, "in.bin")
	outPath := filepath.Join(tempDir, "out.bin")
	require.NoError(t, os.WriteFile(inPath, encodeValues(values), 0o644))

	stats, err := SortFiles(inPath, outPath, Config{External: true, MemLimit: 2048, BufferElems: 32, ScratchDir: tempDir})
	require.NoError(t, err)
	assert.Equal(t, uint64(8000), stats.Elements)

	raw, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, want, decodeValues(t, raw))

	entries, rErr := os.ReadDir(tempDir)
	require.NoError(t, rErr)
	assert.Len(t, entries, 2) // input and output only; scratch dir must be gone.
}

func TestSortFilesRejectsMisalignedInput(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	inPath := filepath.Join(tempDir, "in.bin")
	outPath := filepath.Join(tempDir, "out.bin")
	require.NoError(t, os.WriteFile(inPath, []byte{1, 2, 3, 4, 5}, 0o644))

	_, err := SortFiles(inPath, outPath, Config{})
	require.Error(t, err)
	var sortErr *Error
	require.ErrorAs(t, err, &sortErr)
	assert.Equal(t, ConfigInvalid, sortErr.Kind)
}

func TestFanInCapMonotone(t *testing.T) {
	assert.Equal(t, math.MaxInt32, fanInCap(0, 64))
	small := fanInCap(1<<20, 64)
	assert.True(t, small >= 2)
	large := fanInCap(1<<30, 64)
	assert.True(t, large > small)
}
