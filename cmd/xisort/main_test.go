package main_test

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"v.io/x/lib/gosh"
)

func encodeDoubles(values []float64) []byte {
	buf := make([]byte, len(values)*8)
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[i*8:i*8+8], math.Float64bits(v))
	}
	return buf
}

func decodeDoubles(t require.TestingT, raw []byte) []float64 {
	require.Equal(t, 0, len(raw)%8)
	out := make([]float64, len(raw)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8 : i*8+8]))
	}
	return out
}

func TestXisortEndToEnd(t *testing.T) {
	if !testutil.IsBazel() {
		t.Skip("not bazel")
	}
	xisortPath := testutil.GoExecutable(t, "//go/src/github.com/xisort/xisort/cmd/xisort/xisort")

	sh := gosh.NewShell(t)
	defer sh.Cleanup()
	dir := sh.MakeTempDir()

	values := []float64{5, -3, math.Inf(1), 0, math.Copysign(0, -1), math.Inf(-1), math.NaN(), -1}
	inPath := filepath.Join(dir, "in.bin")
	outPath := filepath.Join(dir, "out.bin")
	require.NoError(t, os.WriteFile(inPath, encodeDoubles(values), 0o644))

	sh.Cmd(xisortPath, inPath, outPath).Run()
	assert.NoError(t, sh.Err)

	raw, err := os.ReadFile(outPath)
	require.NoError(t, err)
	got := decodeDoubles(t, raw)
	require.Len(t, got, len(values))
	for i := 1; i < len(got); i++ {
		assert.LessOrEqualf(t, sortKeyFor(got[i-1]), sortKeyFor(got[i]), "out of order at %d", i)
	}
}

func TestXisortExternalFlagEndToEnd(t *testing.T) {
	if !testutil.IsBazel() {
		t.Skip("not bazel")
	}
	xisortPath := testutil.GoExecutable(t, "//go/src/github.com/xisort/xisort/cmd/xisort/xisort")

	sh := gosh.NewShell(t)
	defer sh.Cleanup()
	dir := sh.MakeTempDir()

	values := make([]float64, 5000)
	for i := range values {
		values[i] = float64(5000 - i)
	}
	inPath := filepath.Join(dir, "in.bin")
	outPath := filepath.Join(dir, "out.bin")
	require.NoError(t, os.WriteFile(inPath, encodeDoubles(values), 0o644))

	sh.Cmd(xisortPath, "-external", "-mem-limit=2048", "-buffer-elems=32", inPath, outPath).Run()
	assert.NoError(t, sh.Err)

	raw, err := os.ReadFile(outPath)
	require.NoError(t, err)
	got := decodeDoubles(t, raw)
	require.Len(t, got, len(values))
	for i := 0; i < len(got); i++ {
		assert.Equal(t, float64(i+1), got[i])
	}
}

// sortKeyFor mirrors the package-internal encodeKey for use from the
// black-box main_test package, which cannot import sorter internals.
func sortKeyFor(v float64) uint64 {
	u := math.Float64bits(v)
	const signBit = uint64(1) << 63
	if u&signBit != 0 {
		return ^u
	}
	return u | signBit
}
