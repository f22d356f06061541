package sorter

import (
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"math"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"v.io/x/lib/vlog"
)

// DefaultBufferElems is the per-run and output buffer size, in doubles,
// used by the external path when Config.BufferElems is zero (256 KiB).
const DefaultBufferElems = 32768

// DefaultMemLimit is the CLI's default memory budget, 1 GiB.
const DefaultMemLimit = 1 << 30

// Config selects and bounds a sort.
type Config struct {
	// External forces the disk-backed path even if the input would fit
	// in MemLimit.
	External bool
	// Parallel permits task-parallel in-memory KeyedMergeSort.
	Parallel bool
	// Trace enables the Φ diagnostic (off by default; no effect on
	// ordering).
	Trace bool
	// MemLimit is the maximum resident bytes the sorter may use. Zero
	// means "effectively unbounded" for the in-memory path; it is a
	// ConfigInvalid error to leave it zero while External is set.
	MemLimit uint64
	// BufferElems is the per-run and output buffer size, in doubles,
	// for the external path. Zero means DefaultBufferElems.
	BufferElems uint64
	// ScratchDir is the parent directory for scratch runs. Empty means
	// os.TempDir(). A process-unique subdirectory is always created
	// beneath it so concurrent sorts never collide.
	ScratchDir string
}

// Stats summarizes one completed sort.
type Stats struct {
	Elements     uint64
	Runs         int
	Passes       int
	Traced       bool
	PhiSum       float64
	SegmentCount int64
}

func (cfg Config) resolve() (Config, error) {
	out := cfg
	if out.BufferElems == 0 {
		out.BufferElems = DefaultBufferElems
	}
	if out.External && out.MemLimit == 0 {
		return out, errConfigInvalid("mem_limit must be > 0 in external mode")
	}
	return out, nil
}

// Sort sorts the n values of data in place under the IEEE-754 total order,
// dispatching between the in-memory and external paths based on cfg.
func Sort(data []float64, cfg Config) (Stats, error) {
	cfg, err := cfg.resolve()
	if err != nil {
		return Stats{}, err
	}
	var trace *Trace
	if cfg.Trace {
		trace = &Trace{}
	}

	fitsInMemory := cfg.MemLimit == 0 || uint64(len(data))*8 <= cfg.MemLimit
	if !cfg.External && fitsInMemory {
		return sortInPlace(data, cfg, trace)
	}
	return sortSliceExternal(data, cfg, trace)
}

// SortFiles sorts the raw little-endian doubles in inputPath into
// outputPath. It never requires the whole input to be resident when the
// external path is taken.
func SortFiles(inputPath, outputPath string, cfg Config) (Stats, error) {
	cfg, err := cfg.resolve()
	if err != nil {
		return Stats{}, err
	}
	var trace *Trace
	if cfg.Trace {
		trace = &Trace{}
	}

	info, statErr := file.Stat(vcontext.Background(), inputPath)
	if statErr != nil {
		return Stats{}, errIO(statErr, "stat input")
	}
	if info.Size()%8 != 0 {
		return Stats{}, errConfigInvalid("invalid input length")
	}
	fitsInMemory := !cfg.External && (cfg.MemLimit == 0 || uint64(info.Size()) <= cfg.MemLimit)

	if fitsInMemory {
		return sortFileInMemory(inputPath, outputPath, cfg, trace)
	}
	return sortFileExternal(inputPath, outputPath, cfg, trace)
}

func sortInPlace(data []float64, cfg Config, trace *Trace) (Stats, error) {
	recs, err := allocSlice[record](len(data), "records")
	if err != nil {
		return Stats{}, err
	}
	for i, v := range data {
		recs[i] = record{key: encodeKey(v), tie: uint64(i), value: v}
	}
	aux, err := allocSlice[record](len(recs), "aux buffer")
	if err != nil {
		return Stats{}, err
	}
	if err := keyedMergeSort(recs, aux, cfg.Parallel, trace); err != nil {
		return Stats{}, err
	}
	for i := range recs {
		data[i] = recs[i].value
	}
	return statsOf(uint64(len(data)), 1, 0, trace), nil
}

func sortFileInMemory(inputPath, outputPath string, cfg Config, trace *Trace) (Stats, error) {
	ctx := vcontext.Background()
	in, err := file.Open(ctx, inputPath)
	if err != nil {
		return Stats{}, errIO(err, "open input")
	}
	raw, err := ioutil.ReadAll(in.Reader(ctx))
	if cErr := in.Close(ctx); cErr != nil {
		vlog.Errorf("sortFileInMemory: close input: %v", cErr)
	}
	if err != nil {
		return Stats{}, errIO(err, "read input")
	}
	if len(raw)%8 != 0 {
		return Stats{}, errConfigInvalid("invalid input length")
	}
	data := make([]float64, len(raw)/8)
	for i := range data {
		bits := binary.LittleEndian.Uint64(raw[i*8 : i*8+8])
		data[i] = math.Float64frombits(bits)
	}
	stats, err := sortInPlace(data, cfg, trace)
	if err != nil {
		return Stats{}, err
	}
	out := make([]byte, len(data)*8)
	for i, v := range data {
		binary.LittleEndian.PutUint64(out[i*8:i*8+8], math.Float64bits(v))
	}
	outFile, err := file.Create(ctx, outputPath)
	if err != nil {
		return Stats{}, errIO(err, "create output")
	}
	if _, err := outFile.Writer(ctx).Write(out); err != nil {
		outFile.Close(ctx)
		return Stats{}, errIO(err, "write output")
	}
	if err := outFile.Close(ctx); err != nil {
		return Stats{}, errIO(err, "close output")
	}
	return stats, nil
}

// sortSliceExternal runs the external pipeline against an in-memory slice
// (because External was forced, or the slice exceeds MemLimit) and copies
// the sorted result back into data. That copy-back read is the external
// in-place path's only extra I/O beyond the run-and-merge pipeline.
func sortSliceExternal(data []float64, cfg Config, trace *Trace) (Stats, error) {
	scratchDir, err := newScratchDir(cfg.ScratchDir)
	if err != nil {
		return Stats{}, err
	}
	globalCleanup.add(scratchDir)
	defer func() {
		globalCleanup.remove(scratchDir)
		if rmErr := file.RemoveAll(vcontext.Background(), scratchDir); rmErr != nil {
			vlog.Errorf("sortSliceExternal: cleanup failed: %v", rmErr)
		}
	}()

	maxElems := maxElemsFor(cfg.MemLimit)
	if maxElems < 1 {
		return Stats{}, errConfigInvalid("mem_limit too small to hold a single element")
	}
	src := &sliceSource{data: data, maxElems: maxElems}
	outPath := scratchDir + "/output.bin"
	stats, err := runExternalPipeline(src, cfg, trace, scratchDir, outPath, maxElems)
	if err != nil {
		return Stats{}, err
	}
	if len(data) == 0 {
		return stats, nil
	}
	if err := copyBack(outPath, data); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func sortFileExternal(inputPath, outputPath string, cfg Config, trace *Trace) (Stats, error) {
	scratchDir, err := newScratchDir(cfg.ScratchDir)
	if err != nil {
		return Stats{}, err
	}
	globalCleanup.add(scratchDir)
	defer func() {
		globalCleanup.remove(scratchDir)
		if rmErr := file.RemoveAll(vcontext.Background(), scratchDir); rmErr != nil {
			vlog.Errorf("sortFileExternal: cleanup failed: %v", rmErr)
		}
	}()

	maxElems := maxElemsFor(cfg.MemLimit)
	if maxElems < 1 {
		return Stats{}, errConfigInvalid("mem_limit too small to hold a single element")
	}
	ctx := vcontext.Background()
	in, err := file.Open(ctx, inputPath)
	if err != nil {
		return Stats{}, errIO(err, "open input")
	}
	defer in.Close(ctx)
	src := newFileSource(in.Reader(ctx), maxElems)

	return runExternalPipeline(src, cfg, trace, scratchDir, outputPath, maxElems)
}

func maxElemsFor(memLimit uint64) int {
	if memLimit == 0 {
		return DefaultBufferElems
	}
	elems := memLimit / 8
	if elems > math.MaxInt32 {
		elems = math.MaxInt32
	}
	return int(elems)
}

// runExternalPipeline builds sorted runs from src, then merges them
// (possibly across several bounded-fan-in passes) into the final sorted
// file at outPath.
func runExternalPipeline(src runSource, cfg Config, trace *Trace, scratchDir, outPath string, maxElems int) (Stats, error) {
	paths, total, err := buildRuns(src, runBuilderOptions{
		maxElems:   maxElems,
		scratchDir: scratchDir,
		prefix:     runFilePrefix,
		parallel:   false, // sequential run sorts favor pipelined throughput.
	}, trace)
	if err != nil {
		return Stats{}, err
	}
	if len(paths) == 0 {
		if cErr := writeEmptyFile(outPath); cErr != nil {
			return Stats{}, cErr
		}
		return statsOf(0, 0, 0, trace), nil
	}
	runs := len(paths)

	bufferElems := int(cfg.BufferElems)
	fanIn := fanInCap(cfg.MemLimit, bufferElems)
	passes := 0
	for len(paths) > fanIn {
		next, mErr := mergeRound(paths, scratchDir, passes, fanIn, bufferElems, trace)
		if mErr != nil {
			return Stats{}, mErr
		}
		removeRuns(paths, "runExternalPipeline")
		paths = next
		passes++
	}

	result, err := kwayMerge(paths, outPath, bufferElems, trace)
	if err != nil {
		return Stats{}, err
	}
	removeRuns(paths, "runExternalPipeline")
	passes++

	if result.elems != total {
		return Stats{}, errInternal("merge produced a different element count than was written to runs")
	}
	return statsOf(total, runs, passes, trace), nil
}

// fanInCap computes the largest K such that K*bufferElems*8 <= mem_limit/2,
// bounding how many runs a single merge pass may fan in. The result is
// floored at 2, and is math.MaxInt32 (no cap) when mem_limit or
// bufferElems is zero.
func fanInCap(memLimit uint64, bufferElems int) int {
	if memLimit == 0 || bufferElems <= 0 {
		return math.MaxInt32
	}
	n := int(memLimit / 2 / (uint64(bufferElems) * 8))
	if n < 2 {
		n = 2
	}
	return n
}

// mergeRound merges paths in deterministic index order, fanIn at a time,
// into a batch of new intermediate run files for the next round.
func mergeRound(paths []string, scratchDir string, round, fanIn, bufferElems int, trace *Trace) ([]string, error) {
	var out []string
	for g := 0; g*fanIn < len(paths); g++ {
		start := g * fanIn
		end := start + fanIn
		if end > len(paths) {
			end = len(paths)
		}
		groupOut := fmt.Sprintf("%s/xisort_pass%d_%d.bin", scratchDir, round, g)
		if _, err := kwayMerge(paths[start:end], groupOut, bufferElems, trace); err != nil {
			removeRuns(out, "mergeRound")
			return nil, err
		}
		out = append(out, groupOut)
	}
	return out, nil
}

// removeRuns unlinks each scratch run in paths via the file abstraction,
// logging (rather than failing) on individual removal errors since this
// always runs after the runs' contents have already been consumed.
func removeRuns(paths []string, caller string) {
	ctx := vcontext.Background()
	for _, p := range paths {
		if rmErr := file.Remove(ctx, p); rmErr != nil {
			vlog.Errorf("%s: failed to remove %v: %v", caller, p, rmErr)
		}
	}
}

func copyBack(path string, data []float64) error {
	ctx := vcontext.Background()
	f, err := file.Open(ctx, path)
	if err != nil {
		return errIO(err, "open merge output")
	}
	raw, err := ioutil.ReadAll(f.Reader(ctx))
	if cErr := f.Close(ctx); cErr != nil {
		vlog.Errorf("copyBack: close %v: %v", path, cErr)
	}
	if err != nil {
		return errIO(err, "read merge output")
	}
	if len(raw) != len(data)*8 {
		return errInternal("merge output length does not match input length")
	}
	for i := range data {
		bits := binary.LittleEndian.Uint64(raw[i*8 : i*8+8])
		data[i] = math.Float64frombits(bits)
	}
	return nil
}

func writeEmptyFile(path string) error {
	ctx := vcontext.Background()
	f, err := file.Create(ctx, path)
	if err != nil {
		return errIO(err, "create output")
	}
	return f.Close(ctx)
}

func statsOf(total uint64, runs, passes int, trace *Trace) Stats {
	s := Stats{Elements: total, Runs: runs, Passes: passes}
	if trace != nil {
		s.Traced = true
		s.PhiSum, s.SegmentCount = trace.Snapshot()
	}
	return s
}
