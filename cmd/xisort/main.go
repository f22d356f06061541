package main

// xisort sorts a file of tightly-packed little-endian IEEE-754 doubles
// into the total order described by xisort/cmd/xisort/sorter, either
// in memory or via a disk-backed external merge.
//
// Usage: xisort [flags] input output

import (
	"encoding/json"
	"flag"
	"os"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/klauspost/compress/zstd"

	"github.com/xisort/xisort/cmd/xisort/sorter"
)

var (
	externalFlag    = flag.Bool("external", false, "force the disk-backed external merge sort even if the input fits in mem-limit")
	parallelFlag    = flag.Bool("parallel", true, "use a task-parallel merge sort on the in-memory path")
	traceFlag       = flag.Bool("trace", false, "accumulate the diagnostic phi statistic while sorting")
	memLimitFlag    = flag.Uint64("mem-limit", sorter.DefaultMemLimit, "maximum resident bytes the sorter may use; required to be > 0 when -external is set")
	bufferElemsFlag = flag.Uint64("buffer-elems", sorter.DefaultBufferElems, "per-run read/write buffer size, in doubles, on the external path")
	scratchDirFlag  = flag.String("scratch-dir", "", "parent directory for scratch run files (default: the system temp dir)")
	traceFileFlag   = flag.String("trace-file", "", "write a zstd-compressed JSON trace report to this path")
)

type traceReport struct {
	Elements     uint64  `json:"elements"`
	Runs         int     `json:"runs"`
	Passes       int     `json:"passes"`
	PhiSum       float64 `json:"phi_sum"`
	SegmentCount int64   `json:"segment_count"`
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	flag.Usage = func() {
		os.Stderr.WriteString(`Usage:
  xisort [flags] input output

Sorts the IEEE-754 doubles packed in input into output under a total
order that places -NaN < -Inf < negative finites < -0 < +0 < positive
finites < +Inf < +NaN. Both files hold tightly-packed little-endian
float64 values with no header.

Verbose engine diagnostics are controlled by the -v flag registered by
the vlog package, not by a flag of this command.
`)
		flag.PrintDefaults()
	}
	shutdown := grail.Init()
	defer shutdown()

	args := flag.Args()
	if len(args) != 2 {
		flag.Usage()
		os.Exit(1)
	}
	inPath, outPath := args[0], args[1]

	cfg := sorter.Config{
		External:    *externalFlag,
		Parallel:    *parallelFlag,
		Trace:       *traceFlag || *traceFileFlag != "",
		MemLimit:    *memLimitFlag,
		BufferElems: *bufferElemsFlag,
		ScratchDir:  *scratchDirFlag,
	}

	stats, err := sorter.SortFiles(inPath, outPath, cfg)
	if err != nil {
		log.Panicf("xisort: %v -> %v: %v", inPath, outPath, err)
	}
	log.Printf("xisort: sorted %d elements in %d run(s), %d pass(es)", stats.Elements, stats.Runs, stats.Passes)

	if *traceFileFlag != "" {
		if err := writeTraceReport(*traceFileFlag, stats); err != nil {
			log.Panicf("xisort: write trace report %v: %v", *traceFileFlag, err)
		}
	}
}

func writeTraceReport(path string, stats sorter.Stats) error {
	report := traceReport{
		Elements:     stats.Elements,
		Runs:         stats.Runs,
		Passes:       stats.Passes,
		PhiSum:       stats.PhiSum,
		SegmentCount: stats.SegmentCount,
	}
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}

	ctx := vcontext.Background()
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f.Writer(ctx))
	if err != nil {
		f.Close(ctx)
		return err
	}
	if _, err := enc.Write(body); err != nil {
		enc.Close()
		f.Close(ctx)
		return err
	}
	if err := enc.Close(); err != nil {
		f.Close(ctx)
		return err
	}
	return f.Close(ctx)
}
