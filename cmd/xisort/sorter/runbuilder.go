package sorter

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"v.io/x/lib/vlog"
)

// runSource yields successive chunks of values to RunBuilder. A slice
// source hands back sub-slices of the caller's array; a file source
// streams and decodes raw little-endian doubles.
type runSource interface {
	// nextChunk returns up to maxElems values, or io.EOF once exhausted.
	// The returned slice is only valid until the next call.
	nextChunk() ([]float64, error)
}

type sliceSource struct {
	data     []float64
	maxElems int
	pos      int
}

func (s *sliceSource) nextChunk() ([]float64, error) {
	if s.pos >= len(s.data) {
		return nil, io.EOF
	}
	end := s.pos + s.maxElems
	if end > len(s.data) {
		end = len(s.data)
	}
	chunk := s.data[s.pos:end]
	s.pos = end
	return chunk, nil
}

// fileSource streams an input file of tightly-packed little-endian
// doubles, surfacing a non-multiple-of-8 tail as a ConfigInvalid error
// rather than silently truncating it.
type fileSource struct {
	r       io.Reader
	raw     []byte
	decoded []float64
	eof     bool
}

func newFileSource(r io.Reader, maxElems int) *fileSource {
	return &fileSource{
		r:       r,
		raw:     make([]byte, maxElems*8),
		decoded: make([]float64, maxElems),
	}
}

func (s *fileSource) nextChunk() ([]float64, error) {
	if s.eof {
		return nil, io.EOF
	}
	n, err := io.ReadFull(s.r, s.raw)
	switch err {
	case nil:
		// full buffer; more may follow.
	case io.EOF:
		return nil, io.EOF
	case io.ErrUnexpectedEOF:
		s.eof = true
	default:
		return nil, errIO(err, "read input")
	}
	if n%8 != 0 {
		return nil, errConfigInvalid("invalid input length")
	}
	count := n / 8
	for i := 0; i < count; i++ {
		bits := binary.LittleEndian.Uint64(s.raw[i*8 : i*8+8])
		s.decoded[i] = math.Float64frombits(bits)
	}
	if count == 0 {
		return nil, io.EOF
	}
	return s.decoded[:count], nil
}

// runBuilderOptions configures RunBuilder. maxElems must be >= 1.
type runBuilderOptions struct {
	maxElems   int
	scratchDir string
	prefix     string
	parallel   bool
}

// buildRuns drains src in chunks of up to opts.maxElems values, sorts each
// chunk with keyedMergeSort, and writes it to a freshly named scratch file
// under opts.scratchDir. On any error, every scratch file already written
// is unlinked before returning.
func buildRuns(src runSource, opts runBuilderOptions, trace *Trace) (paths []string, total uint64, err error) {
	if opts.maxElems < 1 {
		return nil, 0, errConfigInvalid("run builder: max_elems must be >= 1")
	}
	ctx := vcontext.Background()
	cleanup := func() {
		for _, p := range paths {
			if rmErr := file.Remove(ctx, p); rmErr != nil && !os.IsNotExist(rmErr) {
				vlog.Errorf("buildRuns: cleanup failed to remove %v: %v", p, rmErr)
			}
		}
		paths = nil
	}

	runIdx := 0
	for {
		chunk, cErr := src.nextChunk()
		if cErr == io.EOF {
			break
		}
		if cErr != nil {
			cleanup()
			return nil, 0, cErr
		}

		recs, aErr := allocSlice[record](len(chunk), "records")
		if aErr != nil {
			cleanup()
			return nil, 0, aErr
		}
		for i, v := range chunk {
			recs[i] = record{key: encodeKey(v), tie: total + uint64(i), value: v}
		}
		aux, aErr := allocSlice[record](len(recs), "aux buffer")
		if aErr != nil {
			cleanup()
			return nil, 0, aErr
		}
		if sErr := keyedMergeSort(recs, aux, opts.parallel, trace); sErr != nil {
			cleanup()
			return nil, 0, sErr
		}

		path := fmt.Sprintf("%s/%s%d.bin", opts.scratchDir, opts.prefix, runIdx)
		if wErr := writeRun(ctx, path, recs); wErr != nil {
			cleanup()
			return nil, 0, wErr
		}
		paths = append(paths, path)
		total += uint64(len(recs))
		runIdx++
		vlog.VI(1).Infof("buildRuns: wrote run %v (%d values)", path, len(recs))
	}
	return paths, total, nil
}

func writeRun(ctx context.Context, path string, recs []record) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return errIO(err, "create scratch run")
	}
	w := bufio.NewWriterSize(f.Writer(ctx), 1<<16)
	var scratch [8]byte
	for _, r := range recs {
		binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(r.value))
		if _, wErr := w.Write(scratch[:]); wErr != nil {
			f.Close(ctx)
			return errIO(wErr, "write scratch run")
		}
	}
	if fErr := w.Flush(); fErr != nil {
		f.Close(ctx)
		return errIO(fErr, "flush scratch run")
	}
	if cErr := f.Close(ctx); cErr != nil {
		return errIO(cErr, "close scratch run")
	}
	return nil
}
