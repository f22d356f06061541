package sorter

import (
	"bufio"
	"container/heap"
	"context"
	"encoding/binary"
	"io"
	"math"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"v.io/x/lib/vlog"
)

// runState tracks a run's lifecycle during a merge: Fresh before the first
// read, Active while its buffer holds unread values, Drained once both the
// file and the buffer are exhausted.
type runState int

const (
	stateFresh runState = iota
	stateActive
	stateDrained
)

// runCursor is KWayMerger's per-run read-ahead buffer: up to bufferElems
// doubles read from one run file at a time.
type runCursor struct {
	path   string
	f      file.File
	r      *bufio.Reader
	raw    []byte
	values []float64
	pos    int
	filled int
	state  runState
	id     int
}

func openRunCursor(ctx context.Context, path string, bufferElems, id int) (*runCursor, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errIO(err, "open run")
	}
	raw, err := allocSlice[byte](bufferElems*8, "run read buffer")
	if err != nil {
		f.Close(ctx)
		return nil, err
	}
	values, err := allocSlice[float64](bufferElems, "run value buffer")
	if err != nil {
		f.Close(ctx)
		return nil, err
	}
	rc := &runCursor{
		path:   path,
		f:      f,
		r:      bufio.NewReaderSize(f.Reader(ctx), bufferElems*8),
		raw:    raw,
		values: values,
		state:  stateFresh,
		id:     id,
	}
	if err := rc.fill(); err != nil {
		return nil, err
	}
	return rc, nil
}

// fill refills the cursor's buffer from the underlying file. A zero-byte
// read marks the run Drained; a short, non-EOF read is fatal.
func (rc *runCursor) fill() error {
	n, err := io.ReadFull(rc.r, rc.raw)
	switch err {
	case nil:
	case io.EOF:
		rc.state = stateDrained
		rc.pos, rc.filled = 0, 0
		return nil
	case io.ErrUnexpectedEOF:
		// partial read at true EOF; n bytes are still valid data.
	default:
		return errIO(err, "read run "+rc.path)
	}
	if n%8 != 0 {
		return errInternal("run " + rc.path + " has a non-8-aligned tail")
	}
	count := n / 8
	for i := 0; i < count; i++ {
		bits := binary.LittleEndian.Uint64(rc.raw[i*8 : i*8+8])
		rc.values[i] = math.Float64frombits(bits)
	}
	rc.pos = 0
	rc.filled = count
	if count == 0 {
		rc.state = stateDrained
	} else {
		rc.state = stateActive
	}
	return nil
}

// head returns the value currently at the cursor. REQUIRES state != Drained.
func (rc *runCursor) head() float64 { return rc.values[rc.pos] }

// advance moves past the current value, refilling from the file if the
// buffer is exhausted.
func (rc *runCursor) advance() error {
	rc.pos++
	if rc.pos >= rc.filled {
		return rc.fill()
	}
	return nil
}

func (rc *runCursor) close(ctx context.Context) error {
	return rc.f.Close(ctx)
}

// heapSlice is a container/heap.Interface over KWayMerger's candidate
// entries, ordered by (key(value), run_id) ascending so the merge's output
// is a deterministic function of the input run contents even when equal
// bit patterns appear across runs.
type heapSlice []heapEntry

func (h heapSlice) Len() int { return len(h) }
func (h heapSlice) Less(i, j int) bool {
	if h[i].key != h[j].key {
		return h[i].key < h[j].key
	}
	return h[i].runID < h[j].runID
}
func (h heapSlice) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *heapSlice) Push(x interface{}) { *h = append(*h, x.(heapEntry)) }

func (h *heapSlice) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// mergeResult summarizes one kwayMerge invocation.
type mergeResult struct {
	elems uint64
}

// kwayMerge merges the sorted run files at paths into a single sorted file
// at outPath. bufferElems bounds both the per-run read-ahead buffer and the output
// write buffer, so peak memory is O(len(paths)*bufferElems). If trace is
// non-nil, every maximal contiguous stretch of output values drawn from
// the same run is reported to it as one monotone segment.
func kwayMerge(paths []string, outPath string, bufferElems int, trace *Trace) (result mergeResult, err error) {
	if len(paths) == 0 {
		return mergeResult{}, errInternal("kwayMerge: no input runs")
	}
	ctx := vcontext.Background()

	cursors := make([]*runCursor, 0, len(paths))
	closeAll := func() {
		for _, c := range cursors {
			if cErr := c.close(ctx); cErr != nil {
				vlog.Errorf("kwayMerge: close %v: %v", c.path, cErr)
			}
		}
	}
	for i, p := range paths {
		c, oErr := openRunCursor(ctx, p, bufferElems, i)
		if oErr != nil {
			closeAll()
			return mergeResult{}, oErr
		}
		cursors = append(cursors, c)
	}

	h := make(heapSlice, 0, len(cursors))
	for _, c := range cursors {
		if c.state != stateDrained {
			h = append(h, heapEntry{value: c.head(), key: encodeKey(c.head()), runID: c.id})
		}
	}
	heap.Init(&h)

	out, err := file.Create(ctx, outPath)
	if err != nil {
		closeAll()
		return mergeResult{}, errIO(err, "create merge output")
	}
	w := bufio.NewWriterSize(out.Writer(ctx), bufferElems*8)
	var scratch [8]byte

	fail := func(cause error) (mergeResult, error) {
		closeAll()
		out.Close(ctx)
		if rmErr := removeIfExists(outPath); rmErr != nil {
			vlog.Errorf("kwayMerge: cleanup of partial output failed: %v", rmErr)
		}
		return mergeResult{}, cause
	}

	var n uint64
	lastRun := -1
	segLen := 0
	flushSegment := func() {
		if trace != nil && segLen > 0 {
			trace.addSegment(segLen)
		}
		segLen = 0
	}

	for h.Len() > 0 {
		top := heap.Pop(&h).(heapEntry)

		if trace != nil {
			if top.runID != lastRun {
				flushSegment()
				lastRun = top.runID
			}
			segLen++
		}

		binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(top.value))
		if _, wErr := w.Write(scratch[:]); wErr != nil {
			return fail(errIO(wErr, "write merge output"))
		}
		n++

		rc := cursors[top.runID]
		if aErr := rc.advance(); aErr != nil {
			return fail(aErr)
		}
		if rc.state != stateDrained {
			heap.Push(&h, heapEntry{value: rc.head(), key: encodeKey(rc.head()), runID: rc.id})
		}
	}
	flushSegment()

	if fErr := w.Flush(); fErr != nil {
		return fail(errIO(fErr, "flush merge output"))
	}
	closeAll()
	if cErr := out.Close(ctx); cErr != nil {
		return mergeResult{}, errIO(cErr, "close merge output")
	}
	return mergeResult{elems: n}, nil
}
