package sorter

// record is the in-memory unit KeyedMergeSort operates on: a value paired
// with its total-order key and its original position, so that the sort can
// be both total-ordered and stable.
//
// seq exists as a distinct comparator term reserved for a future secondary
// key; today it is always equal to tie (see seq()).
type record struct {
	key   uint64
	tie   uint64
	value float64
}

func (r record) seq() uint64 { return r.tie }

// less implements the (key, tie, seq) lexicographic order used by
// KeyedMergeSort. Because seq() == tie always, the seq component never
// changes the outcome; it is evaluated anyway so the comparator matches the
// documented three-component order.
func (r record) less(o record) bool {
	if r.key != o.key {
		return r.key < o.key
	}
	if r.tie != o.tie {
		return r.tie < o.tie
	}
	return r.seq() < o.seq()
}

// heapEntry is a KWayMerger min-heap element: the next unread value from a
// run, tagged with the run it came from so that equal keys across runs break
// ties deterministically by run index.
type heapEntry struct {
	value float64
	key   uint64
	runID int
}
