package sorter

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// parThreshold is the segment length at or above which a parallel KeyedMergeSort
// dispatches each half as an independently schedulable task. Below it,
// recursion stays sequential because task overhead dominates the win from
// sorting halves concurrently.
const parThreshold = 1 << 15

// keyedMergeSort stably sorts recs in place by (key, tie, seq), using aux as
// scratch space of equal length. When parallel is true and a segment's
// length reaches parThreshold, its two halves are sorted as concurrent
// tasks under a fork-join barrier; the merge step itself always runs on the
// calling goroutine: merges are memory-bandwidth bound and rarely benefit
// from intra-merge parallelism at this granularity. trace may be nil; when
// non-nil its updates are safe to call concurrently from the forked tasks.
func keyedMergeSort(recs, aux []record, parallel bool, trace *Trace) error {
	if len(recs) != len(aux) {
		return errInternal("keyedMergeSort: aux length mismatch")
	}
	if !parallel || len(recs) < parThreshold {
		mergeSortSequential(recs, aux, trace)
		return nil
	}
	g, _ := errgroup.WithContext(context.Background())
	mid := len(recs) / 2
	left, right := recs[:mid], recs[mid:]
	leftAux, rightAux := aux[:mid], aux[mid:]
	g.Go(func() error { return keyedMergeSort(left, leftAux, true, trace) })
	g.Go(func() error { return keyedMergeSort(right, rightAux, true, trace) })
	if err := g.Wait(); err != nil {
		return err
	}
	merge(recs, aux, 0, mid, len(recs), trace)
	return nil
}

func mergeSortSequential(recs, aux []record, trace *Trace) {
	n := len(recs)
	if n < 2 {
		return
	}
	mid := n / 2
	mergeSortSequential(recs[:mid], aux[:mid], trace)
	mergeSortSequential(recs[mid:], aux[mid:], trace)
	merge(recs, aux, 0, mid, n, trace)
}

// merge combines the two already-sorted halves recs[left:mid] and
// recs[mid:right] back into recs[left:right], using aux[left:right] as
// scratch. Ties (equal key, tie, and seq) take from the left half first,
// which is what makes the sort stable. If trace is non-nil, the maximal
// runs of consecutive elements taken from the same side are reported to it
// as monotone segments.
func merge(recs, aux []record, left, mid, right int, trace *Trace) {
	copy(aux[left:right], recs[left:right])
	i, j, k := left, mid, left

	fromLeft := false
	segLen := 0
	flush := func() {
		if trace != nil && segLen > 0 {
			trace.addSegment(segLen)
		}
		segLen = 0
	}
	take := func(takeLeft bool) {
		if trace != nil {
			if k != left && takeLeft != fromLeft {
				flush()
			}
			fromLeft = takeLeft
			segLen++
		}
	}

	for i < mid && j < right {
		if !aux[j].less(aux[i]) {
			take(true)
			recs[k] = aux[i]
			i++
		} else {
			take(false)
			recs[k] = aux[j]
			j++
		}
		k++
	}
	for i < mid {
		take(true)
		recs[k] = aux[i]
		i++
		k++
	}
	for j < right {
		take(false)
		recs[k] = aux[j]
		j++
		k++
	}
	flush()
}
