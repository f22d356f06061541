package sorter

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTraceAddSegment(t *testing.T) {
	tr := &Trace{}
	tr.addSegment(4)
	tr.addSegment(2)
	phi, segs := tr.Snapshot()
	assert.Equal(t, int64(2), segs)
	assert.InDelta(t, 0.25+0.5, phi, 1e-12)
}

func TestTraceIgnoresNonPositiveLength(t *testing.T) {
	tr := &Trace{}
	tr.addSegment(0)
	tr.addSegment(-1)
	phi, segs := tr.Snapshot()
	assert.Equal(t, int64(0), segs)
	assert.Equal(t, 0.0, phi)
}

func TestTraceReset(t *testing.T) {
	tr := &Trace{}
	tr.addSegment(1)
	tr.Reset()
	phi, segs := tr.Snapshot()
	assert.Equal(t, int64(0), segs)
	assert.Equal(t, 0.0, phi)
}

func TestTraceConcurrentAdds(t *testing.T) {
	tr := &Trace{}
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.addSegment(1)
		}()
	}
	wg.Wait()
	_, segs := tr.Snapshot()
	assert.Equal(t, int64(100), segs)
}
