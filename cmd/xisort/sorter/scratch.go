package sorter

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"v.io/x/lib/vlog"
)

// runFilePrefix is the scratch-run naming convention: "xisort_run_<k>.bin"
// with k a zero-based decimal index within one sort invocation.
const runFilePrefix = "xisort_run_"

var scratchDirCounter uint64

// newScratchDir returns a process-unique subdirectory of base so that two
// concurrent sort invocations never collide over scratch file names.
func newScratchDir(base string) (string, error) {
	if base == "" {
		base = os.TempDir()
	}
	n := atomic.AddUint64(&scratchDirCounter, 1)
	dir := filepath.Join(base, fmt.Sprintf("xisort-%d-%d", os.Getpid(), n))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errIO(err, "create scratch directory")
	}
	return dir, nil
}

func removeIfExists(path string) error {
	if err := file.Remove(vcontext.Background(), path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// cleanupRegistry is a process-global, best-effort record of scratch
// directories produced by in-flight sorts. Scratch cleanup on abnormal
// termination is not async-signal-safe, so this only covers the common
// termination signals reachable from ordinary Go code, not SIGKILL or a
// hard crash.
type cleanupRegistry struct {
	mu   sync.Mutex
	dirs map[string]struct{}
}

var globalCleanup = newCleanupRegistry()

func newCleanupRegistry() *cleanupRegistry {
	r := &cleanupRegistry{dirs: make(map[string]struct{})}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		r.cleanupAll()
		os.Exit(1)
	}()
	return r
}

func (r *cleanupRegistry) add(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirs[dir] = struct{}{}
}

func (r *cleanupRegistry) remove(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dirs, dir)
}

func (r *cleanupRegistry) cleanupAll() {
	r.mu.Lock()
	dirs := make([]string, 0, len(r.dirs))
	for d := range r.dirs {
		dirs = append(dirs, d)
	}
	r.mu.Unlock()
	ctx := vcontext.Background()
	for _, d := range dirs {
		if err := file.RemoveAll(ctx, d); err != nil {
			vlog.Errorf("cleanupAll: failed to remove %v: %v", d, err)
		}
	}
}
