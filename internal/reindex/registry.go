package reindex

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

// registry tracks the operations run by this process.
type registry struct {
	ops *xsync.MapOf[string, context.CancelFunc]
}

func newRegistry() *registry {
	return &registry{ops: xsync.NewMapOf[string, context.CancelFunc]()}
}

// claim registers id and reports whether it was not already running.
func (r *registry) claim(id string, cancel context.CancelFunc) bool {
	_, loaded := r.ops.LoadOrStore(id, cancel)
	return !loaded
}

func (r *registry) release(id string) {
	r.ops.Delete(id)
}

func (r *registry) owns(id string) bool {
	_, ok := r.ops.Load(id)
	return ok
}

func (r *registry) cancel(id string) bool {
	cancel, ok := r.ops.Load(id)
	if ok {
		cancel()
	}
	return ok
}

func (r *registry) cancelAll() {
	r.ops.Range(func(_ string, cancel context.CancelFunc) bool {
		cancel()
		return true
	})
}

func (r *registry) ids() []string {
	out := make([]string, 0, r.ops.Size())
	r.ops.Range(func(id string, _ context.CancelFunc) bool {
		out = append(out, id)
		return true
	})
	return out
}
