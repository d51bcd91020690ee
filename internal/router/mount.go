package router

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/woxQAQ/frame-runtime/internal/fault"
)

// Mount serves files from Dir under URL prefix Prefix.
type Mount struct {
	Prefix string `json:"prefix"`
	Dir    string `json:"dir"`
}

// Mount registers a static directory. Mounting the same prefix again
// replaces the directory.
func (r *Router) Mount(prefix, dir string) error {
	if !strings.HasPrefix(prefix, "/") {
		return fault.Validationf("serve_static", "prefix %q must start with /", prefix)
	}
	if dir == "" {
		return fault.Validationf("serve_static", "directory is required")
	}
	if len(prefix) > 1 {
		prefix = strings.TrimRight(prefix, "/")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.mounts {
		if m.Prefix == prefix {
			r.mounts[i].Dir = dir
			return nil
		}
	}
	r.mounts = append(r.mounts, Mount{Prefix: prefix, Dir: dir})
	// Longest prefix first.
	sort.Slice(r.mounts, func(i, j int) bool { return len(r.mounts[i].Prefix) > len(r.mounts[j].Prefix) })

	r.logger.Debug("Static directory mounted", zap.String("prefix", prefix), zap.String("dir", dir))
	return nil
}

// Mounts returns the static mounts, longest prefix first.
func (r *Router) Mounts() []Mount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Mount(nil), r.mounts...)
}

// MatchMount returns the mount with the longest prefix covering path and
// the remainder of path below it.
func (r *Router) MatchMount(path string) (Mount, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.mounts {
		if m.Prefix == "/" {
			return m, path, true
		}
		if path == m.Prefix {
			return m, "/", true
		}
		if strings.HasPrefix(path, m.Prefix+"/") {
			return m, path[len(m.Prefix):], true
		}
	}
	return Mount{}, "", false
}
