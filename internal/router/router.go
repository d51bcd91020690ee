// Package router matches request paths against the routes a guest
// registers during initialization.
//
// Patterns use ":name" placeholders. They are rewritten to brace tokens
// and matched by a chi routing tree that only knows paths; the handler is
// then looked up by (method, pattern).
package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/woxQAQ/frame-runtime/internal/fault"
)

// Route is one registered handler.
type Route struct {
	Method    Method `json:"method"`
	Path      string `json:"path"`
	Handler   uint32 `json:"handler"`
	Protected bool   `json:"protected"`
	// Role is required in addition to authentication when non-empty.
	Role string `json:"role,omitempty"`
}

type routeKey struct {
	method  Method
	pattern string
}

// Router is safe for concurrent use. Matching takes a read lock and
// registration a write lock.
type Router struct {
	mu       sync.RWMutex
	routes   map[routeKey]Route
	matcher  *chi.Mux
	patterns map[string]bool
	mounts   []Mount
	logger   *zap.Logger
}

// New creates an empty router.
func New(logger *zap.Logger) *Router {
	return &Router{
		routes:   make(map[routeKey]Route),
		matcher:  chi.NewMux(),
		patterns: make(map[string]bool),
		logger:   logger.With(zap.String("component", "router")),
	}
}

// ConvertPattern rewrites ":name" placeholders to "{name}".
func ConvertPattern(path string) string {
	var b strings.Builder
	b.Grow(len(path) + 8)
	for i := 0; i < len(path); i++ {
		if path[i] != ':' {
			b.WriteByte(path[i])
			continue
		}
		b.WriteByte('{')
		j := i + 1
		for j < len(path) && isNameByte(path[j]) {
			j++
		}
		b.WriteString(path[i+1 : j])
		b.WriteByte('}')
		i = j - 1
	}
	return b.String()
}

func isNameByte(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

var found = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

// Add registers route. Registering the same method and path again
// replaces the handler.
func (r *Router) Add(route Route) error {
	if _, err := ParseMethod(string(route.Method)); err != nil {
		return err
	}
	pattern := ConvertPattern(route.Path)

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.patterns[pattern] {
		if err := insert(r.matcher, pattern); err != nil {
			return err
		}
		r.patterns[pattern] = true
	}
	r.routes[routeKey{route.Method, pattern}] = route

	r.logger.Debug("Route registered",
		zap.String("method", route.Method.String()),
		zap.String("path", route.Path),
		zap.Uint32("handler", route.Handler),
		zap.Bool("protected", route.Protected),
	)
	return nil
}

// AddProtected registers route as requiring authentication and, when role
// is non-empty, that role.
func (r *Router) AddProtected(route Route, role string) error {
	route.Protected = true
	route.Role = role
	return r.Add(route)
}

// insert adds pattern to the matching tree. chi panics on malformed
// patterns.
func insert(mux *chi.Mux, pattern string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fault.Validationf("add_route", "invalid route pattern %q: %v", pattern, p)
		}
	}()
	mux.Handle(pattern, found)
	return nil
}

// Find matches path and returns the route registered for method together
// with the extracted parameters. A path that only matches under other
// methods is reported as not found.
func (r *Router) Find(method Method, path string) (Route, map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pattern, params, ok := r.match(path)
	if !ok {
		return Route{}, nil, false
	}
	route, ok := r.routes[routeKey{method, pattern}]
	if !ok {
		return Route{}, nil, false
	}
	return route, params, true
}

func (r *Router) match(path string) (string, map[string]string, bool) {
	rctx := chi.NewRouteContext()
	if !r.matcher.Match(rctx, http.MethodGet, path) || len(rctx.RoutePatterns) == 0 {
		return "", nil, false
	}
	pattern := rctx.RoutePatterns[len(rctx.RoutePatterns)-1]
	params := make(map[string]string, len(rctx.URLParams.Keys))
	for i, k := range rctx.URLParams.Keys {
		params[k] = rctx.URLParams.Values[i]
	}
	return pattern, params, true
}

// AllowedMethods returns the methods registered for the pattern path
// matches, in canonical order.
func (r *Router) AllowedMethods(path string) []Method {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pattern, _, ok := r.match(path)
	if !ok {
		return nil
	}
	var out []Method
	for key := range r.routes {
		if key.pattern == pattern {
			out = append(out, key.method)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order() < out[j].order() })
	return out
}

// Routes returns every route sorted by path then method.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, 0, len(r.routes))
	for _, route := range r.routes {
		out = append(out, route)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Method.order() < out[j].Method.order()
	})
	return out
}

func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

func (r *Router) IsEmpty() bool {
	return r.Len() == 0
}

// Clear removes every route and static mount.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = make(map[routeKey]Route)
	r.matcher = chi.NewMux()
	r.patterns = make(map[string]bool)
	r.mounts = nil
}

func (rt Route) String() string {
	s := fmt.Sprintf("%s %s -> handler %d", rt.Method, rt.Path, rt.Handler)
	if rt.Protected {
		s += " (protected"
		if rt.Role != "" {
			s += ", role " + rt.Role
		}
		s += ")"
	}
	return s
}
