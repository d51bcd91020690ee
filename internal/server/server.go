package server

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/woxQAQ/frame-runtime/internal/fault"
	"github.com/woxQAQ/frame-runtime/internal/router"
	"github.com/woxQAQ/frame-runtime/internal/session"
	"github.com/woxQAQ/frame-runtime/pkg/envelope"
)

// Options configures the HTTP front end.
type Options struct {
	Host string
	Port int

	// BodyLimit caps request bodies. Zero disables the limit.
	BodyLimit int64

	CORS        bool
	CORSOrigins []string

	// MethodNotAllowed answers 405 with an Allow header when the path
	// matches under other methods. Otherwise such requests get 404.
	MethodNotAllowed bool

	// JWTSecret verifies bearer tokens. Empty ignores them.
	JWTSecret string

	SweepInterval   time.Duration
	ShutdownTimeout time.Duration
}

// Server routes HTTP requests to guest handlers.
type Server struct {
	exec     *Executor
	router   *router.Router
	sessions *session.Store
	opts     Options
	logger   *zap.Logger
}

// New creates a server for exec.
func New(exec *Executor, opts Options, logger *zap.Logger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		exec:     exec,
		router:   exec.Router(),
		sessions: exec.Sessions(),
		opts:     opts,
		logger:   logger.With(zap.String("component", "http-server")),
	}
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(requestLogger(s.logger))
	mux.Use(middleware.Recoverer)
	if s.opts.CORS {
		methods := make([]string, 0, len(router.Methods))
		for _, m := range router.Methods {
			methods = append(methods, m.String())
		}
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.CORSOrigins,
			AllowedMethods: methods,
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{"Location"},
			MaxAge:         300,
		}))
	}
	mux.HandleFunc("/*", s.handle)
	mux.NotFound(s.handle)
	mux.MethodNotAllowed(s.handle)
	return mux
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("Request handled",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if s.serveStatic(w, r) {
		return
	}

	// No route can match a method the router does not know.
	method, err := router.ParseMethod(r.Method)
	if err != nil {
		s.notFound(w, r)
		return
	}
	route, params, ok := s.router.Find(method, r.URL.Path)
	if !ok {
		s.notFound(w, r)
		return
	}

	auth := s.authenticate(r)
	if route.Protected {
		if auth == nil {
			writeJSON(w, http.StatusUnauthorized, `{"ok":false,"error":"Unauthorized"}`)
			return
		}
		if route.Role != "" && !session.HasRole(auth.Role, route.Role) {
			writeJSON(w, http.StatusForbidden, `{"ok":false,"error":"Forbidden"}`)
			return
		}
	}

	reader := r.Body
	if s.opts.BodyLimit > 0 {
		reader = http.MaxBytesReader(w, r.Body, s.opts.BodyLimit)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	resp, err := s.exec.Execute(r.Context(), route, newRequestContext(r, string(body), params), auth)
	if err != nil {
		s.logger.Error("Handler failed",
			zap.String("route", route.String()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, fault.HTTPStatus(err), err.Error())
		return
	}
	writeResponse(w, r, resp)
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	if s.opts.MethodNotAllowed {
		if allowed := s.router.AllowedMethods(r.URL.Path); len(allowed) > 0 {
			names := make([]string, len(allowed))
			for i, m := range allowed {
				names[i] = m.String()
			}
			w.Header().Set("Allow", strings.Join(names, ", "))
			writeError(w, http.StatusMethodNotAllowed, "method "+r.Method+" not allowed")
			return
		}
	}
	writeError(w, http.StatusNotFound, "no route for "+r.Method+" "+r.URL.Path)
}

// serveStatic serves GET and HEAD requests under a static mount when the
// file exists. Anything else falls through to routing.
func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	mount, rest, ok := s.router.MatchMount(r.URL.Path)
	if !ok {
		return false
	}
	name := strings.TrimPrefix(path.Clean("/"+rest), "/")
	if name == "" {
		name = "."
	}
	fsys := os.DirFS(mount.Dir)
	info, err := fs.Stat(fsys, name)
	if err != nil {
		return false
	}
	if info.IsDir() {
		if _, err := fs.Stat(fsys, path.Join(name, "index.html")); err != nil {
			return false
		}
	}
	http.ServeFileFS(w, r, fsys, name)
	return true
}

// authenticate resolves the caller from the session cookie, then from a
// bearer token.
func (s *Server) authenticate(r *http.Request) *AuthContext {
	if header := strings.Join(r.Header.Values("Cookie"), "; "); header != "" && s.sessions != nil {
		cookies := session.ParseCookies(header)
		if id, ok := session.SessionIDFromCookies(cookies, s.sessions.Config().CookieName); ok {
			if d, ok := s.sessions.Get(id); ok {
				return &AuthContext{UserID: d.UserID, Role: d.Role, SessionID: d.ID}
			}
		}
	}
	return s.bearer(r)
}

func (s *Server) bearer(r *http.Request) *AuthContext {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return nil
	}
	if s.opts.JWTSecret == "" {
		s.logger.Debug("Bearer token ignored, no secret configured")
		return nil
	}
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(s.opts.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"})); err != nil {
		s.logger.Debug("Bearer token rejected", zap.Error(err))
		return nil
	}

	auth := &AuthContext{}
	switch sub := claims["sub"].(type) {
	case string:
		id, err := strconv.ParseInt(sub, 10, 64)
		if err != nil {
			s.logger.Debug("Bearer token subject is not a user id", zap.String("sub", sub))
			return nil
		}
		auth.UserID = id
	case float64:
		auth.UserID = int64(sub)
	default:
		return nil
	}
	auth.Role, _ = claims["role"].(string)
	return auth
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp *Response) {
	h := w.Header()
	for _, hdr := range resp.Headers {
		h.Add(hdr.Name, hdr.Value)
	}
	for _, c := range resp.Cookies {
		h.Add("Set-Cookie", c)
	}
	if resp.Redirect != "" {
		h.Set("Location", resp.Redirect)
		w.WriteHeader(resp.Status)
		return
	}
	h.Set("Content-Type", resp.ContentType)
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		io.WriteString(w, resp.Body)
	}
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(envelope.HTTPError{Status: status, Message: message}.JSON())
}

// ListenAndServe listens on Addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fault.Wrap(fault.Module, "listen", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully. The session sweeper runs alongside.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("HTTP server listening",
			zap.String("addr", ln.Addr().String()),
			zap.Int("routes", s.router.Len()),
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
		defer cancel()
		s.logger.Info("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	})
	if s.sessions != nil {
		g.Go(func() error {
			return s.sessions.Sweep(gctx, s.opts.SweepInterval)
		})
	}
	return g.Wait()
}
