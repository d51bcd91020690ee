package server

import (
	"net/http"
	"strings"

	"github.com/woxQAQ/frame-runtime/internal/bridge"
	"github.com/woxQAQ/frame-runtime/internal/router"
	"github.com/woxQAQ/frame-runtime/internal/session"
)

// Header is one request or response header line.
type Header struct {
	Name  string
	Value string
}

// RequestContext is the request as seen by a handler.
type RequestContext struct {
	Method  string
	Path    string
	Headers []Header
	Body    string
	Params  map[string]string
	Query   map[string]string
}

// Header returns the first value of name, compared case-insensitively.
func (r *RequestContext) Header(name string) (string, bool) {
	if r == nil {
		return "", false
	}
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Cookie returns the value of cookie name from the Cookie header.
func (r *RequestContext) Cookie(name string) (string, bool) {
	header, ok := r.Header("Cookie")
	if !ok {
		return "", false
	}
	v, ok := session.ParseCookies(header)[name]
	return v, ok
}

// newRequestContext copies the parts of req a guest can read.
func newRequestContext(req *http.Request, body string, params map[string]string) *RequestContext {
	rc := &RequestContext{
		Method: req.Method,
		Path:   req.URL.Path,
		Body:   body,
		Params: params,
		Query:  map[string]string{},
	}
	if rc.Params == nil {
		rc.Params = map[string]string{}
	}
	for name, values := range req.Header {
		for _, v := range values {
			rc.Headers = append(rc.Headers, Header{Name: name, Value: v})
		}
	}
	if req.Host != "" {
		rc.Headers = append(rc.Headers, Header{Name: "Host", Value: req.Host})
	}
	for name, values := range req.URL.Query() {
		if len(values) > 0 {
			rc.Query[name] = values[0]
		}
	}
	return rc
}

// AuthContext identifies the caller of a request.
type AuthContext struct {
	UserID    int64
	Role      string
	SessionID string
}

// Response collects the changes a handler makes to its response before
// the handler returns.
type Response struct {
	Status      int
	Headers     []Header
	Body        string
	ContentType string
	Redirect    string
	// RedirectStatus is one of 301, 302, 303, 307 or 308.
	RedirectStatus int
	Cookies        []string

	bodySet bool
}

// SetHeader replaces every header called name.
func (r *Response) SetHeader(name, value string) {
	out := r.Headers[:0]
	for _, h := range r.Headers {
		if !strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	r.Headers = append(out, Header{Name: name, Value: value})
}

// AddHeader appends a header line.
func (r *Response) AddHeader(name, value string) {
	r.Headers = append(r.Headers, Header{Name: name, Value: value})
}

// HeaderValue returns the last value set for name.
func (r *Response) HeaderValue(name string) string {
	v := ""
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			v = h.Value
		}
	}
	return v
}

// SetBody replaces the pending body.
func (r *Response) SetBody(body string) {
	r.Body = body
	r.bodySet = true
}

func validRedirect(status int32) int {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return int(status)
	default:
		return http.StatusFound
	}
}

// SetRedirect turns the response into a redirect to url.
func (r *Response) SetRedirect(url string, status int32) {
	r.Redirect = url
	r.RedirectStatus = validRedirect(status)
}

// RequestState is the per-request capability state. It extends the
// platform state with the router, the request, the caller and the pending
// response.
type RequestState struct {
	*bridge.BaseState

	Router   *router.Router
	Sessions *session.Store
	Roles    session.Roles
	Request  *RequestContext
	Auth     *AuthContext
	Response *Response

	port int
}

// Port returns the port the guest asked for with _http_listen, or 0.
func (s *RequestState) Port() int {
	return s.port
}

// sessionID returns the caller's session: the authenticated one first,
// then the one named by the request cookie.
func (s *RequestState) sessionID() (string, bool) {
	if s.Auth != nil && s.Auth.SessionID != "" {
		return s.Auth.SessionID, true
	}
	header, ok := s.Request.Header("Cookie")
	if !ok {
		return "", false
	}
	name := session.DefaultConfig().CookieName
	if s.Sessions != nil {
		name = s.Sessions.Config().CookieName
	}
	return session.SessionIDFromCookies(session.ParseCookies(header), name)
}
