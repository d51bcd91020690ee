package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/woxQAQ/frame-runtime/internal/fault"
)

// HTTPClientConfig holds outbound HTTP defaults.
type HTTPClientConfig struct {
	Timeout      time.Duration
	MaxTimeout   time.Duration
	MaxRedirects int
	UserAgent    string
	// MaxBodyBytes bounds how much of a response body is read.
	MaxBodyBytes int64
}

// HTTPClient is the shared outbound HTTP capability. It is passed to
// RegisterPlatform explicitly; per-guest settings live in HTTPSession.
type HTTPClient struct {
	cfg       HTTPClientConfig
	transport http.RoundTripper
}

// NewHTTPClient creates a client. A nil transport uses
// http.DefaultTransport.
func NewHTTPClient(cfg HTTPClientConfig, transport http.RoundTripper) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 120 * time.Second
	}
	if cfg.Timeout > cfg.MaxTimeout {
		cfg.Timeout = cfg.MaxTimeout
	}
	if cfg.MaxRedirects < 0 {
		cfg.MaxRedirects = 0
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &HTTPClient{cfg: cfg, transport: transport}
}

// NewSession returns per-guest settings initialised from the defaults.
func (h *HTTPClient) NewSession() *HTTPSession {
	return &HTTPSession{
		client:       h,
		timeout:      h.cfg.Timeout,
		userAgent:    h.cfg.UserAgent,
		maxRedirects: h.cfg.MaxRedirects,
	}
}

// HTTPResponse is the envelope payload of an outbound request.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// HTTPSession is one guest's view of the outbound HTTP client.
type HTTPSession struct {
	client *HTTPClient

	mu           sync.Mutex
	timeout      time.Duration
	userAgent    string
	maxRedirects int
	jar          http.CookieJar
	lastStatus   int
	lastHeaders  map[string]string
}

// SetTimeout sets the request timeout, capped at the configured maximum.
func (s *HTTPSession) SetTimeout(d time.Duration) bool {
	if d <= 0 {
		return false
	}
	if d > s.client.cfg.MaxTimeout {
		d = s.client.cfg.MaxTimeout
	}
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
	return true
}

// Timeout returns the current request timeout.
func (s *HTTPSession) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

func (s *HTTPSession) SetUserAgent(ua string) {
	s.mu.Lock()
	s.userAgent = ua
	s.mu.Unlock()
}

func (s *HTTPSession) SetMaxRedirects(n int) bool {
	if n < 0 {
		return false
	}
	s.mu.Lock()
	s.maxRedirects = n
	s.mu.Unlock()
	return true
}

// EnableCookies turns a per-session cookie jar on or off.
func (s *HTTPSession) EnableCookies(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !on {
		s.jar = nil
		return
	}
	if s.jar == nil {
		s.jar, _ = cookiejar.New(nil)
	}
}

// LastStatus returns the status of the most recent response, or 0.
func (s *HTTPSession) LastStatus() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}

// LastHeaders returns the headers of the most recent response.
func (s *HTTPSession) LastHeaders() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.lastHeaders))
	for k, v := range s.lastHeaders {
		out[k] = v
	}
	return out
}

// Do sends one request and reads the whole response body.
func (s *HTTPSession) Do(ctx context.Context, method, rawURL, body string, headers map[string]string) (*HTTPResponse, error) {
	op := "http_" + strings.ToLower(method)
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fault.Validationf(op, "invalid url %q", rawURL)
	}

	s.mu.Lock()
	timeout, ua, maxRedirects, jar := s.timeout, s.userAgent, s.maxRedirects, s.jar
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fault.Validationf(op, "%v", err)
	}
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Transport: s.client.transport,
		Jar:       jar,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.Module, op, err).WithDetail("url", rawURL)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.client.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fault.Wrap(fault.Module, op, err).WithDetail("url", rawURL)
	}

	out := &HTTPResponse{Status: resp.StatusCode, Headers: flattenHeaders(resp.Header), Body: string(data)}
	s.mu.Lock()
	s.lastStatus = out.Status
	s.lastHeaders = out.Headers
	s.mu.Unlock()
	return out, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[strings.ToLower(k)] = strings.Join(vs, ", ")
	}
	return out
}

// parseStringMap decodes a JSON object, stringifying non-string values.
func parseStringMap(op, blob string) (map[string]string, error) {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return map[string]string{}, nil
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(blob), &raw); err != nil {
		return nil, fault.Validationf(op, "expected a JSON object: %v", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch x := v.(type) {
		case string:
			out[k] = x
		case nil:
			out[k] = ""
		default:
			b, _ := json.Marshal(x)
			out[k] = string(b)
		}
	}
	return out, nil
}

// BuildQuery encodes a JSON object as a query string with sorted keys.
func BuildQuery(blob string) (string, error) {
	m, err := parseStringMap("http_build_query", blob)
	if err != nil {
		return "", err
	}
	values := url.Values{}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values.Set(k, m[k])
	}
	return values.Encode(), nil
}

func httpFuncs[S PlatformState](client *HTTPClient) []Func {
	session := func(c *Call) *HTTPSession {
		if s, ok := StateFrom[S](c.Ctx); ok {
			return s.HTTPSession(client)
		}
		return client.NewSession()
	}
	noBody := func(name, method string) Func {
		return Func{Name: name, Params: []Shape{Str}, Result: Ptr, Fn: func(c *Call) {
			u := c.Str()
			c.ReturnEnvelope(session(c).Do(c.Ctx, method, u, "", nil))
		}}
	}
	withBody := func(name, method, contentType string) Func {
		return Func{Name: name, Params: []Shape{Str, Str}, Result: Ptr, Fn: func(c *Call) {
			u, body := c.Str(), c.Str()
			var headers map[string]string
			if contentType != "" {
				headers = map[string]string{"Content-Type": contentType}
			}
			c.ReturnEnvelope(session(c).Do(c.Ctx, method, u, body, headers))
		}}
	}

	return []Func{
		noBody("http_get", http.MethodGet),
		noBody("http_delete", http.MethodDelete),
		noBody("http_head", http.MethodHead),
		noBody("http_options", http.MethodOptions),
		withBody("http_post", http.MethodPost, "text/plain; charset=utf-8"),
		withBody("http_put", http.MethodPut, "text/plain; charset=utf-8"),
		withBody("http_patch", http.MethodPatch, "text/plain; charset=utf-8"),
		withBody("http_post_json", http.MethodPost, "application/json"),
		withBody("http_put_json", http.MethodPut, "application/json"),
		withBody("http_patch_json", http.MethodPatch, "application/json"),
		{Name: "http_get_with_headers", Params: []Shape{Str, Str}, Result: Ptr, Fn: func(c *Call) {
			u, blob := c.Str(), c.Str()
			headers, err := parseStringMap("http_get_with_headers", blob)
			if err != nil {
				c.ReturnEnvelope(nil, err)
				return
			}
			c.ReturnEnvelope(session(c).Do(c.Ctx, http.MethodGet, u, "", headers))
		}},
		{Name: "http_post_with_headers", Params: []Shape{Str, Str, Str}, Result: Ptr, Fn: func(c *Call) {
			u, body, blob := c.Str(), c.Str(), c.Str()
			headers, err := parseStringMap("http_post_with_headers", blob)
			if err != nil {
				c.ReturnEnvelope(nil, err)
				return
			}
			c.ReturnEnvelope(session(c).Do(c.Ctx, http.MethodPost, u, body, headers))
		}},
		{Name: "http_post_form", Params: []Shape{Str, Str}, Result: Ptr, Fn: func(c *Call) {
			u, blob := c.Str(), c.Str()
			form, err := BuildQuery(blob)
			if err != nil {
				c.ReturnEnvelope(nil, err)
				return
			}
			headers := map[string]string{"Content-Type": "application/x-www-form-urlencoded"}
			c.ReturnEnvelope(session(c).Do(c.Ctx, http.MethodPost, u, form, headers))
		}},
		{Name: "http_set_timeout", Params: []Shape{I32}, Result: Bool, Fn: func(c *Call) {
			ms := c.I32()
			c.ReturnBool(session(c).SetTimeout(time.Duration(ms) * time.Millisecond))
		}},
		{Name: "http_set_user_agent", Params: []Shape{Str}, Result: Bool, Fn: func(c *Call) {
			session(c).SetUserAgent(c.Str())
			c.ReturnBool(true)
		}},
		{Name: "http_set_max_redirects", Params: []Shape{I32}, Result: Bool, Fn: func(c *Call) {
			c.ReturnBool(session(c).SetMaxRedirects(int(c.I32())))
		}},
		{Name: "http_enable_cookies", Params: []Shape{Bool}, Result: Bool, Fn: func(c *Call) {
			session(c).EnableCookies(c.Bool())
			c.ReturnBool(true)
		}},
		{Name: "http_get_response_code", Result: I32, Fn: func(c *Call) {
			c.ReturnI32(int32(session(c).LastStatus()))
		}},
		{Name: "http_get_response_headers", Result: Ptr, Fn: func(c *Call) {
			b, _ := json.Marshal(session(c).LastHeaders())
			c.ReturnBytes(b)
		}},
		{Name: "http_encode_url", Params: []Shape{Str}, Result: Ptr, Fn: func(c *Call) {
			c.ReturnString(url.QueryEscape(c.Str()))
		}},
		{Name: "http_decode_url", Params: []Shape{Str}, Result: Ptr, Fn: func(c *Call) {
			s := c.Str()
			decoded, err := url.QueryUnescape(s)
			if err != nil {
				c.reportError(fault.Validationf("http_decode_url", "%v", err))
				decoded = s
			}
			c.ReturnString(decoded)
		}},
		{Name: "http_build_query", Params: []Shape{Str}, Result: Ptr, Fn: func(c *Call) {
			q, err := BuildQuery(c.Str())
			if err != nil {
				c.reportError(err)
			}
			c.ReturnString(q)
		}},
	}
}

