package server

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/woxQAQ/frame-runtime/internal/bridge"
	"github.com/woxQAQ/frame-runtime/internal/fault"
)

func requestFuncs() []bridge.Func {
	return []bridge.Func{
		hostFunc("_req_param", str, bridge.Ptr, func(c *bridge.Call, s *RequestState) {
			c.ReturnString(s.param(c.Str()))
		}),
		hostFunc("_req_param_int", str, bridge.I32, func(c *bridge.Call, s *RequestState) {
			n, err := strconv.ParseInt(strings.TrimSpace(s.param(c.Str())), 10, 32)
			if err != nil {
				c.ReturnI32(0)
				return
			}
			c.ReturnI32(int32(n))
		}),
		hostFunc("_req_query", str, bridge.Ptr, func(c *bridge.Call, s *RequestState) {
			name := c.Str()
			if s.Request == nil {
				c.ReturnString("")
				return
			}
			c.ReturnString(s.Request.Query[name])
		}),
		hostFunc("_req_header", str, bridge.Ptr, func(c *bridge.Call, s *RequestState) {
			v, _ := s.Request.Header(c.Str())
			c.ReturnString(v)
		}),
		hostFunc("_req_cookie", str, bridge.Ptr, func(c *bridge.Call, s *RequestState) {
			v, _ := s.Request.Cookie(c.Str())
			c.ReturnString(v)
		}),
		hostFunc("_req_body", none, bridge.Ptr, func(c *bridge.Call, s *RequestState) {
			if s.Request == nil {
				c.ReturnString("")
				return
			}
			c.ReturnString(s.Request.Body)
		}),
		hostFunc("_req_body_field", str, bridge.Ptr, func(c *bridge.Call, s *RequestState) {
			name := c.Str()
			if s.Request == nil {
				c.ReturnString("")
				return
			}
			v, err := BodyField(s.Request.Body, name)
			if err != nil {
				c.Fail(err)
				return
			}
			c.ReturnString(v)
		}),
		hostFunc("_req_method", none, bridge.Ptr, func(c *bridge.Call, s *RequestState) {
			if s.Request == nil {
				c.ReturnString("")
				return
			}
			c.ReturnString(s.Request.Method)
		}),
		hostFunc("_req_path", none, bridge.Ptr, func(c *bridge.Call, s *RequestState) {
			if s.Request == nil {
				c.ReturnString("")
				return
			}
			c.ReturnString(s.Request.Path)
		}),
	}
}

func (s *RequestState) param(name string) string {
	if s.Request == nil {
		return ""
	}
	return s.Request.Params[name]
}

// BodyField extracts the top-level field name from a JSON object body.
// Strings are returned as-is, null and absent fields as "", anything else
// as its JSON text.
func BodyField(body, name string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &obj); err != nil {
		return "", fault.Validationf("_req_body_field", "body is not a JSON object: %v", err)
	}
	raw, ok := obj[name]
	if !ok {
		return "", nil
	}
	raw = bytes.TrimSpace(raw)
	switch {
	case bytes.Equal(raw, []byte("null")):
		return "", nil
	case len(raw) > 0 && raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fault.Validationf("_req_body_field", "field %q: %v", name, err)
		}
		return s, nil
	default:
		var compact bytes.Buffer
		if err := json.Compact(&compact, raw); err != nil {
			return string(raw), nil
		}
		return compact.String(), nil
	}
}

func responseFuncs() []bridge.Func {
	return []bridge.Func{
		hostFunc("_http_respond", []bridge.Shape{bridge.I32, bridge.Str, bridge.Str}, bridge.Ptr, func(c *bridge.Call, s *RequestState) {
			status, contentType, body := c.I32(), c.Str(), c.Str()
			if contentType == "" {
				contentType = "text/plain"
			}
			if validStatus(status) {
				s.Response.Status = int(status)
			}
			s.Response.ContentType = contentType
			s.Response.SetBody(body)
			c.ReturnString(body)
		}),
		hostFunc("_res_status", []bridge.Shape{bridge.I32}, bridge.I32, func(c *bridge.Call, s *RequestState) {
			status := c.I32()
			if !validStatus(status) {
				c.Fail(fault.Validationf("_res_status", "invalid status %d", status))
				return
			}
			s.Response.Status = int(status)
			c.ReturnI32(1)
		}),
		hostFunc("_res_body", str, bridge.I32, func(c *bridge.Call, s *RequestState) {
			s.Response.SetBody(c.Str())
			c.ReturnI32(1)
		}),
		hostFunc("_res_json", []bridge.Shape{bridge.I32, bridge.Str}, bridge.Ptr, func(c *bridge.Call, s *RequestState) {
			status, body := c.I32(), c.Str()
			if validStatus(status) {
				s.Response.Status = int(status)
			}
			s.Response.ContentType = "application/json"
			s.Response.SetBody(body)
			c.ReturnString(body)
		}),
		hostFunc("_res_set_header", []bridge.Shape{bridge.Str, bridge.Str}, bridge.I32, func(c *bridge.Call, s *RequestState) {
			name, value := c.Str(), c.Str()
			switch {
			case name == "":
				c.Fail(fault.Validationf("_res_set_header", "header name is required"))
				return
			case strings.EqualFold(name, "Content-Type"):
				s.Response.ContentType = value
			case strings.EqualFold(name, "Set-Cookie"):
				s.Response.Cookies = append(s.Response.Cookies, value)
			default:
				s.Response.SetHeader(name, value)
			}
			c.ReturnI32(1)
		}),
		hostFunc("_http_set_cookie", str, bridge.I32, func(c *bridge.Call, s *RequestState) {
			cookie := c.Str()
			if cookie == "" {
				c.Fail(fault.Validationf("_http_set_cookie", "cookie is empty"))
				return
			}
			s.Response.Cookies = append(s.Response.Cookies, cookie)
			c.ReturnI32(1)
		}),
		hostFunc("_res_redirect", []bridge.Shape{bridge.Str, bridge.I32}, bridge.I32, func(c *bridge.Call, s *RequestState) {
			url, status := c.Str(), c.I32()
			if url == "" {
				c.Fail(fault.Validationf("_res_redirect", "url is required"))
				return
			}
			s.Response.SetRedirect(url, status)
			c.ReturnI32(1)
		}),
		hostFunc("_http_redirect", []bridge.Shape{bridge.I32, bridge.Str}, bridge.Ptr, func(c *bridge.Call, s *RequestState) {
			status, url := c.I32(), c.Str()
			if url == "" {
				c.Fail(fault.Validationf("_http_redirect", "url is required"))
				return
			}
			s.Response.SetRedirect(url, status)
			c.ReturnString(url)
		}),
		hostFunc("_http_set_cache", []bridge.Shape{bridge.I32}, bridge.I32, func(c *bridge.Call, s *RequestState) {
			seconds := c.I32()
			if seconds < 0 {
				c.Fail(fault.Validationf("_http_set_cache", "negative max-age %d", seconds))
				return
			}
			s.Response.SetHeader("Cache-Control", "public, max-age="+strconv.Itoa(int(seconds)))
			c.ReturnI32(1)
		}),
		hostFunc("_http_no_cache", none, bridge.I32, func(c *bridge.Call, s *RequestState) {
			s.Response.SetHeader("Cache-Control", "no-store, no-cache, must-revalidate")
			c.ReturnI32(1)
		}),
	}
}

func validStatus(status int32) bool {
	return status >= 100 && status <= 599
}
