package server

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBodyField(t *testing.T) {
	body := `{"name":"ada","age":36,"tags":["a", "b"],"nick":null,"nested":{"x": 1}}`
	tests := []struct {
		field string
		want  string
	}{
		{"name", "ada"},
		{"age", "36"},
		{"tags", `["a","b"]`},
		{"nick", ""},
		{"nested", `{"x":1}`},
		{"missing", ""},
	}
	for _, tt := range tests {
		got, err := BodyField(body, tt.field)
		require.NoError(t, err, tt.field)
		assert.Equal(t, tt.want, got, tt.field)
	}

	got, err := BodyField("", "name")
	assert.NoError(t, err)
	assert.Empty(t, got)

	_, err = BodyField("not json", "name")
	assert.Error(t, err)
}

func TestInferContentType(t *testing.T) {
	assert.Equal(t, "application/json", InferContentType(` {"a":1}`))
	assert.Equal(t, "application/json", InferContentType(`[1]`))
	assert.Equal(t, "text/html; charset=utf-8", InferContentType("<!DOCTYPE html><p>"))
	assert.Equal(t, "text/html; charset=utf-8", InferContentType("<HTML></HTML>"))
	assert.Equal(t, "text/plain; charset=utf-8", InferContentType("hello"))
	assert.Equal(t, "text/plain; charset=utf-8", InferContentType(""))
}

func TestResponseFinish(t *testing.T) {
	r := &Response{}
	r.finish("hello", true)
	assert.Equal(t, 200, r.Status)
	assert.Equal(t, "hello", r.Body)
	assert.Equal(t, "text/plain; charset=utf-8", r.ContentType)

	// An explicit body survives an empty return value.
	r = &Response{Status: 404}
	r.SetBody("<html>gone</html>")
	r.finish("", true)
	assert.Equal(t, 404, r.Status)
	assert.Equal(t, "<html>gone</html>", r.Body)
	assert.Equal(t, "text/html; charset=utf-8", r.ContentType)

	r = &Response{ContentType: "text/csv"}
	r.SetBody("a,b")
	r.finish("c,d", true)
	assert.Equal(t, "c,d", r.Body)
	assert.Equal(t, "text/csv", r.ContentType)

	r = &Response{}
	r.SetRedirect("/next", 418)
	r.finish("ignored", true)
	assert.Equal(t, 302, r.Status)
	assert.Empty(t, r.Body)
}

func TestRedirectStatus(t *testing.T) {
	for _, s := range []int32{301, 302, 303, 307, 308} {
		assert.Equal(t, int(s), validRedirect(s))
	}
	for _, s := range []int32{0, 200, 304, 500} {
		assert.Equal(t, 302, validRedirect(s))
	}
}

func TestResponseHeaders(t *testing.T) {
	r := &Response{}
	r.AddHeader("Vary", "Accept")
	r.SetHeader("Cache-Control", "no-store")
	r.SetHeader("cache-control", "public, max-age=5")
	assert.Equal(t, []Header{{"Vary", "Accept"}, {"cache-control", "public, max-age=5"}}, r.Headers)
	assert.Equal(t, "public, max-age=5", r.HeaderValue("Cache-Control"))
}

func TestRequestContext(t *testing.T) {
	req := httptest.NewRequest("POST", "/users/9?page=2&page=3&q=go", strings.NewReader(""))
	req.Header.Set("X-Token", "abc")
	req.Header.Set("Cookie", `session=s1; theme="dark"`)

	rc := newRequestContext(req, "body", map[string]string{"id": "9"})
	assert.Equal(t, "POST", rc.Method)
	assert.Equal(t, "/users/9", rc.Path)
	assert.Equal(t, "2", rc.Query["page"])
	assert.Equal(t, "go", rc.Query["q"])

	v, ok := rc.Header("x-token")
	assert.True(t, ok)
	assert.Equal(t, "abc", v)

	v, ok = rc.Cookie("theme")
	assert.True(t, ok)
	assert.Equal(t, "dark", v)

	var nilReq *RequestContext
	_, ok = nilReq.Header("X-Token")
	assert.False(t, ok)
}

func TestSessionIDPrefersAuth(t *testing.T) {
	s := &RequestState{
		Request: &RequestContext{Headers: []Header{{"Cookie", "todo.sid=from-cookie"}}},
	}
	id, ok := s.sessionID()
	assert.True(t, ok)
	assert.Equal(t, "from-cookie", id)

	s.Auth = &AuthContext{SessionID: "from-auth"}
	id, _ = s.sessionID()
	assert.Equal(t, "from-auth", id)
}
