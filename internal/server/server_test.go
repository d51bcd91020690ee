package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woxQAQ/frame-runtime/internal/bridge"
	"github.com/woxQAQ/frame-runtime/internal/wasmgen"
)

func TestInitializeRegistersRoutes(t *testing.T) {
	app := newTestApp(t, demoGuest(t, ""), Options{})

	assert.Equal(t, 13, app.exec.Router().Len())
	assert.Equal(t, 8089, app.exec.Port())
}

func TestRouteParams(t *testing.T) {
	app := newTestApp(t, demoGuest(t, ""), Options{})

	resp, body := app.do("GET", "/items/7", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "7", body)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
}

func TestProtectedRoutes(t *testing.T) {
	app := newTestApp(t, demoGuest(t, ""), Options{})

	resp, body := app.do("GET", "/me", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.JSONEq(t, `{"ok":false,"error":"Unauthorized"}`, body)

	cookie := app.login()
	resp, body = app.do("GET", "/me", "", withCookie(cookie))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "42", body)

	// An editor may not reach the admin route.
	resp, body = app.do("DELETE", "/admin", "", withCookie(cookie))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.JSONEq(t, `{"ok":false,"error":"Forbidden"}`, body)

	admin := app.sessions.Create(1, "admin", "")
	resp, body = app.do("DELETE", "/admin", "", withCookie(&http.Cookie{Name: "sid", Value: admin.ID}))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "deleted", body)
}

func TestSessionCookie(t *testing.T) {
	app := newTestApp(t, demoGuest(t, ""), Options{})

	_, body := app.do("GET", "/session", "")
	assert.Equal(t, "null", body)

	cookie := app.login()
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, 3600, cookie.MaxAge)

	_, body = app.do("GET", "/session", "", withCookie(cookie))
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, float64(42), got["user_id"])
	assert.Equal(t, "editor", got["role"])
	assert.Equal(t, cookie.Value, got["session_id"])
}

func TestCSRFRoundTrip(t *testing.T) {
	app := newTestApp(t, demoGuest(t, ""), Options{})
	cookie := app.login()

	resp, token := app.do("GET", "/csrf", "", withCookie(cookie))
	require.Equal(t, http.StatusOK, resp.StatusCode, token)
	assert.Len(t, token, 64)

	_, body := app.do("POST", "/csrf", token, withCookie(cookie))
	assert.Equal(t, "true", body)
	_, body = app.do("POST", "/csrf", "forged", withCookie(cookie))
	assert.Equal(t, "false", body)

	// Tokens belong to one session.
	other := app.login()
	_, body = app.do("POST", "/csrf", token, withCookie(other))
	assert.Equal(t, "false", body)
}

func TestBearerToken(t *testing.T) {
	app := newTestApp(t, demoGuest(t, ""), Options{JWTSecret: "s3cret"})

	sign := func(secret string, claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}

	resp, body := app.do("GET", "/me", "", withHeader("Authorization", "Bearer "+sign("s3cret", jwt.MapClaims{"sub": "5", "role": "admin"})))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "5", body)

	resp, _ = app.do("GET", "/me", "", withHeader("Authorization", "Bearer "+sign("other", jwt.MapClaims{"sub": "5"})))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBearerIgnoredWithoutSecret(t *testing.T) {
	app := newTestApp(t, demoGuest(t, ""), Options{})

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "5"}).SignedString([]byte("x"))
	require.NoError(t, err)
	resp, _ := app.do("GET", "/me", "", withHeader("Authorization", "Bearer "+token))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDispatchStrategies(t *testing.T) {
	app := newTestApp(t, demoGuest(t, ""), Options{})

	resp, body := app.do("GET", "/table", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "<html>table</html>", body)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))

	_, body = app.do("GET", "/dispatch", "")
	assert.Equal(t, "dispatched", body)
}

func TestMissingHandler(t *testing.T) {
	b := newGuestBuilder(t, "_http_route")
	main := wasmgen.NewCode()
	b.route(main, "GET", "/x", 3)
	b.main(main)
	app := newTestApp(t, b.encode(), Options{})

	resp, body := app.do("GET", "/x", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, "handler index 3")
}

func TestHandlerTrap(t *testing.T) {
	app := newTestApp(t, demoGuest(t, ""), Options{})

	resp, body := app.do("GET", "/boom", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, `"ok":false`)

	// The next request gets a fresh instance.
	_, body = app.do("GET", "/items/1", "")
	assert.Equal(t, "1", body)
}

func TestRedirect(t *testing.T) {
	app := newTestApp(t, demoGuest(t, ""), Options{})

	resp, body := app.do("GET", "/old", "")
	assert.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
	assert.Equal(t, "/new", resp.Header.Get("Location"))
	assert.Empty(t, body)
}

func TestPendingResponse(t *testing.T) {
	app := newTestApp(t, demoGuest(t, ""), Options{})

	resp, body := app.do("GET", "/status", "")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "[1,2]", body)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "1", resp.Header.Get("X-Frame"))
	assert.Equal(t, "public, max-age=60", resp.Header.Get("Cache-Control"))
}

func TestRouteMiss(t *testing.T) {
	app := newTestApp(t, demoGuest(t, ""), Options{})

	resp, body := app.do("GET", "/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var got struct {
		OK    bool `json:"ok"`
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.False(t, got.OK)
	assert.Equal(t, 404, got.Error.Code)

	resp, _ = app.do("PUT", "/items/7", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	strict := newTestApp(t, demoGuest(t, ""), Options{MethodNotAllowed: true})
	resp, _ = strict.do("PUT", "/items/7", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "GET", resp.Header.Get("Allow"))
}

func TestUnknownMethod(t *testing.T) {
	app := newTestApp(t, demoGuest(t, ""), Options{})

	resp, _ := app.do("TRACE", "/items/7", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	strict := newTestApp(t, demoGuest(t, ""), Options{MethodNotAllowed: true})
	resp, _ = strict.do("TRACE", "/items/7", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "GET", resp.Header.Get("Allow"))

	resp, _ = strict.do("TRACE", "/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBodyLimit(t *testing.T) {
	app := newTestApp(t, demoGuest(t, ""), Options{BodyLimit: 16})

	_, body := app.do("POST", "/echo", "hi")
	assert.Equal(t, "hi", body)

	resp, _ := app.do("POST", "/echo", strings.Repeat("x", 100))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestStaticFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hi there"), 0o644))
	app := newTestApp(t, demoGuest(t, dir), Options{})

	resp, body := app.do("GET", "/static/hello.txt", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hi there", body)

	resp, _ = app.do("GET", "/static/missing.txt", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = app.do("GET", "/static/../../etc/passwd", "")
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	app := newTestApp(t, demoGuest(t, ""), Options{CORS: true})

	resp, _ := app.do("GET", "/items/1", "", withHeader("Origin", "http://example.com"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestConcurrentRequestsAreIsolated(t *testing.T) {
	app := newTestApp(t, demoGuest(t, ""), Options{})

	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := strconv.Itoa(i)
			if i%2 == 0 {
				_, body := app.do("GET", "/items/"+id, "")
				assert.Equal(t, id, body)
				return
			}
			_, body := app.do("POST", "/echo", "payload-"+id)
			assert.Equal(t, "payload-"+id, body)
		}(i)
	}
	wg.Wait()
}

func TestFullRegistryCompliance(t *testing.T) {
	app := newTestApp(t, demoGuest(t, ""), Options{})

	err := bridge.CheckCompliance(context.Background(), app.rt, app.reg, app.manifest.Filter())
	require.NoError(t, err)
}
