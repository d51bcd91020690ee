package session

import (
	"strconv"
	"strings"
)

// FormatCookie renders the Set-Cookie value carrying id.
func (s *Store) FormatCookie(id string) string {
	var b strings.Builder
	b.WriteString(s.cfg.CookieName + "=" + id + "; Path=" + s.cfg.CookiePath)
	if s.cfg.HTTPOnly {
		b.WriteString("; HttpOnly")
	}
	if s.cfg.Secure {
		b.WriteString("; Secure")
	}
	b.WriteString("; SameSite=" + s.cfg.SameSite)
	b.WriteString("; Max-Age=" + strconv.FormatInt(int64(s.cfg.Timeout.Seconds()), 10))
	return b.String()
}

// FormatClearCookie renders a Set-Cookie value that removes the session
// cookie.
func (s *Store) FormatClearCookie() string {
	return s.cfg.CookieName + "=; Path=" + s.cfg.CookiePath + "; Max-Age=0; HttpOnly"
}

// ParseCookies parses a Cookie header. Values lose surrounding quotes;
// pairs without "=" are skipped.
func ParseCookies(header string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(header, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(name)] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	return out
}

// DefaultCookieNames are tried in order when looking for a session id.
var DefaultCookieNames = []string{"session", "todo.sid", "sid"}

// SessionIDFromCookies returns the first non-empty cookie among names,
// then among DefaultCookieNames.
func SessionIDFromCookies(cookies map[string]string, names ...string) (string, bool) {
	for _, list := range [][]string{names, DefaultCookieNames} {
		for _, n := range list {
			if v := cookies[n]; v != "" {
				return v, true
			}
		}
	}
	return "", false
}
