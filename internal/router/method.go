package router

import (
	"strings"

	"github.com/woxQAQ/frame-runtime/internal/fault"
)

// Method is an HTTP method a route can be registered under.
type Method string

const (
	GET     Method = "GET"
	POST    Method = "POST"
	PUT     Method = "PUT"
	PATCH   Method = "PATCH"
	DELETE  Method = "DELETE"
	HEAD    Method = "HEAD"
	OPTIONS Method = "OPTIONS"
)

// Methods lists every supported method in canonical order.
var Methods = []Method{GET, POST, PUT, PATCH, DELETE, HEAD, OPTIONS}

// ParseMethod parses s case-insensitively.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Methods {
		if m == known {
			return m, nil
		}
	}
	return "", fault.Validationf("parse_method", "unknown HTTP method: %s", s)
}

func (m Method) String() string {
	return string(m)
}

func (m Method) order() int {
	for i, known := range Methods {
		if m == known {
			return i
		}
	}
	return len(Methods)
}
