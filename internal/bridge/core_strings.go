package bridge

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf8"
)

func strUnary(name string, f func(string) string) Func {
	return Func{Name: name, Params: []Shape{Ptr}, Result: Ptr, Fn: func(c *Call) {
		c.ReturnString(f(c.Ptr()))
	}}
}

// substring returns runes [start, end) of s. Indices are clamped; an end
// before start or past the string yields the tail from start.
func substring(s string, start, end int32) string {
	runes := []rune(s)
	n := int32(len(runes))
	if start < 0 {
		start = 0
	}
	if start >= n {
		return ""
	}
	if end < start || end > n {
		end = n
	}
	return string(runes[start:end])
}

func compare(a, b string) int32 {
	return int32(strings.Compare(a, b))
}

// runeIndex returns the rune offset of sub in s, or -1.
func runeIndex(s, sub string) int32 {
	i := strings.Index(s, sub)
	if i < 0 {
		return -1
	}
	return clampI32(int64(utf8.RuneCountInString(s[:i])))
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1", "on":
		return true
	}
	return false
}

func stringFuncs() []Func {
	return []Func{
		{Name: "string_concat", Params: []Shape{Str, Str}, Result: Ptr, Fn: func(c *Call) {
			a, b := c.Str(), c.Str()
			c.ReturnString(a + b)
		}},
		{Name: "string.concat", Params: []Shape{Ptr, Ptr}, Result: Ptr, Fn: func(c *Call) {
			a, b := c.Ptr(), c.Ptr()
			c.ReturnString(a + b)
		}},
		{Name: "string_substring", Params: []Shape{Ptr, I32, I32}, Result: Ptr, Fn: func(c *Call) {
			s := c.Ptr()
			start, end := c.I32(), c.I32()
			c.ReturnString(substring(s, start, end))
		}},
		strUnary("string_trim", strings.TrimSpace),
		strUnary("string_trim_start", func(s string) string { return strings.TrimLeft(s, " \t\r\n") }),
		strUnary("string_trim_end", func(s string) string { return strings.TrimRight(s, " \t\r\n") }),
		strUnary("string_to_upper", strings.ToUpper),
		strUnary("string_to_lower", strings.ToLower),
		{Name: "string_replace", Params: []Shape{Ptr, Ptr, Ptr}, Result: Ptr, Fn: func(c *Call) {
			s, old, repl := c.Ptr(), c.Ptr(), c.Ptr()
			c.ReturnString(strings.Replace(s, old, repl, 1))
		}},
		{Name: "string_replace_all", Params: []Shape{Ptr, Ptr, Ptr}, Result: Ptr, Fn: func(c *Call) {
			s, old, repl := c.Ptr(), c.Ptr(), c.Ptr()
			c.ReturnString(strings.ReplaceAll(s, old, repl))
		}},
		{Name: "string_split", Params: []Shape{Ptr, Ptr}, Result: Ptr, Fn: func(c *Call) {
			s, sep := c.Ptr(), c.Ptr()
			parts := []string{}
			if s != "" {
				parts = strings.Split(s, sep)
			}
			b, _ := json.Marshal(parts)
			c.ReturnBytes(b)
		}},
		{Name: "string_index_of", Params: []Shape{Ptr, Ptr}, Result: I32, Fn: func(c *Call) {
			s, sub := c.Ptr(), c.Ptr()
			c.ReturnI32(runeIndex(s, sub))
		}},
		{Name: "string_compare", Params: []Shape{Ptr, Ptr}, Result: I32, Fn: func(c *Call) {
			a, b := c.Ptr(), c.Ptr()
			c.ReturnI32(compare(a, b))
		}},
		{Name: "string_length", Params: []Shape{Ptr}, Result: I64, Fn: func(c *Call) {
			c.ReturnI64(int64(utf8.RuneCountInString(c.Ptr())))
		}},
		{Name: "int_to_string", Params: []Shape{I32}, Result: Ptr, Fn: func(c *Call) {
			c.ReturnString(strconv.FormatInt(int64(c.I32()), 10))
		}},
		{Name: "float_to_string", Params: []Shape{F64}, Result: Ptr, Fn: func(c *Call) {
			c.ReturnString(strconv.FormatFloat(c.F64(), 'g', -1, 64))
		}},
		{Name: "bool_to_string", Params: []Shape{Bool}, Result: Ptr, Fn: func(c *Call) {
			c.ReturnString(strconv.FormatBool(c.Bool()))
		}},
		{Name: "string_to_int", Params: []Shape{Ptr}, Result: I32, Fn: func(c *Call) {
			n, err := strconv.ParseInt(strings.TrimSpace(c.Ptr()), 10, 32)
			if err != nil {
				n = 0
			}
			c.ReturnI32(int32(n))
		}},
		{Name: "string_to_float", Params: []Shape{Ptr}, Result: F64, Fn: func(c *Call) {
			f, _ := strconv.ParseFloat(strings.TrimSpace(c.Ptr()), 64)
			c.ReturnF64(f)
		}},
		{Name: "string_to_bool", Params: []Shape{Ptr}, Result: Bool, Fn: func(c *Call) {
			c.ReturnBool(parseBool(c.Ptr()))
		}},
	}
}
