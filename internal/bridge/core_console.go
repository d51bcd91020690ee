package bridge

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Console is where guest console functions read and write.
type Console struct {
	mu  sync.Mutex
	out io.Writer
	err io.Writer
	in  *bufio.Reader
}

// NewConsole creates a console. Nil arguments fall back to the process's
// standard streams.
func NewConsole(out, errOut io.Writer, in io.Reader) *Console {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	if in == nil {
		in = os.Stdin
	}
	return &Console{out: out, err: errOut, in: bufio.NewReader(in)}
}

func (c *Console) write(w io.Writer, s string) {
	c.mu.Lock()
	io.WriteString(w, s)
	c.mu.Unlock()
}

// prompt writes p and reads one line without its line terminator. ok is
// false at end of input.
func (c *Console) prompt(p string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p != "" {
		io.WriteString(c.out, p)
	}
	line, err := c.in.ReadString('\n')
	if err != nil && line == "" {
		return "", false
	}
	return strings.TrimRight(line, "\r\n"), true
}

func consoleFuncs(con *Console) []Func {
	return []Func{
		{Name: "print_string", Params: []Shape{Str}, Fn: func(c *Call) {
			con.write(con.out, c.Str())
		}},
		{Name: "print_line", Params: []Shape{Str}, Fn: func(c *Call) {
			con.write(con.out, c.Str()+"\n")
		}},
		{Name: "console_error", Params: []Shape{Str}, Fn: func(c *Call) {
			con.write(con.err, "[ERROR] "+c.Str()+"\n")
		}},
		{Name: "console_warn", Params: []Shape{Str}, Fn: func(c *Call) {
			con.write(con.err, "[WARN] "+c.Str()+"\n")
		}},
		{Name: "print_integer", Params: []Shape{I64}, Fn: func(c *Call) {
			con.write(con.out, strconv.FormatInt(c.I64(), 10))
		}},
		{Name: "print_float", Params: []Shape{F64}, Fn: func(c *Call) {
			con.write(con.out, strconv.FormatFloat(c.F64(), 'g', -1, 64))
		}},
		{Name: "print_boolean", Params: []Shape{Bool}, Fn: func(c *Call) {
			con.write(con.out, strconv.FormatBool(c.Bool()))
		}},
		{Name: "input", Params: []Shape{Str}, Result: Ptr, Fn: func(c *Call) {
			line, _ := con.prompt(c.Str())
			c.ReturnString(line)
		}},
		{Name: "input_integer", Params: []Shape{Str}, Result: I64, Fn: func(c *Call) {
			line, _ := con.prompt(c.Str())
			n, _ := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
			c.ReturnI64(n)
		}},
		{Name: "input_float", Params: []Shape{Str}, Result: F64, Fn: func(c *Call) {
			line, _ := con.prompt(c.Str())
			f, _ := strconv.ParseFloat(strings.TrimSpace(line), 64)
			c.ReturnF64(f)
		}},
		{Name: "input_yesno", Params: []Shape{Str}, Result: Bool, Fn: func(c *Call) {
			line, _ := con.prompt(c.Str())
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes", "true", "1":
				c.ReturnBool(true)
			default:
				c.ReturnBool(false)
			}
		}},
		{Name: "input_range", Params: []Shape{Str, I32, I32}, Result: I32, Fn: func(c *Call) {
			p := c.Str()
			lo, hi := c.I32(), c.I32()
			if hi < lo {
				lo, hi = hi, lo
			}
			for {
				line, ok := con.prompt(p)
				if !ok {
					c.ReturnI32(lo)
					return
				}
				n, err := strconv.ParseInt(strings.TrimSpace(line), 10, 32)
				if err == nil && int32(n) >= lo && int32(n) <= hi {
					c.ReturnI32(int32(n))
					return
				}
				con.write(con.out, fmt.Sprintf("Please enter a number between %d and %d\n", lo, hi))
			}
		}},
	}
}
