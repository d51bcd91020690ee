package bridge

import (
	"encoding/json"
	"os"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/woxQAQ/frame-runtime/internal/fault"
)

const maxSleep = 10 * time.Second

var envNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.]+$`)

// deniedEnv lists substrings that make a variable unreadable by guests.
var deniedEnv = []string{
	"AWS_SECRET_ACCESS_KEY",
	"PRIVATE_KEY",
	"ENCRYPTION_KEY",
	"SSH_AUTH_SOCK",
	"GPG_PASSPHRASE",
}

// EnvAllowed reports whether guests may see the variable name.
func EnvAllowed(name string) bool {
	if !envNamePattern.MatchString(name) {
		return false
	}
	upper := strings.ToUpper(name)
	for _, d := range deniedEnv {
		if strings.Contains(upper, d) {
			return false
		}
	}
	return true
}

func lookupEnv(overlay map[string]string, name string) (string, bool) {
	if !EnvAllowed(name) {
		return "", false
	}
	if v, ok := overlay[name]; ok {
		return v, true
	}
	return os.LookupEnv(name)
}

var timeLayouts = map[string]string{
	"rfc3339":  time.RFC3339,
	"date":     time.DateOnly,
	"datetime": time.DateTime,
	"":         time.RFC3339,
}

func layout(name string) string {
	if l, ok := timeLayouts[strings.ToLower(name)]; ok {
		return l
	}
	return name
}

// ParseTime parses value with a named or Go layout and returns unix
// seconds, or -1.
func ParseTime(value, name string) int64 {
	t, err := time.Parse(layout(name), value)
	if err != nil {
		return -1
	}
	return t.Unix()
}

// SystemInfo is the payload of _sys_info.
type SystemInfo struct {
	Platform string `json:"platform"`
	Arch     string `json:"arch"`
	Version  string `json:"version"`
	CPUs     int    `json:"cpus"`
	Go       string `json:"go"`
}

func envFuncs[S PlatformState]() []Func {
	overlay := func(c *Call) map[string]string {
		if s, ok := StateFrom[S](c.Ctx); ok {
			return s.EnvOverlay()
		}
		return nil
	}
	return []Func{
		{Name: "_env_get", Params: []Shape{Str}, Result: Ptr, Fn: func(c *Call) {
			v, _ := lookupEnv(overlay(c), c.Str())
			c.ReturnString(v)
		}},
		{Name: "_env_has", Params: []Shape{Str}, Result: Bool, Fn: func(c *Call) {
			_, ok := lookupEnv(overlay(c), c.Str())
			c.ReturnBool(ok)
		}},
		{Name: "_env_set", Params: []Shape{Str, Str}, Result: Bool, Fn: func(c *Call) {
			name, value := c.Str(), c.Str()
			env := overlay(c)
			if env == nil || !EnvAllowed(name) {
				c.Fail(fault.Permissionf("_env_set", "variable %q is not writable", name))
				return
			}
			env[name] = value
			c.ReturnBool(true)
		}},
		{Name: "_env_list", Result: Ptr, Fn: func(c *Call) {
			seen := map[string]bool{}
			for _, kv := range os.Environ() {
				name, _, _ := strings.Cut(kv, "=")
				if EnvAllowed(name) {
					seen[name] = true
				}
			}
			for name := range overlay(c) {
				seen[name] = true
			}
			names := make([]string, 0, len(seen))
			for name := range seen {
				names = append(names, name)
			}
			sort.Strings(names)
			b, _ := json.Marshal(names)
			c.ReturnBytes(b)
		}},
	}
}

func timeFuncs() []Func {
	return []Func{
		{Name: "_time_now", Result: I64, Fn: func(c *Call) {
			c.ReturnI64(time.Now().Unix())
		}},
		{Name: "_time_now_ms", Result: I64, Fn: func(c *Call) {
			c.ReturnI64(time.Now().UnixMilli())
		}},
		{Name: "_time_sleep", Params: []Shape{I32}, Result: Bool, Fn: func(c *Call) {
			d := time.Duration(c.I32()) * time.Millisecond
			if d < 0 {
				c.ReturnBool(false)
				return
			}
			if d > maxSleep {
				d = maxSleep
			}
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				c.ReturnBool(true)
			case <-c.Ctx.Done():
				c.ReturnBool(false)
			}
		}},
		{Name: "_time_format", Params: []Shape{I64, Str}, Result: Ptr, Fn: func(c *Call) {
			unix, name := c.I64(), c.Str()
			c.ReturnString(time.Unix(unix, 0).UTC().Format(layout(name)))
		}},
		{Name: "_time_parse", Params: []Shape{Str, Str}, Result: I64, Fn: func(c *Call) {
			value, name := c.Str(), c.Str()
			c.ReturnI64(ParseTime(value, name))
		}},
	}
}

func logFuncs(guest *zap.Logger) []Func {
	return []Func{
		{Name: "log_message", Params: []Shape{I32, Str}, Fn: func(c *Call) {
			level, msg := c.I32(), c.Str()
			switch level {
			case 0:
				guest.Debug(msg)
			case 2:
				guest.Warn(msg)
			case 3:
				guest.Error(msg)
			default:
				guest.Info(msg)
			}
		}},
	}
}

func sysFuncs(version string) []Func {
	return []Func{
		{Name: "_sys_platform", Result: Ptr, Fn: func(c *Call) {
			c.ReturnString(runtime.GOOS)
		}},
		{Name: "_sys_arch", Result: Ptr, Fn: func(c *Call) {
			c.ReturnString(runtime.GOARCH)
		}},
		{Name: "_sys_version", Result: Ptr, Fn: func(c *Call) {
			c.ReturnString(version)
		}},
		{Name: "_sys_info", Result: Ptr, Fn: func(c *Call) {
			c.ReturnEnvelope(SystemInfo{
				Platform: runtime.GOOS,
				Arch:     runtime.GOARCH,
				Version:  version,
				CPUs:     runtime.NumCPU(),
				Go:       runtime.Version(),
			}, nil)
		}},
		{Name: "_sys_exit", Params: []Shape{I32}, Fn: func(c *Call) {
			code := uint32(c.I32())
			// Closing the calling module unwinds the guest with a
			// sys.ExitError carrying code.
			c.Module.CloseWithExitCode(c.Ctx, code)
			panic(sys.NewExitError(code))
		}},
	}
}
