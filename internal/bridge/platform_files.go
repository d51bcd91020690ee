package bridge

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/woxQAQ/frame-runtime/internal/fault"
)

// Files confines guest file access to one directory tree.
type Files struct {
	root *os.Root
}

// OpenFiles opens dir as the root of guest file access.
func OpenFiles(dir string) (*Files, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	return &Files{root: root}, nil
}

// Close releases the root directory.
func (f *Files) Close() error {
	return f.root.Close()
}

// Dir returns the root directory.
func (f *Files) Dir() string {
	return f.root.Name()
}

// FileInfo is the result of file_stat.
type FileInfo struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	IsDir   bool   `json:"is_dir"`
	ModTime string `json:"mod_time"`
}

func (f *Files) check(op, path string) error {
	if !filepath.IsLocal(path) && path != "." {
		return fault.Permissionf(op, "path %q is outside the file root", path)
	}
	return nil
}

func fileError(op, path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fault.Wrap(fault.NotFound, op, err).WithDetail("path", path)
	case errors.Is(err, fs.ErrPermission):
		return fault.Wrap(fault.PermissionDenied, op, err).WithDetail("path", path)
	}
	return fault.Wrap(fault.Module, op, err).WithDetail("path", path)
}

// Read returns the contents of path.
func (f *Files) Read(path string) (string, error) {
	if err := f.check("file_read", path); err != nil {
		return "", err
	}
	b, err := f.root.ReadFile(path)
	if err != nil {
		return "", fileError("file_read", path, err)
	}
	return string(b), nil
}

// Write replaces path with data, creating it if needed.
func (f *Files) Write(path, data string) error {
	if err := f.check("file_write", path); err != nil {
		return err
	}
	if err := f.root.WriteFile(path, []byte(data), 0o644); err != nil {
		return fileError("file_write", path, err)
	}
	return nil
}

// Append adds data to the end of path, creating it if needed.
func (f *Files) Append(path, data string) error {
	if err := f.check("file_append", path); err != nil {
		return err
	}
	file, err := f.root.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fileError("file_append", path, err)
	}
	if _, err := file.WriteString(data); err != nil {
		file.Close()
		return fileError("file_append", path, err)
	}
	return file.Close()
}

// Exists reports whether path exists under the root.
func (f *Files) Exists(path string) bool {
	if f.check("file_exists", path) != nil {
		return false
	}
	_, err := f.root.Stat(path)
	return err == nil
}

// Delete removes a file or an empty directory.
func (f *Files) Delete(path string) error {
	if err := f.check("file_delete", path); err != nil {
		return err
	}
	if err := f.root.Remove(path); err != nil {
		return fileError("file_delete", path, err)
	}
	return nil
}

// Mkdir creates path and any missing parents.
func (f *Files) Mkdir(path string) error {
	if err := f.check("file_mkdir", path); err != nil {
		return err
	}
	if err := f.root.MkdirAll(path, 0o755); err != nil {
		return fileError("file_mkdir", path, err)
	}
	return nil
}

// List returns the sorted entry names of directory path.
func (f *Files) List(path string) ([]string, error) {
	if err := f.check("file_list", path); err != nil {
		return nil, err
	}
	dir, err := f.root.Open(path)
	if err != nil {
		return nil, fileError("file_list", path, err)
	}
	defer dir.Close()
	entries, err := dir.ReadDir(-1)
	if err != nil {
		return nil, fileError("file_list", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Stat describes path.
func (f *Files) Stat(path string) (*FileInfo, error) {
	if err := f.check("file_stat", path); err != nil {
		return nil, err
	}
	info, err := f.root.Stat(path)
	if err != nil {
		return nil, fileError("file_stat", path, err)
	}
	return &FileInfo{
		Name:    info.Name(),
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime().UTC().Format(time.RFC3339),
	}, nil
}

func fileFuncs(files *Files) []Func {
	unavailable := fault.NotFoundf("files", "file access is not configured")
	boolResult := func(c *Call, err error) {
		if err != nil {
			c.Fail(err)
			return
		}
		c.ReturnBool(true)
	}
	return []Func{
		{Name: "file_read", Params: []Shape{Str}, Result: Ptr, Fn: func(c *Call) {
			path := c.Str()
			if files == nil {
				c.ReturnEnvelope(nil, unavailable)
				return
			}
			c.ReturnEnvelope(files.Read(path))
		}},
		{Name: "file_write", Params: []Shape{Str, Str}, Result: Bool, Fn: func(c *Call) {
			path, data := c.Str(), c.Str()
			if files == nil {
				c.Fail(unavailable)
				return
			}
			boolResult(c, files.Write(path, data))
		}},
		{Name: "file_append", Params: []Shape{Str, Str}, Result: Bool, Fn: func(c *Call) {
			path, data := c.Str(), c.Str()
			if files == nil {
				c.Fail(unavailable)
				return
			}
			boolResult(c, files.Append(path, data))
		}},
		{Name: "file_exists", Params: []Shape{Str}, Result: Bool, Fn: func(c *Call) {
			path := c.Str()
			c.ReturnBool(files != nil && files.Exists(path))
		}},
		{Name: "file_delete", Params: []Shape{Str}, Result: Bool, Fn: func(c *Call) {
			path := c.Str()
			if files == nil {
				c.Fail(unavailable)
				return
			}
			boolResult(c, files.Delete(path))
		}},
		{Name: "file_mkdir", Params: []Shape{Str}, Result: Bool, Fn: func(c *Call) {
			path := c.Str()
			if files == nil {
				c.Fail(unavailable)
				return
			}
			boolResult(c, files.Mkdir(path))
		}},
		{Name: "file_list", Params: []Shape{Str}, Result: Ptr, Fn: func(c *Call) {
			path := c.Str()
			if files == nil {
				c.ReturnEnvelope(nil, unavailable)
				return
			}
			c.ReturnEnvelope(files.List(path))
		}},
		{Name: "file_stat", Params: []Shape{Str}, Result: Ptr, Fn: func(c *Call) {
			path := c.Str()
			if files == nil {
				c.ReturnEnvelope(nil, unavailable)
				return
			}
			c.ReturnEnvelope(files.Stat(path))
		}},
	}
}
