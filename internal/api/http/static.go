package http

import (
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/gin-gonic/gin"
)

// Static serves files from a directory for paths no module claims.
type Static struct {
	dir string
}

// NewStatic returns nil when dir is empty or missing, which serves nothing.
func NewStatic(dir string) *Static {
	if dir == "" {
		return nil
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil
	}
	return &Static{dir: dir}
}

// Serve writes the file named by the request path and reports whether there
// was one. Directories serve their index.html.
func (s *Static) Serve(c *gin.Context) bool {
	if s == nil {
		return false
	}
	if m := c.Request.Method; m != http.MethodGet && m != http.MethodHead {
		return false
	}

	name := path.Clean("/" + c.Request.URL.Path)
	full := filepath.Join(s.dir, filepath.FromSlash(name))

	info, err := os.Stat(full)
	if err == nil && info.IsDir() {
		full = filepath.Join(full, "index.html")
		info, err = os.Stat(full)
	}
	if err != nil || info.IsDir() {
		return false
	}

	c.File(full)
	return true
}
