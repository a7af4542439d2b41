// Package artifacts serves the files of one flat directory, such as screenshots
// or page dumps produced during a run, as ranged downloads.
package artifacts

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"wireagent-go/internal/httpd"
)

var ErrOutsideRoot = errors.New("artifact must be inside the artifacts directory")

type Entry struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

type Store struct {
	root string
	real string
}

func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("artifacts directory is empty")
	}
	resolved := filepath.Clean(dir)
	real, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New(resolved + " is not a directory")
	}
	return &Store{root: resolved, real: real}, nil
}

func (s *Store) Root() string {
	return s.real
}

// Resolve maps a single path segment to a regular file directly inside the root.
// Hidden names, separators and symlinks leading elsewhere are rejected.
func (s *Store) Resolve(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return "", ErrOutsideRoot
	}
	if strings.ContainsAny(name, `/\`) {
		return "", ErrOutsideRoot
	}
	real, err := filepath.EvalSymlinks(filepath.Join(s.real, name))
	if err != nil {
		return "", err
	}
	if filepath.Dir(real) != s.real {
		return "", ErrOutsideRoot
	}
	return real, nil
}

// List returns the visible regular files sorted by name, case-insensitively.
func (s *Store) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.real)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(dirEntries))
	for _, entry := range dirEntries {
		if strings.HasPrefix(entry.Name(), ".") || !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Name: entry.Name(), Size: info.Size(), Modified: info.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	return entries, nil
}

// Resource serves GET/HEAD /artifacts/:name. Range handling happens in httpd.
type Resource struct {
	store *Store
}

func NewResource(store *Store) *Resource {
	return &Resource{store: store}
}

func (r *Resource) TrailingSegments() int {
	return 1
}

func (r *Resource) ServeResource(ctx context.Context, req *httpd.Request) *httpd.Response {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return httpd.MethodNotAllowed([]string{http.MethodGet, http.MethodHead})
	}
	if len(req.Params) != 1 {
		return httpd.NotFound()
	}
	path, err := r.store.Resolve(req.Params[0])
	if err != nil {
		return httpd.NotFound()
	}
	resp, err := httpd.File(path, mime.TypeByExtension(filepath.Ext(path)))
	if err != nil {
		return httpd.NotFound()
	}
	resp.Header.Set("Cache-Control", "no-store")
	return resp
}
