// Package vdir maps URL paths onto a tree of resources that can be grown and pruned
// while requests are being routed through it.
package vdir

import (
	"context"
	"sort"
	"strings"
	"sync"

	"wireagent-go/internal/httpd"
)

type Resource interface {
	ServeResource(ctx context.Context, req *httpd.Request) *httpd.Response
}

// Trailing is implemented by leaf resources that consume a fixed number of path
// segments after their own name, e.g. "attribute/:name".
type Trailing interface {
	TrailingSegments() int
}

type Directory struct {
	mu                  sync.RWMutex
	children            map[string]Resource
	index               Resource
	fallback            Resource
	redirectBaseToIndex bool
}

func New() *Directory {
	return &Directory{children: map[string]Resource{}}
}

// NewWithIndex returns a directory serving index for its own path.
func NewWithIndex(index Resource) *Directory {
	d := New()
	d.index = index
	return d
}

func (d *Directory) SetIndex(r Resource) {
	d.mu.Lock()
	d.index = r
	d.mu.Unlock()
}

// SetRedirectBaseToIndex makes "/foo" answer with a redirect to "/foo/" instead of
// serving the index directly.
func (d *Directory) SetRedirectBaseToIndex(v bool) {
	d.mu.Lock()
	d.redirectBaseToIndex = v
	d.mu.Unlock()
}

// SetFallback installs the resource used for unknown child names, which then see
// the unmatched segments as request params.
func (d *Directory) SetFallback(r Resource) {
	d.mu.Lock()
	d.fallback = r
	d.mu.Unlock()
}

func (d *Directory) SetResource(name string, r Resource) {
	d.mu.Lock()
	d.children[name] = r
	d.mu.Unlock()
}

func (d *Directory) RemoveResource(name string) {
	d.mu.Lock()
	delete(d.children, name)
	d.mu.Unlock()
}

func (d *Directory) Resource(name string) (Resource, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.children[name]
	return r, ok
}

func (d *Directory) Names() []string {
	d.mu.RLock()
	names := make([]string, 0, len(d.children))
	for name := range d.children {
		names = append(names, name)
	}
	d.mu.RUnlock()
	sort.Strings(names)
	return names
}

type Resolution struct {
	Resource Resource
	Params   []string
	Redirect string
}

func (r Resolution) Found() bool {
	return r.Resource != nil || r.Redirect != ""
}

// Resolve walks path segment by segment starting at d.
func (d *Directory) Resolve(path string) Resolution {
	trailingSlash := strings.HasSuffix(path, "/")
	var segs []string
	if trimmed := strings.Trim(path, "/"); trimmed != "" {
		segs = strings.Split(trimmed, "/")
	}

	cur := d
	for i, seg := range segs {
		child, ok := cur.Resource(seg)
		if !ok {
			cur.mu.RLock()
			fb := cur.fallback
			cur.mu.RUnlock()
			if fb != nil {
				return Resolution{Resource: fb, Params: segs[i:]}
			}
			return Resolution{}
		}
		rest := segs[i+1:]
		if sub, isDir := child.(*Directory); isDir {
			cur = sub
			continue
		}
		if len(rest) == 0 {
			return Resolution{Resource: child}
		}
		if t, ok := child.(Trailing); ok && t.TrailingSegments() == len(rest) {
			return Resolution{Resource: child, Params: rest}
		}
		return Resolution{}
	}

	cur.mu.RLock()
	index, redirect := cur.index, cur.redirectBaseToIndex
	cur.mu.RUnlock()
	if redirect && !trailingSlash {
		return Resolution{Redirect: path + "/"}
	}
	if index == nil {
		return Resolution{}
	}
	return Resolution{Resource: index}
}

func (d *Directory) ServeResource(ctx context.Context, req *httpd.Request) *httpd.Response {
	res := d.Resolve(req.Path)
	switch {
	case res.Redirect != "":
		loc := res.Redirect
		if q := req.Query.Encode(); q != "" {
			loc += "?" + q
		}
		return httpd.Redirect(loc)
	case res.Resource == nil:
		return httpd.NotFound()
	}
	req.Params = res.Params
	return res.Resource.ServeResource(ctx, req)
}
