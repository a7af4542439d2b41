package vdir

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"

	"wireagent-go/internal/httpd"
)

type named string

func (n named) ServeResource(ctx context.Context, req *httpd.Request) *httpd.Response {
	return httpd.Text(http.StatusOK, string(n)+":"+strings.Join(req.Params, ","))
}

type trailing struct {
	named
	n int
}

func (t trailing) TrailingSegments() int { return t.n }

func serve(d *Directory, path string) (int, string, http.Header) {
	req := &httpd.Request{Method: http.MethodGet, Path: path}
	resp := d.ServeResource(context.Background(), req)
	src, _ := resp.Body.(*httpd.DataSource)
	body := ""
	if src != nil {
		body = strings.TrimSpace(string(src.Bytes()))
	}
	return resp.Status, body, resp.Header
}

func TestRegisterAndRemove(t *testing.T) {
	root := New()
	if status, _, _ := serve(root, "/foo"); status != http.StatusNotFound {
		t.Fatalf("unregistered path: %d", status)
	}
	root.SetResource("foo", named("foo"))
	if status, body, _ := serve(root, "/foo"); status != http.StatusOK || body != "foo:" {
		t.Fatalf("registered path: %d %q", status, body)
	}
	root.RemoveResource("foo")
	if status, _, _ := serve(root, "/foo"); status != http.StatusNotFound {
		t.Fatalf("removed path: %d", status)
	}
}

func TestNestedDirectoriesAndIndex(t *testing.T) {
	root := New()
	session := NewWithIndex(named("session-index"))
	root.SetResource("session", session)
	element := New()
	session.SetResource("element", element)
	element.SetResource("7", NewWithIndex(named("element-7")))

	cases := map[string]string{
		"/session":           "session-index:",
		"/session/":          "session-index:",
		"/session/element/7": "element-7:",
	}
	for path, want := range cases {
		if status, body, _ := serve(root, path); status != http.StatusOK || body != want {
			t.Fatalf("%s: %d %q", path, status, body)
		}
	}
	if status, _, _ := serve(root, "/session/element"); status != http.StatusNotFound {
		t.Fatalf("directory without index: %d", status)
	}
	if status, _, _ := serve(root, "/session/element/8"); status != http.StatusNotFound {
		t.Fatalf("missing child: %d", status)
	}
}

func TestRedirectBaseToIndex(t *testing.T) {
	root := New()
	docs := NewWithIndex(named("docs"))
	docs.SetRedirectBaseToIndex(true)
	root.SetResource("docs", docs)

	status, _, header := serve(root, "/docs")
	if status != http.StatusMovedPermanently || header.Get("Location") != "/docs/" {
		t.Fatalf("expected redirect, got %d %q", status, header.Get("Location"))
	}
	if status, body, _ := serve(root, "/docs/"); status != http.StatusOK || body != "docs:" {
		t.Fatalf("trailing slash: %d %q", status, body)
	}
}

func TestTrailingSegmentsAndFallback(t *testing.T) {
	root := New()
	el := New()
	el.SetResource("attribute", trailing{named("attr"), 1})
	el.SetResource("click", named("click"))
	el.SetFallback(named("unknown"))
	root.SetResource("el", el)

	if _, body, _ := serve(root, "/el/attribute/href"); body != "attr:href" {
		t.Fatalf("trailing param: %q", body)
	}
	if status, _, _ := serve(root, "/el/attribute/a/b"); status != http.StatusNotFound {
		t.Fatalf("known leaf with too many segments: %d", status)
	}
	if status, _, _ := serve(root, "/el/click/extra"); status != http.StatusNotFound {
		t.Fatalf("leaf without trailing support: %d", status)
	}
	if _, body, _ := serve(root, "/el/frobnicate"); body != "unknown:frobnicate" {
		t.Fatalf("fallback: %q", body)
	}
}

func TestConcurrentMutationAndResolution(t *testing.T) {
	root := New()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				name := strconv.Itoa(w*1000 + i)
				root.SetResource(name, named(name))
				if status, _, _ := serve(root, "/"+name); status != http.StatusOK {
					t.Errorf("resolve %s: %d", name, status)
					return
				}
				root.RemoveResource(name)
			}
		}(w)
	}
	wg.Wait()
	if len(root.Names()) != 0 {
		t.Fatalf("expected empty directory, got %v", root.Names())
	}
}
