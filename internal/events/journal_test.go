package events

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"wireagent-go/internal/httpd"
	"wireagent-go/internal/session"
	"wireagent-go/internal/vdir"
	"wireagent-go/internal/wire"
)

func TestDeletedSessionLeavesNoLog(t *testing.T) {
	root := filepath.Join(t.TempDir(), "events")
	journal := NewJournal(NewStore(root), nil)
	manager := session.NewManager(session.Deps{Journal: journal, Observer: journal})
	dir := vdir.New()
	manager.Mount(dir)

	call := func(method, path, body string) wire.Response {
		t.Helper()
		resp := dir.ServeResource(context.Background(), &httpd.Request{Method: method, Path: path, Body: []byte(body)})
		env, err := wire.Parse(resp.Body.(*httpd.DataSource).Bytes())
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		return env
	}

	id := call(http.MethodPost, "/session", `{}`).SessionID
	if id == "" {
		t.Fatal("no session id")
	}
	call(http.MethodGet, "/session/"+id, "")
	if entries, err := journal.Entries(id); err != nil || len(entries) != 2 {
		t.Fatalf("entries before delete: %v %v", entries, err)
	}

	if env := call(http.MethodDelete, "/session/"+id, ""); env.Status != wire.Success {
		t.Fatalf("delete: %#v", env)
	}
	if _, err := os.Stat(filepath.Join(root, id+".jsonl")); !os.IsNotExist(err) {
		t.Fatalf("log file still present after delete: %v", err)
	}
	if entries, err := journal.Entries(id); err != nil || len(entries) != 0 {
		t.Fatalf("entries after delete: %v %v", entries, err)
	}
}
