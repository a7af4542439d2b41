package session

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"wireagent-go/internal/httpd"
	"wireagent-go/internal/script"
	"wireagent-go/internal/uiloop"
	"wireagent-go/internal/uitree"
	"wireagent-go/internal/vdir"
	"wireagent-go/internal/wire"
)

const fixture = `
children:
  - tag: form
    id: login
    children:
      - tag: input
        id: user
        name: username
      - tag: input
        id: pass
        enabled: false
      - tag: button
        id: go
        text: Sign in
`

type memJournal struct {
	mu        sync.Mutex
	forgotten []string
}

func (j *memJournal) Entries(sessionID string) ([]LogEntry, error) {
	return []LogEntry{{Timestamp: 1, Level: "INFO", Message: "POST /session/" + sessionID + "/element"}}, nil
}

func (j *memJournal) Forget(sessionID string) error {
	j.mu.Lock()
	j.forgotten = append(j.forgotten, sessionID)
	j.mu.Unlock()
	return nil
}

type gaugeMetrics struct {
	mu       sync.Mutex
	active   int
	elements int
}

func (g *gaugeMetrics) SessionsActive(n int) {
	g.mu.Lock()
	g.active = n
	g.mu.Unlock()
}

func (g *gaugeMetrics) ElementsRegistered(delta int) {
	g.mu.Lock()
	g.elements += delta
	g.mu.Unlock()
}

type harness struct {
	t       *testing.T
	tree    *uitree.Tree
	root    *vdir.Directory
	manager *Manager
	journal *memJournal
	metrics *gaugeMetrics
}

func newHarness(t *testing.T, startLoop bool, handoff time.Duration) *harness {
	t.Helper()
	tree, err := uitree.Parse([]byte(fixture))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	loop := uiloop.New(nil)
	if startLoop {
		loop.Start(ctx)
	}
	t.Cleanup(cancel)

	h := &harness{t: t, tree: tree, root: vdir.New(), journal: &memJournal{}, metrics: &gaugeMetrics{}}
	h.manager = NewManager(Deps{
		Locator:        tree,
		Actuator:       tree,
		Scripts:        script.New(tree, nil),
		Runner:         loop,
		HandoffTimeout: handoff,
		PollInterval:   10 * time.Millisecond,
		Journal:        h.journal,
		Metrics:        h.metrics,
	})
	h.manager.Mount(h.root)
	return h
}

func (h *harness) call(method, path, body string) (int, wire.Response) {
	h.t.Helper()
	resp := h.root.ServeResource(context.Background(), &httpd.Request{Method: method, Path: path, Body: []byte(body)})
	data := resp.Body.(*httpd.DataSource).Bytes()
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return resp.Status, wire.Response{}
	}
	env, err := wire.Parse(data)
	if err != nil {
		h.t.Fatalf("%s %s: bad envelope %s: %v", method, path, data, err)
	}
	return resp.Status, env
}

func (h *harness) newSession() string {
	h.t.Helper()
	status, env := h.call(http.MethodPost, "/session", `{"desiredCapabilities":{"platformName":"test"}}`)
	if status != http.StatusOK || env.SessionID == "" {
		h.t.Fatalf("create session: %d %#v", status, env)
	}
	return env.SessionID
}

func (h *harness) find(sid, strategy, value string) string {
	h.t.Helper()
	status, env := h.call(http.MethodPost, "/session/"+sid+"/element", `{"using":"`+strategy+`","value":"`+value+`"}`)
	if status != http.StatusOK {
		h.t.Fatalf("find %s=%s: %d %#v", strategy, value, status, env)
	}
	return elementID(h.t, env.Value)
}

func elementID(t *testing.T, v any) string {
	t.Helper()
	ref, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("not an element reference: %#v", v)
	}
	id, _ := ref["ELEMENT"].(string)
	return id
}

func TestSameNodeSameID(t *testing.T) {
	h := newHarness(t, true, time.Second)
	sid := h.newSession()

	first := h.find(sid, "id", "user")
	if again := h.find(sid, "name", "username"); again != first {
		t.Fatalf("same node got ids %s and %s", first, again)
	}
	other := h.find(sid, "id", "go")
	if other == first {
		t.Fatal("different nodes share an id")
	}
	if first != "0" || other != "1" {
		t.Fatalf("ids not allocated monotonically: %s %s", first, other)
	}

	status, env := h.call(http.MethodPost, "/session/"+sid+"/elements", `{"using":"tag name","value":"input"}`)
	list, ok := env.Value.([]any)
	if status != http.StatusOK || !ok || len(list) != 2 || elementID(t, list[0]) != first {
		t.Fatalf("find elements: %d %#v", status, env.Value)
	}
}

func TestIDsAreScopedToTheSession(t *testing.T) {
	h := newHarness(t, true, time.Second)
	a := h.newSession()
	b := h.newSession()
	h.find(a, "id", "user")
	h.find(a, "id", "go")
	if id := h.find(b, "id", "go"); id != "0" {
		t.Fatalf("second session id = %s", id)
	}
	if status, _ := h.call(http.MethodGet, "/session/"+b+"/element/1/text", ""); status != http.StatusNotFound {
		t.Fatalf("element of another session resolved: %d", status)
	}
}

func TestImplicitWaitZeroFailsImmediately(t *testing.T) {
	h := newHarness(t, true, time.Second)
	sid := h.newSession()
	start := time.Now()
	status, env := h.call(http.MethodPost, "/session/"+sid+"/element", `{"using":"id","value":"missing"}`)
	if status != http.StatusInternalServerError || env.Status != wire.NoSuchElement {
		t.Fatalf("unexpected %d %#v", status, env)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("lookup without implicit wait took %v", elapsed)
	}

	status, env = h.call(http.MethodPost, "/session/"+sid+"/elements", `{"using":"id","value":"missing"}`)
	if list, ok := env.Value.([]any); status != http.StatusOK || !ok || len(list) != 0 {
		t.Fatalf("find elements miss: %d %#v", status, env.Value)
	}
}

func TestImplicitWaitFindsLateNode(t *testing.T) {
	h := newHarness(t, true, time.Second)
	sid := h.newSession()
	if status, _ := h.call(http.MethodPost, "/session/"+sid+"/timeouts/implicit_wait", `{"ms":2000}`); status != http.StatusOK {
		t.Fatalf("set implicit wait: %d", status)
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		h.tree.Append(nil, uitree.Spec{Tag: "div", ID: "toast"})
	}()
	start := time.Now()
	id := h.find(sid, "id", "toast")
	if id == "" {
		t.Fatal("no element id")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond || elapsed > 1500*time.Millisecond {
		t.Fatalf("late node found after %v", elapsed)
	}
}

func TestStaleElement(t *testing.T) {
	h := newHarness(t, true, time.Second)
	sid := h.newSession()
	id := h.find(sid, "id", "user")
	if status, env := h.call(http.MethodPost, "/session/"+sid+"/element/"+id+"/click", ""); status != http.StatusOK || env.Status != wire.Success {
		t.Fatalf("click: %d %#v", status, env)
	}

	h.tree.Remove(h.tree.ByID("login"))
	for _, c := range []struct{ method, action string }{
		{http.MethodPost, "click"},
		{http.MethodGet, "text"},
		{http.MethodGet, "attribute/name"},
		{http.MethodPost, "element"},
	} {
		status, env := h.call(c.method, "/session/"+sid+"/element/"+id+"/"+c.action, `{"using":"id","value":"x"}`)
		if status != http.StatusInternalServerError || env.Status != wire.StaleElementReference {
			t.Fatalf("%s after removal: %d %#v", c.action, status, env)
		}
	}
}

func TestUnknownCommandBoundary(t *testing.T) {
	h := newHarness(t, true, time.Second)
	sid := h.newSession()
	id := h.find(sid, "id", "user")

	status, env := h.call(http.MethodGet, "/session/"+sid+"/element/"+id+"/hover", "")
	if status != http.StatusInternalServerError || env.Status != wire.UnknownCommand || env.SessionID != sid {
		t.Fatalf("unknown action: %d %#v", status, env)
	}
	status, env = h.call(http.MethodGet, "/session/"+sid+"/element/"+id+"/attribute", "")
	if env.Status != wire.UnknownCommand {
		t.Fatalf("attribute without a name: %d %#v", status, env)
	}

	for _, path := range []string{
		"/session/" + sid + "/element/42/click",
		"/session/" + sid + "/element/" + id + "/click/extra",
		"/session/nope/element",
		"/session/" + sid + "/bogus",
	} {
		if status, _ := h.call(http.MethodPost, path, ""); status != http.StatusNotFound {
			t.Fatalf("%s: expected plain 404, got %d", path, status)
		}
	}
}

func TestElementCommands(t *testing.T) {
	h := newHarness(t, true, time.Second)
	sid := h.newSession()
	user := h.find(sid, "id", "user")
	base := "/session/" + sid + "/element/" + user

	if status, env := h.call(http.MethodPost, base+"/value", `{"value":["a","n","n"]}`); status != http.StatusOK {
		t.Fatalf("value: %d %#v", status, env)
	}
	if _, env := h.call(http.MethodGet, base+"/attribute/value", ""); env.Value != "ann" {
		t.Fatalf("typed value = %#v", env.Value)
	}
	if _, env := h.call(http.MethodGet, base+"/name", ""); env.Value != "input" {
		t.Fatalf("tag name = %#v", env.Value)
	}
	if _, env := h.call(http.MethodGet, base+"/equals/"+user, ""); env.Value != true {
		t.Fatalf("equals self = %#v", env.Value)
	}
	if _, env := h.call(http.MethodGet, base+"/displayed", ""); env.Value != true {
		t.Fatalf("displayed = %#v", env.Value)
	}
	if status, _ := h.call(http.MethodPost, base+"/value", `{}`); status != http.StatusBadRequest {
		t.Fatalf("value without keys: %d", status)
	}
	if status, _ := h.call(http.MethodDelete, base+"/click", ""); status != http.StatusMethodNotAllowed {
		t.Fatalf("DELETE click: %d", status)
	}

	pass := h.find(sid, "id", "pass")
	if _, env := h.call(http.MethodPost, "/session/"+sid+"/element/"+pass+"/click", ""); env.Status != wire.InvalidElementState {
		t.Fatalf("disabled click = %#v", env)
	}
	if _, env := h.call(http.MethodPost, "/session/"+sid+"/element/"+pass+"/selected", ""); env.Status != wire.ElementNotSelectable {
		t.Fatalf("select input = %#v", env)
	}

	form := h.find(sid, "id", "login")
	status, env := h.call(http.MethodPost, "/session/"+sid+"/element/"+form+"/element", `{"using":"tag name","value":"button"}`)
	if status != http.StatusOK || elementID(t, env.Value) != h.find(sid, "id", "go") {
		t.Fatalf("nested find: %d %#v", status, env)
	}
	if _, env := h.call(http.MethodPost, "/session/"+sid+"/element", `{"using":"magic","value":"x"}`); env.Status != wire.InvalidSelector {
		t.Fatalf("bad strategy = %#v", env)
	}
}

func TestTimeouts(t *testing.T) {
	h := newHarness(t, true, time.Second)
	sid := h.newSession()
	base := "/session/" + sid + "/timeouts"

	if status, _ := h.call(http.MethodPost, base, `{"type":"implicit","ms":250}`); status != http.StatusOK {
		t.Fatalf("set implicit: %d", status)
	}
	if _, env := h.call(http.MethodGet, base+"/implicit_wait", ""); env.Value != float64(250) {
		t.Fatalf("implicit wait = %#v", env.Value)
	}
	h.call(http.MethodPost, base+"/async_script", `{"ms":1500}`)
	if _, env := h.call(http.MethodGet, base, ""); env.Value.(map[string]any)["script"] != float64(1500) {
		t.Fatalf("timeouts = %#v", env.Value)
	}
	h.call(http.MethodDelete, base+"/implicit_wait", "")
	if _, env := h.call(http.MethodGet, base+"/implicit_wait", ""); env.Value != float64(0) {
		t.Fatalf("cleared implicit wait = %#v", env.Value)
	}
	if _, env := h.call(http.MethodPost, base+"/implicit_wait", `{"ms":-1}`); env.Status != wire.UnknownError {
		t.Fatalf("negative timeout = %#v", env)
	}
	if _, env := h.call(http.MethodPost, base, `{"type":"nap","ms":1}`); env.Status != wire.UnknownError {
		t.Fatalf("unknown timeout type = %#v", env)
	}
}

func TestHandoffTimeout(t *testing.T) {
	h := newHarness(t, false, 50*time.Millisecond)
	sid := h.newSession()
	start := time.Now()
	status, env := h.call(http.MethodPost, "/session/"+sid+"/element", `{"using":"id","value":"user"}`)
	if status != http.StatusInternalServerError || env.Status != wire.Timeout {
		t.Fatalf("unexpected %d %#v", status, env)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("hand-off timeout took %v", elapsed)
	}
	msg, _ := env.Value.(map[string]any)["message"].(string)
	if !strings.HasSuffix(msg, uiloop.ErrTimeout.Error()) {
		t.Fatalf("timeout message lost its cause: %q", msg)
	}
}

func TestExecute(t *testing.T) {
	h := newHarness(t, true, time.Second)
	sid := h.newSession()
	user := h.find(sid, "id", "user")
	base := "/session/" + sid

	_, env := h.call(http.MethodPost, base+"/execute", `{"script":"return arguments[0];","args":[{"ELEMENT":"`+user+`"}]}`)
	if env.Status != wire.Success || elementID(t, env.Value) != user {
		t.Fatalf("element round trip = %#v", env)
	}
	_, env = h.call(http.MethodPost, base+"/execute", `{"script":"return [document.findElement('id','go'), 7];"}`)
	list, ok := env.Value.([]any)
	if !ok || len(list) != 2 || elementID(t, list[0]) != "1" || list[1] != float64(7) {
		t.Fatalf("script result = %#v", env)
	}
	if _, env := h.call(http.MethodPost, base+"/execute", `{"script":"throw new Error('x');","args":[]}`); env.Status != wire.JavaScriptError {
		t.Fatalf("script error = %#v", env)
	}
	if _, env := h.call(http.MethodPost, base+"/execute", `{"script":"return 1;","args":[{"ELEMENT":"99"}]}`); env.Status != wire.StaleElementReference {
		t.Fatalf("unknown element argument = %#v", env)
	}

	_, env = h.call(http.MethodPost, base+"/execute_async", `{"script":"arguments[arguments.length-1]('done');","args":[]}`)
	if env.Value != "done" {
		t.Fatalf("async result = %#v", env)
	}
}

func TestScriptTimeouts(t *testing.T) {
	h := newHarness(t, true, time.Second)
	sid := h.newSession()
	base := "/session/" + sid
	h.call(http.MethodPost, base+"/timeouts/async_script", `{"ms":50}`)

	if _, env := h.call(http.MethodPost, base+"/execute_async", `{"script":"setTimeout(function() {}, 5000);","args":[]}`); env.Status != wire.ScriptTimeout {
		t.Fatalf("async timeout = %#v", env)
	}
	h.call(http.MethodPost, base+"/timeouts/async_script", `{"ms":100}`)
	start := time.Now()
	if _, env := h.call(http.MethodPost, base+"/execute_async", `{"script":"var x = 1;"}`); env.Status != wire.ScriptTimeout {
		t.Fatalf("async script without callback = %#v", env)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("async script without callback answered after %v", elapsed)
	}
	h.call(http.MethodPost, base+"/timeouts/async_script", `{"ms":50}`)
	if _, env := h.call(http.MethodPost, base+"/execute", `{"script":"while (true) {}","args":[]}`); env.Status != wire.Timeout {
		t.Fatalf("sync timeout = %#v", env)
	}
	h.call(http.MethodDelete, base+"/timeouts/async_script", "")
	if _, env := h.call(http.MethodPost, base+"/execute", `{"script":"return 2;","args":[]}`); env.Value != float64(2) {
		t.Fatalf("after timeout = %#v", env)
	}
}

func TestSessionLifecycleAndLog(t *testing.T) {
	h := newHarness(t, true, time.Second)
	sid := h.newSession()
	h.find(sid, "id", "user")

	_, env := h.call(http.MethodGet, "/session/"+sid, "")
	if caps, ok := env.Value.(map[string]any); !ok || caps["platformName"] != "test" || caps["browserName"] != "wireagent" {
		t.Fatalf("capabilities = %#v", env.Value)
	}
	if _, env := h.call(http.MethodGet, "/sessions", ""); len(env.Value.([]any)) != 1 {
		t.Fatalf("sessions = %#v", env.Value)
	}
	if _, env := h.call(http.MethodGet, "/session/"+sid+"/log/types", ""); env.Value.([]any)[0] != "command" {
		t.Fatalf("log types = %#v", env.Value)
	}
	if _, env := h.call(http.MethodPost, "/session/"+sid+"/log", `{"type":"command"}`); len(env.Value.([]any)) != 1 {
		t.Fatalf("log = %#v", env.Value)
	}

	if status, env := h.call(http.MethodDelete, "/session/"+sid, ""); status != http.StatusOK || env.SessionID != sid {
		t.Fatalf("delete: %d %#v", status, env)
	}
	if status, _ := h.call(http.MethodGet, "/session/"+sid, ""); status != http.StatusNotFound {
		t.Fatalf("deleted session still routed: %d", status)
	}
	if status, _ := h.call(http.MethodGet, "/session/"+sid+"/element/0/text", ""); status != http.StatusNotFound {
		t.Fatalf("deleted element still routed: %d", status)
	}
	if len(h.journal.forgotten) != 1 || h.journal.forgotten[0] != sid {
		t.Fatalf("journal not forgotten: %v", h.journal.forgotten)
	}
	if len(h.manager.List()) != 0 {
		t.Fatal("session still listed")
	}
}

func TestConcurrentSessions(t *testing.T) {
	h := newHarness(t, true, time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sid := h.newSession()
			for j := 0; j < 5; j++ {
				if id := h.find(sid, "id", "go"); id != "0" {
					t.Errorf("session %s: id %s", sid, id)
				}
			}
			h.call(http.MethodDelete, "/session/"+sid, "")
		}()
	}
	wg.Wait()
	if h.metrics.active != 0 || h.metrics.elements != 0 {
		t.Fatalf("gauges after all sessions closed: active=%d elements=%d", h.metrics.active, h.metrics.elements)
	}
}
