// Package uitree is an in-memory UI hierarchy that stands in for a real view tree.
// It is loaded from YAML and implements the automation locator and actuator.
package uitree

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"wireagent-go/internal/automation"
)

// Spec is the YAML form of a node.
type Spec struct {
	Tag        string            `yaml:"tag"`
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name"`
	Class      string            `yaml:"class"`
	Type       string            `yaml:"type"`
	Text       string            `yaml:"text"`
	Value      string            `yaml:"value"`
	Visible    *bool             `yaml:"visible"`
	Enabled    *bool             `yaml:"enabled"`
	Selected   bool              `yaml:"selected"`
	Attributes map[string]string `yaml:"attributes"`
	Style      map[string]string `yaml:"style"`
	Bounds     Bounds            `yaml:"bounds"`
	Children   []Spec            `yaml:"children"`
}

type Bounds struct {
	X      int `yaml:"x"`
	Y      int `yaml:"y"`
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

type Node struct {
	tag        string
	id         string
	name       string
	classes    []string
	kind       string
	text       string
	value      string
	visible    bool
	enabled    bool
	selected   bool
	attributes map[string]string
	style      map[string]string
	bounds     Bounds
	clicks     int
	submits    int

	parent   *Node
	children []*Node
}

func (n *Node) Tag() string { return n.tag }

func (n *Node) String() string {
	if n.id != "" {
		return n.tag + "#" + n.id
	}
	return n.tag
}

// Tree guards every node it owns with one mutex.
type Tree struct {
	mu   sync.Mutex
	root *Node
}

func New(root Spec) *Tree {
	if root.Tag == "" {
		root.Tag = "document"
	}
	return &Tree{root: build(root, nil)}
}

func Parse(data []byte) (*Tree, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse ui tree: %w", err)
	}
	return New(spec), nil
}

func Load(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func build(s Spec, parent *Node) *Node {
	n := &Node{
		tag:        strings.ToLower(s.Tag),
		id:         s.ID,
		name:       s.Name,
		classes:    strings.Fields(s.Class),
		kind:       strings.ToLower(s.Type),
		text:       s.Text,
		value:      s.Value,
		visible:    s.Visible == nil || *s.Visible,
		enabled:    s.Enabled == nil || *s.Enabled,
		selected:   s.Selected,
		attributes: s.Attributes,
		style:      s.Style,
		bounds:     s.Bounds,
		parent:     parent,
	}
	if n.tag == "" {
		n.tag = "div"
	}
	for _, c := range s.Children {
		n.children = append(n.children, build(c, n))
	}
	return n
}

func (t *Tree) Root() automation.Node {
	return t.root
}

// Append attaches a new subtree below parent and returns its root.
func (t *Tree) Append(parent *Node, s Spec) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	if parent == nil {
		parent = t.root
	}
	n := build(s, parent)
	parent.children = append(parent.children, n)
	return n
}

// Remove detaches n from the tree. Handles to n and its descendants become stale.
func (t *Tree) Remove(n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := n.parent
	if p == nil {
		return
	}
	for i, c := range p.children {
		if c == n {
			p.children = append(p.children[:i:i], p.children[i+1:]...)
			break
		}
	}
	n.parent = nil
}

// ByID finds a node by its id attribute, for hosts and tests that need a handle.
func (t *Tree) ByID(id string) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	var found *Node
	walk(t.root, func(n *Node) bool {
		if n.id == id {
			found = n
			return false
		}
		return true
	})
	return found
}

// Clicks reports how many clicks n has received.
func (t *Tree) Clicks(n *Node) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return n.clicks
}

// Submits reports how many times the form n was submitted.
func (t *Tree) Submits(n *Node) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return n.submits
}

func (t *Tree) Reachable(node automation.Node) bool {
	n, ok := node.(*Node)
	if !ok || n == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attached(n)
}

func (t *Tree) attached(n *Node) bool {
	for ; n != nil; n = n.parent {
		if n == t.root {
			return true
		}
	}
	return false
}

// walk visits n and its descendants depth first until visit returns false.
func walk(n *Node, visit func(*Node) bool) bool {
	if !visit(n) {
		return false
	}
	for _, c := range n.children {
		if !walk(c, visit) {
			return false
		}
	}
	return true
}

// Describe exposes the node to scripts as a plain object.
func (n *Node) Describe() map[string]any {
	return map[string]any{
		"tagName": n.tag,
		"id":      n.id,
		"name":    n.name,
		"class":   strings.Join(n.classes, " "),
		"text":    n.text,
		"value":   n.value,
	}
}
