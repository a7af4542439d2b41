package uitree

import (
	"fmt"
	"strings"

	"wireagent-go/internal/automation"
)

type matcher func(*Node) bool

func (t *Tree) Locate(root automation.Node, strategy, value string) (automation.Node, error) {
	nodes, err := t.locate(root, strategy, value, true)
	if err != nil || len(nodes) == 0 {
		return nil, err
	}
	return nodes[0], nil
}

func (t *Tree) LocateAll(root automation.Node, strategy, value string) ([]automation.Node, error) {
	return t.locate(root, strategy, value, false)
}

// locate searches the descendants of root in document order.
func (t *Tree) locate(root automation.Node, strategy, value string, first bool) ([]automation.Node, error) {
	match, err := compile(strategy, value)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	start := t.root
	if root != nil {
		n, ok := root.(*Node)
		if !ok || !t.attached(n) {
			return nil, nil
		}
		start = n
	}
	var out []automation.Node
	for _, c := range start.children {
		done := !walk(c, func(n *Node) bool {
			if match(n) {
				out = append(out, n)
				return !first
			}
			return true
		})
		if done {
			break
		}
	}
	return out, nil
}

func compile(strategy, value string) (matcher, error) {
	switch strategy {
	case automation.ByID:
		return func(n *Node) bool { return n.id == value }, nil
	case automation.ByName:
		return func(n *Node) bool { return n.name == value }, nil
	case automation.ByClassName:
		return func(n *Node) bool { return n.hasClass(value) }, nil
	case automation.ByTagName:
		tag := strings.ToLower(value)
		return func(n *Node) bool { return n.tag == tag }, nil
	case automation.ByLinkText:
		return func(n *Node) bool { return n.tag == "a" && strings.TrimSpace(n.text) == value }, nil
	case automation.ByPartialLinkText:
		return func(n *Node) bool { return n.tag == "a" && strings.Contains(n.text, value) }, nil
	case automation.ByCSSSelector:
		return compileCSS(value)
	case automation.ByXPath:
		return compileXPath(value)
	}
	return nil, fmt.Errorf("%w: unknown strategy %q", automation.ErrInvalidSelector, strategy)
}

func (n *Node) hasClass(class string) bool {
	for _, c := range n.classes {
		if c == class {
			return true
		}
	}
	return false
}

// attribute resolves the DOM-style attribute name, reporting whether it exists.
func (n *Node) attribute(name string) (string, bool) {
	switch name {
	case "id":
		return n.id, n.id != ""
	case "name":
		return n.name, n.name != ""
	case "class":
		return strings.Join(n.classes, " "), len(n.classes) > 0
	case "type":
		return n.kind, n.kind != ""
	case "value":
		return n.value, true
	}
	v, ok := n.attributes[name]
	return v, ok
}

// compileCSS accepts one compound selector: an optional tag followed by any of
// #id, .class and [attr=value].
func compileCSS(sel string) (matcher, error) {
	sel = strings.TrimSpace(sel)
	invalid := fmt.Errorf("%w: unsupported css selector %q", automation.ErrInvalidSelector, sel)
	if sel == "" || strings.ContainsAny(sel, " >+~,:") {
		return nil, invalid
	}
	var parts []matcher
	i := 0
	ident := func() string {
		j := i
		for j < len(sel) && !strings.ContainsRune("#.[", rune(sel[j])) {
			j++
		}
		s := sel[i:j]
		i = j
		return s
	}
	if tag := ident(); tag != "" && tag != "*" {
		tag = strings.ToLower(tag)
		parts = append(parts, func(n *Node) bool { return n.tag == tag })
	}
	for i < len(sel) {
		c := sel[i]
		i++
		switch c {
		case '#':
			id := ident()
			if id == "" {
				return nil, invalid
			}
			parts = append(parts, func(n *Node) bool { return n.id == id })
		case '.':
			class := ident()
			if class == "" {
				return nil, invalid
			}
			parts = append(parts, func(n *Node) bool { return n.hasClass(class) })
		case '[':
			end := strings.IndexByte(sel[i:], ']')
			if end < 0 {
				return nil, invalid
			}
			m, ok := attributePredicate(sel[i : i+end])
			if !ok {
				return nil, invalid
			}
			parts = append(parts, m)
			i += end + 1
		default:
			return nil, invalid
		}
	}
	return all(parts), nil
}

// compileXPath understands //tag, //* and either form with one [@attr='value']
// predicate.
func compileXPath(expr string) (matcher, error) {
	fail := fmt.Errorf("%w: unsupported xpath %q", automation.ErrXPathLookup, expr)
	rest, ok := strings.CutPrefix(strings.TrimSpace(expr), "//")
	if !ok || rest == "" {
		return nil, fail
	}
	tag, pred, hasPred := strings.Cut(rest, "[")
	if tag == "" || strings.ContainsAny(tag, "/@()") {
		return nil, fail
	}
	var parts []matcher
	if tag != "*" {
		tag = strings.ToLower(tag)
		parts = append(parts, func(n *Node) bool { return n.tag == tag })
	}
	if hasPred {
		body, ok := strings.CutSuffix(pred, "]")
		if !ok || !strings.HasPrefix(body, "@") {
			return nil, fail
		}
		m, ok := attributePredicate(body[1:])
		if !ok {
			return nil, fail
		}
		parts = append(parts, m)
	}
	return all(parts), nil
}

// attributePredicate parses name=value or name='value'. A bare name tests presence.
func attributePredicate(s string) (matcher, bool) {
	name, value, hasValue := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false
	}
	if !hasValue {
		return func(n *Node) bool {
			_, ok := n.attribute(name)
			return ok
		}, true
	}
	value = strings.TrimSpace(value)
	if len(value) >= 2 && (value[0] == '\'' || value[0] == '"') {
		if value[len(value)-1] != value[0] {
			return nil, false
		}
		value = value[1 : len(value)-1]
	}
	return func(n *Node) bool {
		v, ok := n.attribute(name)
		return ok && v == value
	}, true
}

func all(parts []matcher) matcher {
	return func(n *Node) bool {
		for _, m := range parts {
			if !m(n) {
				return false
			}
		}
		return true
	}
}
