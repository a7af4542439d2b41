package uitree

import (
	"fmt"
	"strings"

	"wireagent-go/internal/automation"
)

func (t *Tree) Perform(node automation.Node, action automation.Action, args automation.Args) (any, error) {
	n, ok := node.(*Node)
	if !ok || n == nil {
		return nil, fmt.Errorf("%w: foreign node %v", automation.ErrInvalidState, node)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	switch action {
	case automation.Click:
		if err := n.interactable(); err != nil {
			return nil, err
		}
		n.clicks++
		switch {
		case n.kind == "checkbox":
			n.selected = !n.selected
		case n.selectable():
			n.selectExclusively()
		}
		return nil, nil
	case automation.Clear:
		if err := n.interactable(); err != nil {
			return nil, err
		}
		n.value = ""
		return nil, nil
	case automation.Type:
		if err := n.interactable(); err != nil {
			return nil, err
		}
		n.value += args.Keys
		return nil, nil
	case automation.Submit:
		form := n.enclosing("form")
		if form == nil {
			return nil, fmt.Errorf("%w: %v is not inside a form", automation.ErrInvalidState, n)
		}
		form.submits++
		return nil, nil
	case automation.Text:
		return n.visibleText(), nil
	case automation.Attribute:
		if v, ok := n.attribute(args.Name); ok {
			return v, nil
		}
		if args.Name == "selected" || args.Name == "checked" {
			if n.selected {
				return "true", nil
			}
		}
		return nil, nil
	case automation.CSS:
		return n.style[args.Name], nil
	case automation.Selected:
		return n.selectable() && n.selected, nil
	case automation.SetSelected:
		if !n.selectable() {
			return nil, fmt.Errorf("%w: %v", automation.ErrNotSelectable, n)
		}
		if err := n.interactable(); err != nil {
			return nil, err
		}
		n.selectExclusively()
		return nil, nil
	case automation.Toggle:
		if n.kind != "checkbox" {
			return nil, fmt.Errorf("%w: only checkboxes toggle, %v does not", automation.ErrNotSelectable, n)
		}
		if err := n.interactable(); err != nil {
			return nil, err
		}
		n.selected = !n.selected
		return n.selected, nil
	case automation.Enabled:
		return n.enabled, nil
	case automation.Displayed:
		return n.displayed(), nil
	case automation.TagName:
		return n.tag, nil
	case automation.Location:
		return automation.Point{X: n.bounds.X, Y: n.bounds.Y}, nil
	case automation.Size:
		return automation.Dimension{Width: n.bounds.Width, Height: n.bounds.Height}, nil
	}
	return nil, fmt.Errorf("%w: %s", automation.ErrUnsupportedAction, action)
}

func (n *Node) displayed() bool {
	for p := n; p != nil; p = p.parent {
		if !p.visible {
			return false
		}
	}
	return true
}

func (n *Node) interactable() error {
	if !n.displayed() {
		return fmt.Errorf("%w: %v", automation.ErrNotVisible, n)
	}
	if !n.enabled {
		return fmt.Errorf("%w: %v is disabled", automation.ErrInvalidState, n)
	}
	return nil
}

func (n *Node) selectable() bool {
	return n.tag == "option" || n.kind == "checkbox" || n.kind == "radio"
}

// selectExclusively selects n and clears its radio group or sibling options.
func (n *Node) selectExclusively() {
	if n.parent != nil && n.kind != "checkbox" {
		group := n.parent
		if n.kind == "radio" {
			if form := n.enclosing("form"); form != nil {
				group = form
			}
		}
		walk(group, func(o *Node) bool {
			if o == n {
				return true
			}
			if n.tag == "option" && o.tag == "option" && o.parent == n.parent {
				o.selected = false
			}
			if n.kind == "radio" && o.kind == "radio" && o.name == n.name {
				o.selected = false
			}
			return true
		})
	}
	n.selected = true
}

func (n *Node) enclosing(tag string) *Node {
	for p := n; p != nil; p = p.parent {
		if p.tag == tag {
			return p
		}
	}
	return nil
}

func (n *Node) visibleText() string {
	var parts []string
	var collect func(*Node)
	collect = func(o *Node) {
		if !o.visible {
			return
		}
		if s := strings.TrimSpace(o.text); s != "" {
			parts = append(parts, s)
		}
		for _, c := range o.children {
			collect(c)
		}
	}
	collect(n)
	return strings.Join(parts, " ")
}
