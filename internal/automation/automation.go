// Package automation declares the collaborators the wire server drives: a locator
// that finds UI nodes, an actuator that acts on them and a script evaluator.
package automation

import (
	"context"
	"errors"
)

// Node is an opaque handle to a UI node. Handles are compared by identity, so
// implementations should hand out the same pointer for the same node.
type Node interface {
	Tag() string
}

// Locator strategies understood by clients of the JSON wire protocol.
const (
	ByID              = "id"
	ByName            = "name"
	ByClassName       = "class name"
	ByTagName         = "tag name"
	ByLinkText        = "link text"
	ByPartialLinkText = "partial link text"
	ByCSSSelector     = "css selector"
	ByXPath           = "xpath"
)

type Locator interface {
	Root() Node
	// Locate returns nil and no error when nothing matches.
	Locate(root Node, strategy, value string) (Node, error)
	LocateAll(root Node, strategy, value string) ([]Node, error)
	// Reachable reports whether the node is still attached to the live tree.
	Reachable(node Node) bool
}

type Action string

const (
	Click       Action = "click"
	Clear       Action = "clear"
	Submit      Action = "submit"
	Type        Action = "type"
	Text        Action = "text"
	Attribute   Action = "attribute"
	CSS         Action = "css"
	Selected    Action = "selected"
	SetSelected Action = "setSelected"
	Toggle      Action = "toggle"
	Enabled     Action = "enabled"
	Displayed   Action = "displayed"
	TagName     Action = "tagName"
	Location    Action = "location"
	Size        Action = "size"
)

// Args carries the operands of an action. Name is the attribute or property for
// Attribute and CSS, Keys the text for Type.
type Args struct {
	Name string
	Keys string
}

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type Dimension struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Actuator interface {
	Perform(node Node, action Action, args Args) (any, error)
}

// ScriptEvaluator runs client supplied scripts. The deadline of ctx bounds the
// evaluation. Async scripts finish by calling the callback passed as their last
// argument.
type ScriptEvaluator interface {
	EvaluateScript(ctx context.Context, source string, args []any, async bool) (any, error)
}

// Collaborators report failures with these sentinels, wrapped as needed.
var (
	ErrNotVisible        = errors.New("element is not displayed")
	ErrInvalidState      = errors.New("element is in an invalid state")
	ErrNotSelectable     = errors.New("element cannot be selected")
	ErrInvalidSelector   = errors.New("invalid selector")
	ErrXPathLookup       = errors.New("xpath lookup failed")
	ErrUnsupportedAction = errors.New("unsupported action")
	ErrJavaScript        = errors.New("javascript error")
	ErrScriptTimeout     = errors.New("script timed out")
)
