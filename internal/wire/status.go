// Package wire holds the JSON Wire Protocol response envelope and its fixed
// status-code table.
package wire

import "strconv"

type Status int

const (
	Success               Status = 0
	NoSuchElement         Status = 7
	NoSuchFrame           Status = 8
	UnknownCommand        Status = 9
	StaleElementReference Status = 10
	ElementNotVisible     Status = 11
	InvalidElementState   Status = 12
	UnknownError          Status = 13
	ElementNotSelectable  Status = 15
	JavaScriptError       Status = 17
	XPathLookupError      Status = 19
	Timeout               Status = 21
	NoSuchWindow          Status = 23
	InvalidCookieDomain   Status = 24
	UnableToSetCookie     Status = 25
	ModalDialogOpen       Status = 26
	NoModalDialogOpen     Status = 27
	ScriptTimeout         Status = 28
	InvalidSelector       Status = 32
)

var statusNames = map[Status]string{
	Success:               "success",
	NoSuchElement:         "no such element",
	NoSuchFrame:           "no such frame",
	UnknownCommand:        "unknown command",
	StaleElementReference: "stale element reference",
	ElementNotVisible:     "element not visible",
	InvalidElementState:   "invalid element state",
	UnknownError:          "unknown error",
	ElementNotSelectable:  "element not selectable",
	JavaScriptError:       "javascript error",
	XPathLookupError:      "xpath lookup error",
	Timeout:               "timeout",
	NoSuchWindow:          "no such window",
	InvalidCookieDomain:   "invalid cookie domain",
	UnableToSetCookie:     "unable to set cookie",
	ModalDialogOpen:       "unexpected alert open",
	NoModalDialogOpen:     "no such alert",
	ScriptTimeout:         "script timeout",
	InvalidSelector:       "invalid selector",
}

// Known reports whether s is part of the status table.
func (s Status) Known() bool {
	_, ok := statusNames[s]
	return ok
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "status " + strconv.Itoa(int(s))
}
