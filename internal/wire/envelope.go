package wire

import (
	"encoding/json"
	"net/http"
)

// Response is the {sessionId, status, value} envelope every command answers with.
type Response struct {
	SessionID string `json:"sessionId"`
	Status    Status `json:"status"`
	Value     any    `json:"value"`
}

// Element is implemented by values that stand for a located UI element.
type Element interface {
	ElementID() string
}

// ElementRef is the wire form of an element handle.
type ElementRef struct {
	ID string `json:"ELEMENT"`
}

func (r ElementRef) ElementID() string { return r.ID }

func Result(sessionID string, value any) Response {
	return Response{SessionID: sessionID, Status: Success, Value: Encode(value)}
}

func Failure(sessionID string, err error) Response {
	status := StatusOf(err)
	msg := status.String()
	if err != nil {
		msg = err.Error()
	}
	return Response{
		SessionID: sessionID,
		Status:    status,
		Value: map[string]any{
			"message": msg,
			"error":   status.String(),
		},
	}
}

// Encode replaces element handles with {"ELEMENT": id}, descending into slices and
// maps.
func Encode(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case ElementRef:
		return t
	case Element:
		return ElementRef{ID: t.ElementID()}
	case []Element:
		out := make([]ElementRef, len(t))
		for i, e := range t {
			out[i] = ElementRef{ID: e.ElementID()}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Encode(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Encode(e)
		}
		return out
	}
	return v
}

// HTTPStatus follows the JSON wire convention: failed commands answer 500.
func (r Response) HTTPStatus() int {
	if r.Status == Success {
		return http.StatusOK
	}
	return http.StatusInternalServerError
}

func (r Response) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

func Parse(data []byte) (Response, error) {
	var r Response
	err := json.Unmarshal(data, &r)
	return r, err
}
