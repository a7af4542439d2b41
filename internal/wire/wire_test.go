package wire

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"testing"
)

type fakeElement string

func (f fakeElement) ElementID() string { return string(f) }

func TestEnvelopeRoundTrip(t *testing.T) {
	resp := Result("S", ElementRef{ID: "5"})
	data, err := resp.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"sessionId":"S","status":0,"value":{"ELEMENT":"5"}}` {
		t.Fatalf("unexpected encoding %s", data)
	}
	parsed, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	want := Response{SessionID: "S", Status: Success, Value: map[string]any{"ELEMENT": "5"}}
	if !reflect.DeepEqual(parsed, want) {
		t.Fatalf("parsed %#v, want %#v", parsed, want)
	}
}

func TestEmptySessionIDIsSerialized(t *testing.T) {
	data, err := Result("", nil).Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"sessionId":"","status":0,"value":null}` {
		t.Fatalf("unexpected encoding %s", data)
	}
}

func TestEncodeElements(t *testing.T) {
	got := Encode([]Element{fakeElement("1"), fakeElement("2")})
	want := []ElementRef{{ID: "1"}, {ID: "2"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Encode slice = %#v", got)
	}
	nested := Encode(map[string]any{"hit": fakeElement("3"), "all": []any{fakeElement("4"), "x", 1}})
	wantNested := map[string]any{"hit": ElementRef{ID: "3"}, "all": []any{ElementRef{ID: "4"}, "x", 1}}
	if !reflect.DeepEqual(nested, wantNested) {
		t.Fatalf("Encode nested = %#v", nested)
	}
	if Encode("plain") != "plain" {
		t.Fatal("plain values must pass through")
	}
}

func TestFailureMapping(t *testing.T) {
	cases := []struct {
		err  error
		want Status
	}{
		{Errorf(NoSuchElement, "no element"), NoSuchElement},
		{fmt.Errorf("wrapped: %w", Errorf(StaleElementReference, "gone")), StaleElementReference},
		{errors.New("boom"), UnknownError},
		{&Error{Status: 99, Message: "off table"}, UnknownError},
		{&Error{Status: Success, Message: "not a failure"}, UnknownError},
	}
	for _, tc := range cases {
		resp := Failure("S", tc.err)
		if resp.Status != tc.want {
			t.Fatalf("Failure(%v).Status = %d, want %d", tc.err, resp.Status, tc.want)
		}
		if resp.HTTPStatus() != http.StatusInternalServerError {
			t.Fatalf("failure HTTP status = %d", resp.HTTPStatus())
		}
		value, ok := resp.Value.(map[string]any)
		if !ok || value["message"] == "" {
			t.Fatalf("failure value = %#v", resp.Value)
		}
	}
	if Result("S", true).HTTPStatus() != http.StatusOK {
		t.Fatal("success should be 200")
	}
}

func TestStatusTable(t *testing.T) {
	table := map[Status]int{
		NoSuchElement: 7, NoSuchFrame: 8, UnknownCommand: 9, StaleElementReference: 10,
		ElementNotVisible: 11, InvalidElementState: 12, UnknownError: 13, ElementNotSelectable: 15,
		JavaScriptError: 17, XPathLookupError: 19, Timeout: 21, NoSuchWindow: 23,
		InvalidCookieDomain: 24, UnableToSetCookie: 25, ModalDialogOpen: 26, NoModalDialogOpen: 27,
		ScriptTimeout: 28, InvalidSelector: 32,
	}
	for status, code := range table {
		if int(status) != code || !status.Known() {
			t.Fatalf("status %v has code %d", status, int(status))
		}
	}
	if Status(14).Known() {
		t.Fatal("14 is not part of the table")
	}
}
