package check

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestMarshal_TaggedEnvelope(t *testing.T) {
	data, err := Marshal(&Page{
		Summary:   "2 new elements added, text content updated",
		Details:   ChangeDetails{NodesAdded: 2, TextModified: true},
		Narration: "Page update: 2 new elements added, text content updated. ",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), `{"type":"page"`) {
		t.Fatalf("unexpected envelope: %s", data)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	p, ok := got.(*Page)
	if !ok {
		t.Fatalf("got %T, want *Page", got)
	}
	if p.Details.NodesAdded != 2 || !p.Details.TextModified {
		t.Fatalf("details lost: %+v", p.Details)
	}
}

func TestUnmarshal_Variants(t *testing.T) {
	results := []Result{
		NoChange{},
		&Video{Description: "a cat", Objects: []string{"cat"}, Metadata: VideoMetadata{Dimensions: "640x360"}},
		&Error{Category: CategoryBusy, Message: "check already in progress"},
	}
	for _, r := range results {
		data, err := Marshal(r)
		if err != nil {
			t.Fatalf("%s: %v", r.Kind(), err)
		}
		got, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("%s: %v", r.Kind(), err)
		}
		if got.Kind() != r.Kind() {
			t.Errorf("kind: got %s, want %s", got.Kind(), r.Kind())
		}
	}
}

func TestUnmarshal_UnknownType(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"type":"bogus"}`)); err == nil {
		t.Fatal("expected error for unknown type")
	}
	if _, err := Marshal(nil); err == nil {
		t.Fatal("expected error for nil result")
	}
}

func TestCompletion_JSON(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := Completion{CheckID: "chk_1", TabID: "t1", Result: &Error{Category: CategoryNotEnabled, Message: "not enabled"}, At: at}

	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	var got Completion
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	e, ok := got.Result.(*Error)
	if !ok || e.Category != CategoryNotEnabled {
		t.Fatalf("result = %#v", got.Result)
	}
	if !got.At.Equal(at) || got.TabID != "t1" {
		t.Fatalf("fields lost: %+v", got)
	}
}

func TestSessionConfig(t *testing.T) {
	cfg := DefaultSessionConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Interval() != 10*time.Second {
		t.Fatalf("interval = %v", cfg.Interval())
	}
	cfg.IntervalMs = 200
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for sub-second interval")
	}
}

func TestService(t *testing.T) {
	if got := Service("t1", OpCheck); got != "tab/t1/check" {
		t.Fatalf("got %q", got)
	}
}
