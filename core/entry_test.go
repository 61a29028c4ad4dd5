package core_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stratamem/strata-go/core"
)

func TestEntryValidate(t *testing.T) {
	valid := core.Entry{
		Key:       "user:42:prefs",
		Value:     "dark mode",
		TTL:       time.Hour,
		Tags:      []string{"prefs", "ui"},
		Namespace: "agent1",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid entry failed validation: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*core.Entry)
	}{
		{"empty key", func(e *core.Entry) { e.Key = "" }},
		{"negative ttl", func(e *core.Entry) { e.TTL = -time.Second }},
		{"uppercase tag", func(e *core.Entry) { e.Tags = []string{"Prefs"} }},
		{"whitespace tag", func(e *core.Entry) { e.Tags = []string{"two words"} }},
		{"empty tag", func(e *core.Entry) { e.Tags = []string{""} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := *valid.Clone()
			tc.mutate(&e)
			err := e.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			var verr *core.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
		})
	}
}

func TestEntryJSONRoundTrip(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	in := core.Entry{
		Key:       "note:1",
		Value:     "prefers short answers",
		TTL:       90 * time.Second,
		Tags:      []string{"style", "preference"},
		CreatedAt: created,
		Metadata:  map[string]string{"access_count": "3", "source": "chat"},
		Namespace: "tenant-a",
	}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out core.Entry
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if out.Key != in.Key || out.Value != in.Value || out.Namespace != in.Namespace {
		t.Errorf("identity fields changed: got %+v", out)
	}
	if out.TTL != in.TTL {
		t.Errorf("ttl changed: got %s, want %s", out.TTL, in.TTL)
	}
	if !out.CreatedAt.Equal(in.CreatedAt) {
		t.Errorf("created_at changed: got %s, want %s", out.CreatedAt, in.CreatedAt)
	}
	if len(out.Tags) != 2 || out.Tags[0] != "style" || out.Tags[1] != "preference" {
		t.Errorf("tags changed: got %v", out.Tags)
	}
	if out.Metadata["access_count"] != "3" || out.Metadata["source"] != "chat" {
		t.Errorf("metadata changed: got %v", out.Metadata)
	}
}

func TestEntryClone(t *testing.T) {
	e := core.Entry{
		Key:      "k",
		Tags:     []string{"a"},
		Metadata: map[string]string{"x": "1"},
	}
	c := e.Clone()
	c.Tags[0] = "b"
	c.Metadata["x"] = "2"
	if e.Tags[0] != "a" || e.Metadata["x"] != "1" {
		t.Error("Clone shares backing storage with the original")
	}
}

func TestNewSearchResult(t *testing.T) {
	entry := core.Entry{Key: "k", Value: "v"}

	if _, err := core.NewSearchResult(entry, 0.7, core.LayerTier2, 4*time.Millisecond); err != nil {
		t.Fatalf("valid result rejected: %v", err)
	}
	if _, err := core.NewSearchResult(entry, 1.2, core.LayerTier1, 0); err == nil {
		t.Error("score > 1 accepted")
	}
	if _, err := core.NewSearchResult(entry, -0.1, core.LayerTier1, 0); err == nil {
		t.Error("negative score accepted")
	}
	if _, err := core.NewSearchResult(entry, 0.5, core.Layer("tier9"), 0); err == nil {
		t.Error("unknown layer accepted")
	}
	if _, err := core.NewSearchResult(entry, 0.5, core.LayerTier1, -time.Millisecond); err == nil {
		t.Error("negative retrieval time accepted")
	}
}

func TestAllLayersIsCopy(t *testing.T) {
	a := core.AllLayers()
	a[0] = core.Layer("mutated")
	b := core.AllLayers()
	if b[0] != core.LayerTier1 {
		t.Error("AllLayers returns shared backing array")
	}
}
