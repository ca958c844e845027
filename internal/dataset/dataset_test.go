package dataset

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultSnapshotLookup(t *testing.T) {
	snap, err := Default()
	if err != nil {
		t.Fatalf("default snapshot: %v", err)
	}
	if snap.Version == "" {
		t.Fatalf("expected version")
	}

	v, ok := snap.Lookup("FR", "geography.capital")
	if !ok || v.Text != "Paris" {
		t.Fatalf("expected Paris, got %+v ok=%v", v, ok)
	}

	v, ok = snap.Lookup("JP", "demographics.population")
	if !ok || v.Num != 124500000 {
		t.Fatalf("expected numeric population, got %+v ok=%v", v, ok)
	}
	field, _ := snap.Field("demographics.population")
	if got := field.Display(v); got != "124,500,000" {
		t.Fatalf("unexpected display %q", got)
	}
}

func TestLookupIsNullSafe(t *testing.T) {
	snap, err := Default()
	if err != nil {
		t.Fatalf("default snapshot: %v", err)
	}
	if _, ok := snap.Lookup("EG", "environment.forest_cover_pct"); ok {
		t.Fatalf("expected null value to be reported missing")
	}
	if _, ok := snap.Lookup("ZZ", "geography.capital"); ok {
		t.Fatalf("expected unknown country to be missing")
	}
	if _, ok := snap.Lookup("FR", "geography.capital.city"); ok {
		t.Fatalf("expected path through a leaf to be missing")
	}
	if _, ok := snap.Lookup("FR", "geography.unknown"); ok {
		t.Fatalf("expected unknown field to be missing")
	}
}

func TestEligibleFiltersByCoverage(t *testing.T) {
	raw := []byte(`{
	  "version": "t1",
	  "fields": [
	    {"path": "a.full", "category": "x", "label": "full", "kind": "numeric"},
	    {"path": "a.sparse", "category": "x", "label": "sparse", "kind": "numeric"},
	    {"path": "a.flat", "category": "y", "label": "flat", "kind": "text"}
	  ],
	  "countries": [
	    {"id": "A", "name": "A", "region": "R1", "data": {"a": {"full": 1, "sparse": 1, "flat": "same"}}},
	    {"id": "B", "name": "B", "region": "R1", "data": {"a": {"full": 2, "flat": "same"}}},
	    {"id": "C", "name": "C", "region": "R2", "data": {"a": {"full": 3, "flat": "same"}}},
	    {"id": "D", "name": "D", "region": "R2", "data": {"a": {"full": 4, "sparse": null, "flat": "same"}}}
	  ]
	}`)
	snap, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	eligible := snap.Eligible(0.5)
	if len(eligible) != 1 || eligible[0].Path != "a.full" {
		t.Fatalf("expected only a.full eligible, got %+v", eligible)
	}
	if got := snap.Regions(); len(got) != 2 || got[0] != "R1" {
		t.Fatalf("unexpected regions %v", got)
	}
	if got := snap.Categories(); len(got) != 2 || got[1] != "y" {
		t.Fatalf("unexpected categories %v", got)
	}
}

func TestLoadFileYAML(t *testing.T) {
	raw := `
version: y1
fields:
  - path: geo.capital
    category: geography
    label: capital
    kind: text
  - path: geo.area
    category: geography
    label: area
    unit: km²
    kind: numeric
countries:
  - id: B
    name: Bravo
    region: North
    data:
      geo:
        capital: Bee
        area: 12345.5
  - id: A
    name: Alpha
    region: South
    data:
      geo:
        capital: Ay
        area: 10
`
	path := filepath.Join(t.TempDir(), "snap.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	snap, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Countries[0].ID != "A" {
		t.Fatalf("expected countries sorted by id")
	}
	v, ok := snap.Lookup("B", "geo.area")
	if !ok {
		t.Fatalf("expected area")
	}
	field, _ := snap.Field("geo.area")
	if got := field.Display(v); got != "12,345.5 km²" {
		t.Fatalf("unexpected display %q", got)
	}
	v, ok = snap.Lookup("A", "geo.area")
	if !ok || v.Num != 10 {
		t.Fatalf("expected yaml int decoded as numeric, got %+v", v)
	}
}

func TestParseRejectsDuplicates(t *testing.T) {
	raw := []byte(`{"version":"d","fields":[],"countries":[{"id":"A"},{"id":"A"}]}`)
	if _, err := Parse(raw); err == nil {
		t.Fatalf("expected duplicate country error")
	}
}
