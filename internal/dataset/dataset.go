// Package dataset is a read-only view over the versioned country statistics snapshot.
package dataset

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed countries.json
var defaultSnapshot []byte

// Kind is the value type of a field.
type Kind string

const (
	KindNumeric Kind = "numeric"
	KindText    Kind = "text"
)

// Field describes one quizzable statistic.
type Field struct {
	Path     string `json:"path" yaml:"path"`
	Category string `json:"category" yaml:"category"`
	Label    string `json:"label" yaml:"label"`
	Unit     string `json:"unit,omitempty" yaml:"unit"`
	Kind     Kind   `json:"kind" yaml:"kind"`
	// Prompt overrides the default template; {country} and {label} are substituted.
	Prompt string `json:"prompt,omitempty" yaml:"prompt"`
}

// Template returns the prompt template for the field.
func (f Field) Template() string {
	if f.Prompt != "" {
		return f.Prompt
	}
	return "What is the {label} of {country}?"
}

// Country is one dataset row.
type Country struct {
	ID     string                 `json:"id" yaml:"id"`
	Name   string                 `json:"name" yaml:"name"`
	Region string                 `json:"region" yaml:"region"`
	Data   map[string]interface{} `json:"data" yaml:"data"`
}

// Value is a typed field value.
type Value struct {
	Kind Kind
	Num  float64
	Text string
}

// Snapshot is an immutable, versioned dataset. Countries are sorted by ID.
type Snapshot struct {
	Version   string    `json:"version" yaml:"version"`
	Fields    []Field   `json:"fields" yaml:"fields"`
	Countries []Country `json:"countries" yaml:"countries"`

	byID    map[string]int
	byField map[string]Field
}

// Default returns the embedded snapshot.
func Default() (*Snapshot, error) {
	return Parse(defaultSnapshot)
}

// Parse decodes a JSON snapshot.
func Parse(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}
	return s.init()
}

// ParseYAML decodes a YAML snapshot.
func ParseYAML(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}
	return s.init()
}

// LoadFile reads a snapshot from a .json, .yaml or .yml file.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return Parse(data)
	}
}

func (s *Snapshot) init() (*Snapshot, error) {
	if s.Version == "" {
		return nil, fmt.Errorf("dataset: missing version")
	}
	sort.Slice(s.Countries, func(i, j int) bool { return s.Countries[i].ID < s.Countries[j].ID })
	s.byID = make(map[string]int, len(s.Countries))
	for i, c := range s.Countries {
		if c.ID == "" {
			return nil, fmt.Errorf("dataset: country without id at %d", i)
		}
		if _, dup := s.byID[c.ID]; dup {
			return nil, fmt.Errorf("dataset: duplicate country %q", c.ID)
		}
		s.byID[c.ID] = i
	}
	s.byField = make(map[string]Field, len(s.Fields))
	for _, f := range s.Fields {
		if f.Kind != KindNumeric && f.Kind != KindText {
			return nil, fmt.Errorf("dataset: field %q has unknown kind %q", f.Path, f.Kind)
		}
		s.byField[f.Path] = f
	}
	return s, nil
}

// Country returns the country with id.
func (s *Snapshot) Country(id string) (Country, bool) {
	i, ok := s.byID[id]
	if !ok {
		return Country{}, false
	}
	return s.Countries[i], true
}

// Field returns the catalog entry for path.
func (s *Snapshot) Field(path string) (Field, bool) {
	f, ok := s.byField[path]
	return f, ok
}

// Lookup resolves a dotted path for a country. Missing, null, or mistyped values report false.
func (s *Snapshot) Lookup(countryID, path string) (Value, bool) {
	c, ok := s.Country(countryID)
	if !ok {
		return Value{}, false
	}
	field, ok := s.byField[path]
	if !ok {
		return Value{}, false
	}
	raw, ok := walk(c.Data, path)
	if !ok {
		return Value{}, false
	}
	return toValue(field.Kind, raw)
}

func walk(data map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func toValue(kind Kind, raw interface{}) (Value, bool) {
	switch kind {
	case KindNumeric:
		switch v := raw.(type) {
		case float64:
			return Value{Kind: kind, Num: v}, !math.IsNaN(v)
		case int:
			return Value{Kind: kind, Num: float64(v)}, true
		case int64:
			return Value{Kind: kind, Num: float64(v)}, true
		}
	case KindText:
		if v, ok := raw.(string); ok && strings.TrimSpace(v) != "" {
			return Value{Kind: kind, Text: v}, true
		}
	}
	return Value{}, false
}

// Display renders the value with the field's unit.
func (f Field) Display(v Value) string {
	if v.Kind == KindText {
		return v.Text
	}
	out := formatNumber(v.Num)
	switch f.Unit {
	case "":
		return out
	case "%":
		return out + "%"
	default:
		return out + " " + f.Unit
	}
}

func formatNumber(n float64) string {
	raw := strconv.FormatFloat(math.Abs(n), 'f', -1, 64)
	intPart, frac := raw, ""
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		intPart, frac = raw[:i], raw[i:]
	}
	var b strings.Builder
	if n < 0 {
		b.WriteByte('-')
	}
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	b.WriteString(frac)
	return b.String()
}

// Coverage returns the ids of countries with a non-null value for path, in ID order.
func (s *Snapshot) Coverage(path string) []string {
	ids := make([]string, 0, len(s.Countries))
	for _, c := range s.Countries {
		if _, ok := s.Lookup(c.ID, path); ok {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// Eligible returns the fields usable for questions: non-null coverage of at least
// minCoverage of all countries and at least four distinct displayed values.
// Result is sorted by path.
func (s *Snapshot) Eligible(minCoverage float64) []Field {
	if len(s.Countries) == 0 {
		return nil
	}
	var out []Field
	for _, f := range s.Fields {
		ids := s.Coverage(f.Path)
		if float64(len(ids))/float64(len(s.Countries)) < minCoverage {
			continue
		}
		distinct := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			v, _ := s.Lookup(id, f.Path)
			distinct[f.Display(v)] = struct{}{}
		}
		if len(distinct) < 4 {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Categories returns the sorted distinct categories of the field catalog.
func (s *Snapshot) Categories() []string {
	seen := map[string]struct{}{}
	for _, f := range s.Fields {
		seen[f.Category] = struct{}{}
	}
	return sortedKeys(seen)
}

// Regions returns the sorted distinct country regions.
func (s *Snapshot) Regions() []string {
	seen := map[string]struct{}{}
	for _, c := range s.Countries {
		if c.Region != "" {
			seen[c.Region] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
