// Package generator builds the daily challenge. Output depends only on the day index,
// the dataset snapshot and the configuration, never on wall-clock time.
package generator

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"daily-atlas-service/internal/dataset"
	"daily-atlas-service/internal/domain"
)

// Config bounds the shape of a challenge.
type Config struct {
	QuestionsPerDay   int
	MaxPerCategory    int // 0 means unlimited
	MinCategorySpread int
	MinFieldCoverage  float64
}

// DefaultConfig mirrors the shipped game settings.
func DefaultConfig() Config {
	return Config{QuestionsPerDay: 10, MaxPerCategory: 3, MinCategorySpread: 4, MinFieldCoverage: 0.6}
}

const optionsPerQuestion = 4

// Seed derives the PRNG seed for a day (splitmix64 finalizer).
func Seed(dayIndex int) int64 {
	z := uint64(dayIndex) + 0x9E3779B97F4A7C15
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	z ^= z >> 31
	return int64(z & 0x7FFFFFFFFFFFFFFF)
}

// Generate returns the challenge for dayIndex.
func Generate(dayIndex int, snap *dataset.Snapshot, cfg Config) (domain.Challenge, error) {
	n := cfg.QuestionsPerDay
	if n <= 0 {
		return domain.Challenge{}, &domain.GenerationError{DayIndex: dayIndex, Reason: "questions per day must be positive"}
	}

	byCategory := map[string][]dataset.Field{}
	capacity := map[string]int{}
	for _, f := range snap.Eligible(cfg.MinFieldCoverage) {
		byCategory[f.Category] = append(byCategory[f.Category], f)
		capacity[f.Category] += len(snap.Coverage(f.Path))
	}
	categories := make([]string, 0, len(byCategory))
	available := 0
	for c := range byCategory {
		categories = append(categories, c)
		if cfg.MaxPerCategory > 0 && capacity[c] > cfg.MaxPerCategory {
			capacity[c] = cfg.MaxPerCategory
		}
		available += capacity[c]
	}
	sort.Strings(categories)
	if available < n {
		return domain.Challenge{}, &domain.GenerationError{DayIndex: dayIndex, Needed: n, Available: available, Reason: "not enough eligible field/country pairs"}
	}

	rng := rand.New(rand.NewSource(Seed(dayIndex)))
	plan := planCategories(rng, categories, capacity, n, cfg.MinCategorySpread)

	used := map[string]bool{}
	questions := make([]domain.QuestionSpec, 0, n)
	for ordinal, category := range plan {
		q, ok := buildQuestion(rng, snap, byCategory[category], used)
		if !ok {
			return domain.Challenge{}, &domain.GenerationError{
				DayIndex:  dayIndex,
				Needed:    n,
				Available: len(questions),
				Reason:    fmt.Sprintf("no question with distinct distractors in category %q", category),
			}
		}
		q.DayIndex = dayIndex
		q.Ordinal = ordinal
		questions = append(questions, q)
	}
	return domain.Challenge{DayIndex: dayIndex, DatasetVersion: snap.Version, Questions: questions}, nil
}

// planCategories picks n category slots: first a spread of distinct categories, then random
// fills that respect each category's capacity. The slot order is shuffled.
func planCategories(rng *rand.Rand, categories []string, capacity map[string]int, n, minSpread int) []string {
	order := append([]string(nil), categories...)
	rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	counts := make(map[string]int, len(categories))
	plan := make([]string, 0, n)
	for _, c := range order {
		if len(plan) >= minSpread || len(plan) >= n {
			break
		}
		plan = append(plan, c)
		counts[c]++
	}
	for len(plan) < n {
		open := make([]string, 0, len(categories))
		for _, c := range categories {
			if counts[c] < capacity[c] {
				open = append(open, c)
			}
		}
		c := open[rng.Intn(len(open))]
		plan = append(plan, c)
		counts[c]++
	}
	rng.Shuffle(len(plan), func(i, j int) { plan[i], plan[j] = plan[j], plan[i] })
	return plan
}

func buildQuestion(rng *rand.Rand, snap *dataset.Snapshot, fields []dataset.Field, used map[string]bool) (domain.QuestionSpec, bool) {
	fieldOrder := rng.Perm(len(fields))
	for _, fi := range fieldOrder {
		field := fields[fi]
		coverage := snap.Coverage(field.Path)

		refs := make([]string, 0, len(coverage))
		for _, id := range coverage {
			if !used[pairKey(field.Path, id)] {
				refs = append(refs, id)
			}
		}
		rng.Shuffle(len(refs), func(i, j int) { refs[i], refs[j] = refs[j], refs[i] })

		for _, ref := range refs {
			q, ok := questionFor(rng, snap, field, ref, coverage)
			if ok {
				used[pairKey(field.Path, ref)] = true
				return q, true
			}
		}
	}
	return domain.QuestionSpec{}, false
}

func questionFor(rng *rand.Rand, snap *dataset.Snapshot, field dataset.Field, ref string, coverage []string) (domain.QuestionSpec, bool) {
	refValue, _ := snap.Lookup(ref, field.Path)
	correct := field.Display(refValue)

	pool := make([]string, 0, len(coverage)-1)
	for _, id := range coverage {
		if id != ref {
			pool = append(pool, id)
		}
	}
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	seen := map[string]bool{correct: true}
	distractors := make([]string, 0, optionsPerQuestion-1)
	for _, id := range pool {
		v, _ := snap.Lookup(id, field.Path)
		display := field.Display(v)
		if seen[display] {
			continue
		}
		seen[display] = true
		distractors = append(distractors, display)
		if len(distractors) == optionsPerQuestion-1 {
			break
		}
	}
	if len(distractors) < optionsPerQuestion-1 {
		return domain.QuestionSpec{}, false
	}

	values := append([]string{correct}, distractors...)
	perm := rng.Perm(optionsPerQuestion)
	options := make([]string, optionsPerQuestion)
	correctIndex := 0
	for pos, src := range perm {
		options[pos] = values[src]
		if src == 0 {
			correctIndex = pos
		}
	}

	country, _ := snap.Country(ref)
	template := field.Template()
	prompt := strings.NewReplacer("{country}", country.Name, "{label}", field.Label).Replace(template)
	return domain.QuestionSpec{
		Category:       field.Category,
		Field:          field.Path,
		CountryID:      ref,
		CountryName:    country.Name,
		Region:         country.Region,
		CorrectValue:   correct,
		Distractors:    distractors,
		Options:        options,
		CorrectIndex:   correctIndex,
		PromptTemplate: template,
		Prompt:         prompt,
		Explanation:    fmt.Sprintf("The %s of %s is %s.", field.Label, country.Name, correct),
	}, true
}

func pairKey(path, countryID string) string {
	return path + "|" + countryID
}

// Loader generates challenges on demand for a fixed snapshot. It satisfies the cache loaders.
type Loader struct {
	snap *dataset.Snapshot
	cfg  Config
}

func NewLoader(snap *dataset.Snapshot, cfg Config) *Loader {
	return &Loader{snap: snap, cfg: cfg}
}

// DatasetVersion reports the snapshot version used for cache keys.
func (l *Loader) DatasetVersion() string {
	return l.snap.Version
}

func (l *Loader) LoadChallenge(_ context.Context, dayIndex int) (domain.Challenge, error) {
	return Generate(dayIndex, l.snap, l.cfg)
}
