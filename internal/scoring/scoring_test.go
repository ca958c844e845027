package scoring

import (
	"errors"
	"math"
	"testing"

	"daily-atlas-service/internal/domain"
)

func TestScorePerfectFastGame(t *testing.T) {
	results := make([]bool, 10)
	latencies := make([]float64, 10)
	for i := range results {
		results[i] = true
		latencies[i] = 1
	}
	got, err := Score(results, latencies, 5, DefaultConfig())
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	want := domain.ScoreBreakdown{
		BaseScore:    1000,
		SpeedBonus:   450,
		StreakBonus:  50,
		TotalScore:   1500,
		CorrectCount: 10,
		AverageTime:  1,
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestScoreIgnoresSpeedOfWrongAnswers(t *testing.T) {
	got, err := Score([]bool{false, true}, []float64{0, 12}, 0, DefaultConfig())
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if got.SpeedBonus != 0 || got.BaseScore != 100 || got.TotalScore != 100 {
		t.Fatalf("unexpected breakdown %+v", got)
	}
	if got.AverageTime != 6 {
		t.Fatalf("expected average 6, got %v", got.AverageTime)
	}
}

func TestScoreIsMonotonicInCorrectness(t *testing.T) {
	latencies := []float64{0.5, 3, 9.9, 10, 15}
	cfg := DefaultConfig()
	for mask := 0; mask < 1<<len(latencies); mask++ {
		results := make([]bool, len(latencies))
		for i := range results {
			results[i] = mask&(1<<i) != 0
		}
		base, err := Score(results, latencies, 3, cfg)
		if err != nil {
			t.Fatalf("score: %v", err)
		}
		for i := range results {
			if results[i] {
				continue
			}
			flipped := append([]bool(nil), results...)
			flipped[i] = true
			better, err := Score(flipped, latencies, 3, cfg)
			if err != nil {
				t.Fatalf("score: %v", err)
			}
			if better.TotalScore < base.TotalScore {
				t.Fatalf("flipping %d decreased score: %d -> %d", i, base.TotalScore, better.TotalScore)
			}
		}
	}
}

func TestStreakBonusIsCappedAndMonotonic(t *testing.T) {
	cfg := DefaultConfig()
	prev := -1
	for streak := 0; streak < 40; streak++ {
		b := StreakBonus(streak, cfg)
		if b < prev {
			t.Fatalf("streak bonus decreased at %d", streak)
		}
		if b > cfg.MaxStreakBonus {
			t.Fatalf("streak bonus %d above cap", b)
		}
		prev = b
	}
	if StreakBonus(100, cfg) != cfg.MaxStreakBonus {
		t.Fatalf("expected cap")
	}
}

func TestScoreRejectsMalformedInput(t *testing.T) {
	if _, err := Score([]bool{true}, nil, 0, DefaultConfig()); !errors.Is(err, domain.ErrContractViolation) {
		t.Fatalf("expected contract violation for length mismatch, got %v", err)
	}
	if _, err := Score([]bool{true}, []float64{-1}, 0, DefaultConfig()); !errors.Is(err, domain.ErrContractViolation) {
		t.Fatalf("expected contract violation for negative latency, got %v", err)
	}
	if _, err := Score([]bool{true}, []float64{math.NaN()}, 0, DefaultConfig()); !errors.Is(err, domain.ErrContractViolation) {
		t.Fatalf("expected contract violation for NaN latency, got %v", err)
	}
}

func TestClampLatency(t *testing.T) {
	cfg := DefaultConfig()
	if ClampLatency(-2, cfg) != 0 {
		t.Fatalf("expected negative clamped to 0")
	}
	if ClampLatency(99, cfg) != cfg.TimeBudgetSeconds {
		t.Fatalf("expected clamp to budget")
	}
}
