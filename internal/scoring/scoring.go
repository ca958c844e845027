// Package scoring turns per-question results into a score breakdown.
package scoring

import (
	"fmt"
	"math"

	"daily-atlas-service/internal/domain"
)

type Config struct {
	PointsPerCorrect   int
	MaxSpeedBonus      int
	SpeedCutoffSeconds float64
	TimeBudgetSeconds  float64
	StreakBonusPerDay  int
	MaxStreakBonus     int
}

func DefaultConfig() Config {
	return Config{
		PointsPerCorrect:   100,
		MaxSpeedBonus:      50,
		SpeedCutoffSeconds: 10,
		TimeBudgetSeconds:  15,
		StreakBonusPerDay:  10,
		MaxStreakBonus:     100,
	}
}

// Score computes the breakdown for one attempt. Malformed input is a caller bug and is
// reported as domain.ErrContractViolation.
func Score(results []bool, latencies []float64, streakAtCompletion int, cfg Config) (domain.ScoreBreakdown, error) {
	if len(results) != len(latencies) {
		return domain.ScoreBreakdown{}, fmt.Errorf("%w: %d results, %d latencies", domain.ErrContractViolation, len(results), len(latencies))
	}

	var out domain.ScoreBreakdown
	var totalTime float64
	for i, correct := range results {
		latency := latencies[i]
		if latency < 0 || math.IsNaN(latency) || math.IsInf(latency, 0) {
			return domain.ScoreBreakdown{}, fmt.Errorf("%w: latency %v at %d", domain.ErrContractViolation, latency, i)
		}
		totalTime += latency
		if !correct {
			continue
		}
		out.CorrectCount++
		out.SpeedBonus += SpeedBonus(latency, cfg)
	}
	out.BaseScore = out.CorrectCount * cfg.PointsPerCorrect
	out.StreakBonus = StreakBonus(streakAtCompletion, cfg)
	out.TotalScore = out.BaseScore + out.SpeedBonus + out.StreakBonus
	if len(latencies) > 0 {
		out.AverageTime = totalTime / float64(len(latencies))
	}
	return out, nil
}

// SpeedBonus decays linearly from MaxSpeedBonus at 0s to zero at the cutoff.
func SpeedBonus(latency float64, cfg Config) int {
	if cfg.SpeedCutoffSeconds <= 0 || latency >= cfg.SpeedCutoffSeconds {
		return 0
	}
	return int(math.Round(float64(cfg.MaxSpeedBonus) * (1 - latency/cfg.SpeedCutoffSeconds)))
}

// StreakBonus grows with the streak and is capped at MaxStreakBonus.
func StreakBonus(streak int, cfg Config) int {
	if streak <= 0 {
		return 0
	}
	bonus := streak * cfg.StreakBonusPerDay
	if bonus > cfg.MaxStreakBonus {
		return cfg.MaxStreakBonus
	}
	return bonus
}

// ClampLatency bounds a measured latency to [0, TimeBudgetSeconds].
func ClampLatency(latency float64, cfg Config) float64 {
	if latency < 0 || math.IsNaN(latency) {
		return 0
	}
	if cfg.TimeBudgetSeconds > 0 && latency > cfg.TimeBudgetSeconds {
		return cfg.TimeBudgetSeconds
	}
	return latency
}
