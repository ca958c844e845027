package app

import (
	"testing"
	"time"

	"daily-atlas-service/internal/domain"
)

func testChallenge(n int) domain.Challenge {
	c := domain.Challenge{DayIndex: 2}
	for i := 0; i < n; i++ {
		c.Questions = append(c.Questions, domain.QuestionSpec{
			DayIndex:     2,
			Ordinal:      i,
			Options:      []string{"a", "b", "c", "d"},
			CorrectIndex: i % 4,
		})
	}
	return c
}

func TestSessionLatencyBeyondBudgetIsTimeout(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	s := NewSession("s", domain.Identity{ID: "u"}, 2, 15, func() time.Time { return now })
	if err := s.markReady(testChallenge(2)); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if _, err := s.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	now = now.Add(20 * time.Second)
	res, err := s.answer(0, 0)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if res.Correct || !res.TimedOut || res.LatencySeconds != 15 {
		t.Fatalf("expected late correct choice to time out, got %+v", res)
	}

	if _, done, err := s.advance(); err != nil || done {
		t.Fatalf("advance: done=%v err=%v", done, err)
	}
	now = now.Add(2500 * time.Millisecond)
	res, err = s.answer(1, 1)
	if err != nil || !res.Correct || res.LatencySeconds != 2.5 {
		t.Fatalf("unexpected answer %+v err=%v", res, err)
	}
	if _, done, err := s.advance(); err != nil || !done {
		t.Fatalf("expected done after last answer, got done=%v err=%v", done, err)
	}

	_, results, latencies, choices, pending, err := s.commitInputs()
	if err != nil {
		t.Fatalf("commit inputs: %v", err)
	}
	if results[0] || !results[1] || latencies[0] != 15 || choices[1] != 1 || pending != nil {
		t.Fatalf("unexpected inputs %v %v %v", results, latencies, choices)
	}
}

func TestSessionSubscriberNeverBlocks(t *testing.T) {
	s := NewSession("s", domain.Identity{ID: "u"}, 2, 15, nil)
	ch, cancel := s.Subscribe()
	defer cancel()
	if err := s.markReady(testChallenge(30)); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if _, err := s.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 29; i++ {
		if _, err := s.answer(i, 0); err != nil {
			t.Fatalf("answer %d: %v", i, err)
		}
		if _, _, err := s.advance(); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	if len(ch) != cap(ch) {
		t.Fatalf("expected full buffer with oldest events dropped, got %d", len(ch))
	}
	var last Event
	for len(ch) > 0 {
		last = <-ch
	}
	if last.Type != EventQuestion || last.Question.Ordinal != 29 {
		t.Fatalf("expected newest event kept, got %+v", last)
	}
}
