package app

import (
	"sync"
	"time"

	"daily-atlas-service/internal/domain"
)

// State is a play session state.
type State string

const (
	StateLoading       State = "loading"
	StateReady         State = "ready"
	StatePlaying       State = "playing"
	StateAnswered      State = "answered"
	StateFinished      State = "finished"
	StateAlreadyPlayed State = "already_played"
)

// EventType tags the payload of an Event.
type EventType string

const (
	EventState         EventType = "state"
	EventQuestion      EventType = "question"
	EventAnswerResult  EventType = "answerResult"
	EventFinished      EventType = "finished"
	EventAlreadyPlayed EventType = "alreadyPlayed"
)

// Event is one transition emitted to the UI layer.
type Event struct {
	Type      EventType                `json:"type"`
	SessionID string                   `json:"sessionId"`
	State     State                    `json:"state"`
	DayIndex  int                      `json:"dayIndex"`
	Total     int                      `json:"total,omitempty"`
	Question  *domain.PublicQuestion   `json:"question,omitempty"`
	Answer    *AnswerResult            `json:"answer,omitempty"`
	Result    *domain.CommitResult     `json:"result,omitempty"`
	Attempt   *domain.Attempt          `json:"attempt,omitempty"`
	Progress  *domain.ProgressionState `json:"progress,omitempty"`
}

// AnswerResult is the feedback for one submitted answer.
type AnswerResult struct {
	Ordinal        int     `json:"ordinal"`
	Choice         int     `json:"choice"`
	Correct        bool    `json:"correct"`
	CorrectIndex   int     `json:"correctIndex"`
	LatencySeconds float64 `json:"latencySeconds"`
	TimedOut       bool    `json:"timedOut"`
	Explanation    string  `json:"explanation"`
}

// pendingCommit is a computed but not yet persisted result. A failed write keeps it so the
// retry writes the same numbers.
type pendingCommit struct {
	attempt domain.Attempt
	delta   domain.ProgressionDelta
	coins   domain.CoinBreakdown
	unlocks []domain.Unlock
}

// Session is one identity's play-through of one day. All transitions happen in memory; only
// the final commit is persisted.
type Session struct {
	id       string
	dayIndex int
	budget   float64
	now      func() time.Time

	mu          sync.Mutex
	identity    domain.Identity
	state       State
	challenge   domain.Challenge
	current     int
	shownAt     time.Time
	answered    []bool
	results     []bool
	latencies   []float64
	choices     []int
	pending     *pendingCommit
	result      *domain.CommitResult
	prior       *domain.Attempt
	progress    *domain.ProgressionState
	subscribers map[chan Event]struct{}
}

// NewSession returns a session in the loading state. budget is the per-question time budget
// in seconds.
func NewSession(id string, identity domain.Identity, dayIndex int, budget float64, now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	return &Session{
		id:          id,
		identity:    identity,
		dayIndex:    dayIndex,
		budget:      budget,
		now:         now,
		state:       StateLoading,
		subscribers: make(map[chan Event]struct{}),
	}
}

func (s *Session) ID() string { return s.id }
func (s *Session) DayIndex() int { return s.dayIndex }

func (s *Session) Identity() domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// rebind moves the session to the account its anonymous identity was linked to. A pending
// result was computed for the old identity and is dropped.
func (s *Session) rebind(identity domain.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = identity
	s.pending = nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the event describing the current state, as sent to new subscribers.
func (s *Session) Snapshot() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) markAlreadyPlayed(prior *domain.Attempt, progress domain.ProgressionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateAlreadyPlayed
	s.prior = prior
	s.progress = &progress
	s.pending = nil
	s.broadcastLocked(s.snapshotLocked())
}

func (s *Session) markReady(challenge domain.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLoading {
		return domain.ErrInvalidTransition
	}
	n := len(challenge.Questions)
	s.challenge = challenge
	s.answered = make([]bool, n)
	s.results = make([]bool, n)
	s.latencies = make([]float64, n)
	s.choices = make([]int, n)
	for i := range s.choices {
		s.choices[i] = domain.NoAnswer
	}
	s.state = StateReady
	s.broadcastLocked(s.snapshotLocked())
	return nil
}

func (s *Session) start() (domain.PublicQuestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return domain.PublicQuestion{}, domain.ErrInvalidTransition
	}
	s.state = StatePlaying
	s.current = 0
	return s.showLocked(), nil
}

func (s *Session) answer(ordinal, choice int) (AnswerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ordinal < 0 || ordinal >= len(s.challenge.Questions) {
		return AnswerResult{}, domain.ErrOrdinalOutOfRange
	}
	if s.answered != nil && s.answered[ordinal] {
		return AnswerResult{}, domain.ErrAlreadyAnswered
	}
	if s.state != StatePlaying || ordinal != s.current {
		return AnswerResult{}, domain.ErrInvalidTransition
	}
	q := s.challenge.Questions[ordinal]
	if choice != domain.NoAnswer && (choice < 0 || choice >= len(q.Options)) {
		return AnswerResult{}, domain.ErrInvalidChoice
	}

	latency := s.now().Sub(s.shownAt).Seconds()
	if latency < 0 {
		latency = 0
	}
	timedOut := choice == domain.NoAnswer || (s.budget > 0 && latency > s.budget)
	correct := !timedOut && choice == q.CorrectIndex
	if timedOut {
		latency = s.budget
	}

	s.answered[ordinal] = true
	s.results[ordinal] = correct
	s.latencies[ordinal] = latency
	s.choices[ordinal] = choice
	s.state = StateAnswered

	res := AnswerResult{
		Ordinal:        ordinal,
		Choice:         choice,
		Correct:        correct,
		CorrectIndex:   q.CorrectIndex,
		LatencySeconds: latency,
		TimedOut:       timedOut,
		Explanation:    q.Explanation,
	}
	ev := s.eventLocked(EventAnswerResult)
	ev.Answer = &res
	s.broadcastLocked(ev)
	return res, nil
}

// advance moves to the next question. It reports done when every question is answered; the
// session then stays in answered until the commit.
func (s *Session) advance() (domain.PublicQuestion, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAnswered {
		return domain.PublicQuestion{}, false, domain.ErrInvalidTransition
	}
	if s.current+1 >= len(s.challenge.Questions) {
		return domain.PublicQuestion{}, true, nil
	}
	s.current++
	s.state = StatePlaying
	return s.showLocked(), false, nil
}

// commitInputs returns copies of the recorded answers once every ordinal is answered.
func (s *Session) commitInputs() (domain.Challenge, []bool, []float64, []int, *pendingCommit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAnswered {
		return domain.Challenge{}, nil, nil, nil, nil, domain.ErrInvalidTransition
	}
	for _, ok := range s.answered {
		if !ok {
			return domain.Challenge{}, nil, nil, nil, nil, domain.ErrInvalidTransition
		}
	}
	return s.challenge,
		append([]bool(nil), s.results...),
		append([]float64(nil), s.latencies...),
		append([]int(nil), s.choices...),
		s.pending,
		nil
}

func (s *Session) setPending(p *pendingCommit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = p
}

func (s *Session) markFinished(result domain.CommitResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateFinished
	s.result = &result
	s.pending = nil
	state := result.State
	s.progress = &state
	ev := s.eventLocked(EventFinished)
	ev.Result = &result
	s.broadcastLocked(ev)
}

// finishedResult returns the commit result if the session already finished.
func (s *Session) finishedResult() (domain.CommitResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return domain.CommitResult{}, false
	}
	return *s.result, true
}

// Subscribe returns a channel of session events, starting with the current snapshot. The
// caller must invoke cancel.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 8)

	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	ch <- s.snapshotLocked()
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Session) showLocked() domain.PublicQuestion {
	s.shownAt = s.now()
	q := s.challenge.Questions[s.current].Public()
	ev := s.eventLocked(EventQuestion)
	ev.Question = &q
	s.broadcastLocked(ev)
	return q
}

func (s *Session) eventLocked(t EventType) Event {
	return Event{
		Type:      t,
		SessionID: s.id,
		State:     s.state,
		DayIndex:  s.dayIndex,
		Total:     len(s.challenge.Questions),
	}
}

func (s *Session) snapshotLocked() Event {
	switch s.state {
	case StateAlreadyPlayed:
		ev := s.eventLocked(EventAlreadyPlayed)
		ev.Attempt = s.prior
		ev.Progress = s.progress
		return ev
	case StateFinished:
		ev := s.eventLocked(EventFinished)
		ev.Result = s.result
		return ev
	case StatePlaying:
		ev := s.eventLocked(EventQuestion)
		q := s.challenge.Questions[s.current].Public()
		ev.Question = &q
		return ev
	default:
		return s.eventLocked(EventState)
	}
}

// broadcastLocked never blocks: a full subscriber loses its oldest event.
func (s *Session) broadcastLocked(ev Event) {
	for ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
	}
}
