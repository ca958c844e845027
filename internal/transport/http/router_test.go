package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"daily-atlas-service/internal/achievement"
	"daily-atlas-service/internal/app"
	"daily-atlas-service/internal/dataset"
	"daily-atlas-service/internal/domain"
	"daily-atlas-service/internal/generator"
	"daily-atlas-service/internal/identity"
	"daily-atlas-service/internal/infra/memory"
	"daily-atlas-service/internal/ledger"
	"daily-atlas-service/internal/progression"
	"daily-atlas-service/internal/scoring"
)

type testServer struct {
	*httptest.Server
	issuer     *identity.Issuer
	local      *memory.ProgressionStore
	challenges *memory.ChallengeRepository
	svc        *app.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	snap, err := dataset.Default()
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	catalog, err := achievement.DefaultCatalog(snap.Categories(), snap.Regions())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	local := memory.NewProgressionStore()
	challenges := memory.NewChallengeRepository(generator.NewLoader(snap, generator.DefaultConfig()), time.Hour)
	svc := app.NewService(progression.NewService(local, progression.Options{}), challenges, memory.NewSessionStore(), memory.NewLocker(), app.Config{
		Epoch:        time.Now().UTC().AddDate(0, 0, -30),
		Scoring:      scoring.DefaultConfig(),
		Rewards:      ledger.DefaultRewards(),
		Achievements: catalog,
		Shop:         ledger.DefaultCatalog(),
	})
	issuer, err := identity.NewIssuer("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	hub := identity.NewHub()
	hub.OnChange(svc.OnIdentityChange)

	server := httptest.NewServer(NewRouter(svc, issuer, hub, nil))
	t.Cleanup(server.Close)
	return &testServer{Server: server, issuer: issuer, local: local, challenges: challenges, svc: svc}
}

func (s *testServer) token(t *testing.T, who domain.Identity) string {
	t.Helper()
	tok, err := s.issuer.Issue(who)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]json.RawMessage{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readUntil(t *testing.T, conn *websocket.Conn, want string) wsMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if msg.Type == want {
			return msg
		}
		if msg.Type == "error" {
			t.Fatalf("unexpected error while waiting for %s: %s", want, msg.Payload)
		}
	}
}

func dial(t *testing.T, s *testServer, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketPlayFlow(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, domain.Identity{ID: "player-ws"})
	conn := dial(t, s, token)

	var ready app.Event
	msg := readUntil(t, conn, "state")
	if err := json.Unmarshal(msg.Payload, &ready); err != nil || ready.State != app.StateReady {
		t.Fatalf("expected ready state, got %s err=%v", msg.Payload, err)
	}
	challenge, err := s.challenges.GetChallenge(context.Background(), ready.DayIndex)
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}

	if err := conn.WriteJSON(map[string]any{"type": "start"}); err != nil {
		t.Fatalf("write start: %v", err)
	}
	readUntil(t, conn, "question")

	var finished app.Event
	for i, q := range challenge.Questions {
		answer := map[string]any{"type": "answer", "payload": map[string]any{"ordinal": i, "choice": q.CorrectIndex}}
		if err := conn.WriteJSON(answer); err != nil {
			t.Fatalf("write answer: %v", err)
		}
		var res app.Event
		if err := json.Unmarshal(readUntil(t, conn, "answerResult").Payload, &res); err != nil {
			t.Fatalf("decode answer: %v", err)
		}
		if res.Answer == nil || !res.Answer.Correct || res.Answer.Ordinal != i {
			t.Fatalf("unexpected answer result %+v", res.Answer)
		}
		if err := conn.WriteJSON(map[string]any{"type": "advance"}); err != nil {
			t.Fatalf("write advance: %v", err)
		}
		if i < len(challenge.Questions)-1 {
			readUntil(t, conn, "question")
			continue
		}
		if err := json.Unmarshal(readUntil(t, conn, "finished").Payload, &finished); err != nil {
			t.Fatalf("decode finished: %v", err)
		}
	}
	if finished.Result == nil || finished.Result.Attempt.Score.CorrectCount != len(challenge.Questions) {
		t.Fatalf("unexpected finished payload %+v", finished.Result)
	}
	if finished.Result.State.GamesPlayed != 1 {
		t.Fatalf("expected one game recorded, got %d", finished.Result.State.GamesPlayed)
	}

	again := dial(t, s, token)
	var replay app.Event
	if err := json.Unmarshal(readUntil(t, again, "alreadyPlayed").Payload, &replay); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if replay.Attempt == nil || replay.Attempt.Score.TotalScore != finished.Result.Attempt.Score.TotalScore {
		t.Fatalf("expected stored attempt on replay, got %+v", replay.Attempt)
	}
}

func TestWebSocketRejectsBadCommands(t *testing.T) {
	s := newTestServer(t)
	conn := dial(t, s, s.token(t, domain.Identity{ID: "player-bad"}))
	readUntil(t, conn, "state")

	if err := conn.WriteJSON(map[string]any{"type": "dance"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var payload errorPayload
	if err := json.Unmarshal(readUntil(t, conn, "error").Payload, &payload); err != nil || payload.Code != "unsupported" {
		t.Fatalf("expected unsupported error, got %+v err=%v", payload, err)
	}

	if err := conn.WriteJSON(map[string]any{"type": "advance"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := json.Unmarshal(readUntil(t, conn, "error").Payload, &payload); err != nil || payload.Code != "invalid_transition" {
		t.Fatalf("expected invalid transition, got %+v err=%v", payload, err)
	}
}

func TestHealthzNeedsNoIdentity(t *testing.T) {
	s := newTestServer(t)
	resp, err := http.Get(s.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get(identity.TokenHeader) != "" {
		t.Fatalf("unexpected healthz response %d", resp.StatusCode)
	}
}

func TestAnonymousCallerGetsToken(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.do(t, http.MethodGet, "/api/progression", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get(identity.TokenHeader) == "" {
		t.Fatalf("expected anonymous token header")
	}
	var balance int
	if err := json.Unmarshal(body["coinBalance"], &balance); err != nil || balance != 0 {
		t.Fatalf("expected empty progression, got %s", body["coinBalance"])
	}
}

func TestShopEndpoints(t *testing.T) {
	s := newTestServer(t)
	who := domain.Identity{ID: "shopper"}
	token := s.token(t, who)
	seed := domain.NewProgressionState(who.ID)
	seed.Revision = 1
	seed.CoinBalance = 200
	seed.CoinsEarned = 200
	if _, err := s.local.PutState(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, body := s.do(t, http.MethodGet, "/api/shop", token, nil)
	var items []app.ShopEntry
	if err := json.Unmarshal(body["items"], &items); err != nil || resp.StatusCode != http.StatusOK || len(items) != 13 {
		t.Fatalf("unexpected shop %d %s", resp.StatusCode, body["items"])
	}

	resp, _ = s.do(t, http.MethodPost, "/api/shop/purchase", token, map[string]string{"itemId": "nope"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown item, got %d", resp.StatusCode)
	}
	resp, body = s.do(t, http.MethodPost, "/api/shop/purchase", token, map[string]string{"itemId": "badge_compass"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("purchase failed: %d %s", resp.StatusCode, body["error"])
	}
	resp, body = s.do(t, http.MethodPost, "/api/shop/purchase", token, map[string]string{"itemId": "theme_night"})
	if resp.StatusCode != http.StatusConflict || !strings.Contains(string(body["error"]), "insufficient_funds") {
		t.Fatalf("expected insufficient funds, got %d %s", resp.StatusCode, body["error"])
	}

	resp, _ = s.do(t, http.MethodPost, "/api/shop/equip", token, map[string]string{"slot": "theme", "itemId": "badge_compass"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected slot mismatch 400, got %d", resp.StatusCode)
	}
	resp, body = s.do(t, http.MethodPost, "/api/shop/equip", token, map[string]string{"slot": "badge", "itemId": "badge_compass"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("equip failed: %d %s", resp.StatusCode, body["error"])
	}
	var equipped domain.Equipped
	if err := json.Unmarshal(body["equipped"], &equipped); err != nil || equipped.Badge != "badge_compass" {
		t.Fatalf("unexpected equipped %s", body["equipped"])
	}
}

func TestLinkEndpointMergesOnce(t *testing.T) {
	s := newTestServer(t)
	anon := domain.Identity{ID: "anon-1", Anonymous: true}
	account := domain.Identity{ID: "acct-1"}
	for id, coins := range map[string]int{anon.ID: 500, account.ID: 300} {
		st := domain.NewProgressionState(id)
		st.Revision = 1
		st.CoinBalance = coins
		st.CoinsEarned = coins
		if _, err := s.local.PutState(context.Background(), st); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	anonToken := s.token(t, anon)
	req := map[string]string{"accountToken": s.token(t, account)}

	resp, body := s.do(t, http.MethodPost, "/api/link", anonToken, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("link failed: %d %s", resp.StatusCode, body["error"])
	}
	var state domain.ProgressionState
	if err := json.Unmarshal(body["state"], &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.IdentityID != account.ID || state.CoinBalance < 800 {
		t.Fatalf("expected merged balance of at least 800, got %+v", state)
	}

	resp, _ = s.do(t, http.MethodPost, "/api/link", anonToken, req)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected second link to conflict, got %d", resp.StatusCode)
	}
	resp, _ = s.do(t, http.MethodPost, "/api/link", s.token(t, account), req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected non-anonymous caller rejected, got %d", resp.StatusCode)
	}
}

func TestChallengeTodayHidesAnswers(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.do(t, http.MethodGet, "/api/challenge/today", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if strings.Contains(string(body["questions"]), "correctIndex") {
		t.Fatalf("answers leaked: %s", body["questions"])
	}
	var questions []domain.PublicQuestion
	if err := json.Unmarshal(body["questions"], &questions); err != nil || len(questions) != 10 {
		t.Fatalf("expected 10 questions, got %d err=%v", len(questions), err)
	}
}
