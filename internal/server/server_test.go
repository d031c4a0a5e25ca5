package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"studiocrm/internal/config"
	"studiocrm/internal/db"
	"studiocrm/internal/domain"
	"studiocrm/internal/engine"
	"studiocrm/internal/engine/auth"
	"studiocrm/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("studio-1")
	e := engine.New(conn, cfg)
	ctx := context.Background()
	if err := e.Repo.UpsertStudioConfig(ctx, nil, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	if _, err := e.CreateEmployee(ctx, auth.System(), engine.NewEmployee{
		FullName: "Head", Position: domain.PositionStudioHead, Login: "head", Password: "head-pw",
	}); err != nil {
		t.Fatalf("hire head: %v", err)
	}
	handler, err := New(Config{Engine: e, Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL + "/v1", Engine: e, client: srv.Client()}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func (s *testServer) login(t *testing.T, login, password string) string {
	t.Helper()
	res, data := s.do(t, http.MethodPost, "/auth/login", "", map[string]any{"login": login, "password": password})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login %s status %d: %s", login, res.StatusCode, data)
	}
	var out LoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if out.Token == "" {
		t.Fatalf("empty token")
	}
	return out.Token
}

func (s *testServer) hire(t *testing.T, token, name string, position domain.Position) domain.Employee {
	t.Helper()
	res, data := s.do(t, http.MethodPost, "/employees", token, map[string]any{
		"full_name": name,
		"position":  position,
		"login":     strings.ToLower(name),
		"password":  name + "-pw",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("hire %s status %d: %s", name, res.StatusCode, data)
	}
	var emp domain.Employee
	if err := json.Unmarshal(data, &emp); err != nil {
		t.Fatalf("unmarshal employee: %v", err)
	}
	return emp
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, data)
	}
	return env.Error
}

func TestMoveRejectionIsReturnedWithChecklist(t *testing.T) {
	srv := newTestServer(t)
	head := srv.login(t, "head", "head-pw")
	srv.hire(t, head, "Mara", domain.PositionManager)
	manager := srv.login(t, "mara", "Mara-pw")

	res, data := srv.do(t, http.MethodPost, "/contracts", manager, map[string]any{
		"number":       "C-100",
		"project_type": domain.ProjectIndividual,
		"area":         80,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create contract status %d: %s", res.StatusCode, data)
	}
	var created ContractResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal contract: %v", err)
	}
	cardID := created.Card.ID
	if created.Card.Column != domain.ColumnNewOrder {
		t.Fatalf("new card column = %q", created.Card.Column)
	}

	res, data = srv.do(t, http.MethodPost, "/cards/"+cardID+"/move", manager, map[string]any{"to": domain.ColumnPlanning})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("move to planning status %d: %s", res.StatusCode, data)
	}
	var moved MoveResponse
	if err := json.Unmarshal(data, &moved); err != nil {
		t.Fatalf("unmarshal move: %v", err)
	}
	if !moved.Moved || moved.Card.Column != domain.ColumnPlanning {
		t.Fatalf("expected card in planning, got %+v", moved)
	}
	if len(moved.Warnings) == 0 {
		t.Fatalf("expected a warning for the skipped executor choice")
	}

	res, data = srv.do(t, http.MethodPost, "/cards/"+cardID+"/move", manager, map[string]any{"to": domain.ColumnDesignConcept})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rejected move status %d: %s", res.StatusCode, data)
	}
	var rejected MoveResponse
	if err := json.Unmarshal(data, &rejected); err != nil {
		t.Fatalf("unmarshal rejection: %v", err)
	}
	if rejected.Moved || rejected.Decision.Allowed {
		t.Fatalf("expected rejection, got %+v", rejected)
	}
	if rejected.ChecklistText != "submitted: ✗, accepted: ✗, approved: ✗" {
		t.Fatalf("checklist text = %q", rejected.ChecklistText)
	}

	res, data = srv.do(t, http.MethodGet, "/cards/"+cardID, manager, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get card status %d: %s", res.StatusCode, data)
	}
	var detail CardDetail
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal card: %v", err)
	}
	if detail.Card.Column != domain.ColumnPlanning {
		t.Fatalf("card moved despite rejection: %q", detail.Card.Column)
	}
	if len(detail.Columns) == 0 || detail.Contract.Number != "C-100" {
		t.Fatalf("unexpected detail %+v", detail)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	res, _ := srv.do(t, http.MethodGet, "/health", "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	res, data := srv.do(t, http.MethodGet, "/cards", "", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, data)
	}
	if got := decodeError(t, data).Code; got != "unauthorized" {
		t.Fatalf("code = %q", got)
	}

	res, data = srv.do(t, http.MethodGet, "/cards", "not-a-token", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
	if got := decodeError(t, data).Code; got != "invalid_credentials" {
		t.Fatalf("code = %q", got)
	}

	res, data = srv.do(t, http.MethodPost, "/auth/login", "", map[string]any{"login": "head", "password": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d: %s", res.StatusCode, data)
	}

	token := srv.login(t, "head", "head-pw")
	res, data = srv.do(t, http.MethodGet, "/me", token, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, data)
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.Tier != domain.TierA || me.Employee.Login != "head" {
		t.Fatalf("unexpected me %+v", me)
	}
}

func TestForbiddenAndNotFound(t *testing.T) {
	srv := newTestServer(t)
	head := srv.login(t, "head", "head-pw")
	srv.hire(t, head, "Dana", domain.PositionDesigner)
	designer := srv.login(t, "dana", "Dana-pw")

	res, data := srv.do(t, http.MethodPost, "/employees", designer, map[string]any{
		"full_name": "Someone",
		"position":  domain.PositionDraftsman,
	})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, data)
	}
	body := decodeError(t, data)
	if body.Code != "forbidden" || body.Details["tier"] != "C" {
		t.Fatalf("unexpected forbidden body %+v", body)
	}

	res, data = srv.do(t, http.MethodGet, "/contracts/missing", head, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, data)
	}
	if got := decodeError(t, data).Code; got != "not_found" {
		t.Fatalf("code = %q", got)
	}

	res, data = srv.do(t, http.MethodPost, "/contracts", head, map[string]any{
		"number":       "C-1",
		"project_type": domain.ProjectIndividual,
		"area":         -5,
	})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, data)
	}
}

func TestHistoryPaging(t *testing.T) {
	srv := newTestServer(t)
	head := srv.login(t, "head", "head-pw")
	srv.hire(t, head, "Ann", domain.PositionDesigner)
	srv.hire(t, head, "Bob", domain.PositionDraftsman)

	res, data := srv.do(t, http.MethodGet, "/history?entity_type=employee&limit=2", head, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, data)
	}
	var page paginatedHistory
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full page with cursor, got %+v", page)
	}
	if page.Items[0].ID < page.Items[1].ID {
		t.Fatalf("history not newest first")
	}

	res, data = srv.do(t, http.MethodGet, "/history?entity_type=employee&limit=2&cursor="+page.NextCursor, head, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history page 2 status %d: %s", res.StatusCode, data)
	}
	var next paginatedHistory
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(next.Items) != 1 || next.NextCursor != "" {
		t.Fatalf("expected the last entry only, got %+v", next)
	}

	res, _ = srv.do(t, http.MethodGet, "/history?cursor=abc", head, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", res.StatusCode)
	}
}

func TestActionFilter(t *testing.T) {
	cases := []struct {
		events []string
		action string
		want   bool
	}{
		{nil, "card.moved", true},
		{[]string{"*"}, "stage.accepted", true},
		{[]string{"card.moved"}, "card.moved", true},
		{[]string{"card.moved"}, "card.reset", false},
		{[]string{"card.*"}, "card.reset", true},
		{[]string{"card.*", "payment.manual_amount"}, "payment.manual_amount", true},
		{[]string{"card.*"}, "contract.created", false},
		{[]string{" ", ""}, "role.cleared", true},
	}
	for _, tc := range cases {
		if got := newActionFilter(tc.events).match(tc.action); got != tc.want {
			t.Fatalf("filter %v match %q = %v, want %v", tc.events, tc.action, got, tc.want)
		}
	}
}

func TestWebhookDelivery(t *testing.T) {
	srv := newTestServer(t)
	received := make(chan webhookBody, 4)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Studiocrm-Secret") != "s3cret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var body webhookBody
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			received <- body
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	e := srv.Engine
	e.Config.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"contract.*"}, Secret: "s3cret"}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := StartWebhooks(ctx, e, nil); err != nil {
		t.Fatalf("start webhooks: %v", err)
	}

	head := srv.login(t, "head", "head-pw")
	srv.hire(t, head, "Eve", domain.PositionDesigner)
	res, data := srv.do(t, http.MethodPost, "/contracts", head, map[string]any{
		"number":       "C-7",
		"project_type": domain.ProjectTemplate,
		"area":         50,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create contract status %d: %s", res.StatusCode, data)
	}

	select {
	case body := <-received:
		if body.Action != "contract.created" || body.StudioID != "studio-1" {
			t.Fatalf("unexpected delivery %+v", body)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("webhook not delivered")
	}
}

func TestWebhooksNeedStartCursor(t *testing.T) {
	srv := newTestServer(t)
	var hits atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	e := srv.Engine
	e.Config.Webhooks = []config.WebhookConfig{{URL: hook.URL}}
	if err := e.Repo.DB.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := StartWebhooks(ctx, e, nil); err == nil {
		t.Fatalf("expected an error without a readable history cursor")
	}
	time.Sleep(100 * time.Millisecond)
	if n := hits.Load(); n != 0 {
		t.Fatalf("hook called %d times", n)
	}
}
