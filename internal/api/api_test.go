package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openai/openai-go"

	"github.com/intakeflow/intakeflow/internal/events"
	"github.com/intakeflow/intakeflow/internal/flow"
	"github.com/intakeflow/intakeflow/internal/models"
	"github.com/intakeflow/intakeflow/internal/session"
	"github.com/intakeflow/intakeflow/internal/store"
	"github.com/intakeflow/intakeflow/internal/testutil"
)

// offlineGenAI always fails, so phrasing and extraction fall back to their
// deterministic paths in every handler test.
type offlineGenAI struct{}

func (offlineGenAI) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	return "", errors.New("model unavailable")
}

func (offlineGenAI) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return "", errors.New("model unavailable")
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st := store.NewInMemoryStore()
	if _, err := st.SeedFlow(flow.DefaultFlowName, flow.DefaultSteps()); err != nil {
		t.Fatalf("failed to seed flow: %v", err)
	}
	bus := events.NewBus()
	eng, err := flow.NewEngine(flow.DefaultFlowName, st, session.NewInMemoryStore(), offlineGenAI{}, flow.WithBus(bus))
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	return NewServer(eng, st, bus)
}

func startSession(t *testing.T, srv *Server, sessionID string) {
	t.Helper()
	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/api/intake/start", models.StartRequest{SessionID: sessionID})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "startSession")
}

func TestStartHandlerNewSession(t *testing.T) {
	srv := newTestServer(t)
	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/api/intake/start", models.StartRequest{SessionID: "session_api_1"})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "start")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	reply, _ := testutil.ResultField(t, resp, "reply").(string)
	if !strings.Contains(reply, "Michelle Ross") || !strings.Contains(reply, "first name") {
		t.Errorf("start reply should greet and ask the first question, got %q", reply)
	}
	state, _ := testutil.ResultField(t, resp, "state").(map[string]interface{})
	if state["current_step"] != "collect_first_name" {
		t.Errorf("expected current_step collect_first_name, got %v", state["current_step"])
	}
}

func TestStartHandlerGeneratesSessionID(t *testing.T) {
	srv := newTestServer(t)
	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/api/intake/start", models.StartRequest{})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "start without session_id")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	sessionID, _ := testutil.ResultField(t, resp, "session_id").(string)
	if !strings.HasPrefix(sessionID, "injury_") {
		t.Errorf("expected generated session id with injury_ prefix, got %q", sessionID)
	}
}

func TestStartHandlerUnknownFlow(t *testing.T) {
	srv := newTestServer(t)
	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/api/intake/start", models.StartRequest{FlowName: "no_such_flow"})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "start with unknown flow")
	testutil.AssertJSONResponse(t, rr, "error")
}

func TestStartHandlerRejectsBadJSON(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/intake/start", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "start with bad JSON")
}

func TestStartHandlerMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/intake/start", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "start with GET")
	if allow := rr.Header().Get("Allow"); allow != http.MethodPost {
		t.Errorf("expected Allow header %q, got %q", http.MethodPost, allow)
	}
}

func TestMessageHandlerAdvancesConversation(t *testing.T) {
	srv := newTestServer(t)
	startSession(t, srv, "session_api_msg")

	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/api/intake/message", models.MessageRequest{
		SessionID: "session_api_msg",
		Message:   "My first name is Shree",
	})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "message")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	reply, _ := testutil.ResultField(t, resp, "reply").(string)
	if !strings.Contains(reply, "Thanks Shree.") {
		t.Errorf("expected next question rendered with first name, got %q", reply)
	}
	state, _ := testutil.ResultField(t, resp, "state").(map[string]interface{})
	collected, _ := state["collected_data"].(map[string]interface{})
	if collected["first_name"] != "Shree" {
		t.Errorf("expected first_name collected, got %v", collected)
	}
	if state["current_step"] != "collect_last_name" {
		t.Errorf("expected current_step collect_last_name, got %v", state["current_step"])
	}
}

func TestMessageHandlerUnknownSession(t *testing.T) {
	srv := newTestServer(t)
	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/api/intake/message", models.MessageRequest{
		SessionID: "never_started",
		Message:   "hello",
	})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "message to unknown session")
	testutil.AssertJSONResponse(t, rr, "error")
}

func TestMessageHandlerMissingFields(t *testing.T) {
	srv := newTestServer(t)
	cases := []models.MessageRequest{
		{Message: "hello"},
		{SessionID: "session_api_missing"},
	}
	for _, c := range cases {
		req := testutil.CreateHTTPRequest(t, http.MethodPost, "/api/intake/message", c)
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "message with missing field")
	}
}

func TestMessageHandlerRotatesSessionOnFarewell(t *testing.T) {
	srv := newTestServer(t)
	startSession(t, srv, "session_api_rotate")

	answers := []string{
		"My first name is Shree",
		"My last name is Iyer",
		"It happened on March 15th, 2024",
		"It was at the corner of 5th and Main",
		"I slipped on a wet floor in the lobby and fell hard",
		"I hurt my wrist and bruised my hip",
		"No, I haven't seen a doctor yet",
		"There was one witness",
		"I don't know",
		"Yes, I filed a report with the police",
	}
	var resp map[string]interface{}
	for _, answer := range answers {
		req := testutil.CreateHTTPRequest(t, http.MethodPost, "/api/intake/message", models.MessageRequest{
			SessionID: "session_api_rotate",
			Message:   answer,
		})
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "intake turn")
		resp = testutil.AssertJSONResponse(t, rr, "ok")
		result, _ := resp["result"].(map[string]interface{})
		if _, rotated := result["next_session_id"]; rotated {
			t.Fatalf("no rotation expected before farewell, got %v", result)
		}
	}
	state, _ := testutil.ResultField(t, resp, "state").(map[string]interface{})
	if state["complete"] != true {
		t.Fatalf("intake should be complete after all answers, got %v", state)
	}

	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/api/intake/message", models.MessageRequest{
		SessionID: "session_api_rotate",
		Message:   "thanks, bye",
	})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "farewell turn")
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	if reply, _ := testutil.ResultField(t, resp, "reply").(string); reply != flow.ClosingMessage {
		t.Errorf("farewell should return the closing line, got %q", reply)
	}
	next, _ := testutil.ResultField(t, resp, "next_session_id").(string)
	if !strings.HasPrefix(next, "injury_") || next == "session_api_rotate" {
		t.Errorf("expected a fresh rotated session id, got %q", next)
	}
}

func TestStateHandler(t *testing.T) {
	srv := newTestServer(t)
	startSession(t, srv, "session_api_state")

	req := testutil.CreateHTTPRequest(t, http.MethodGet, "/api/intake/state?session_id=session_api_state", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "state")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if got := testutil.ResultField(t, resp, "session_id"); got != "session_api_state" {
		t.Errorf("expected session_id in snapshot, got %v", got)
	}
	if complete := testutil.ResultField(t, resp, "complete"); complete != false {
		t.Errorf("fresh session should not be complete, got %v", complete)
	}
}

func TestStateHandlerMissingParam(t *testing.T) {
	srv := newTestServer(t)
	req := testutil.CreateHTTPRequest(t, http.MethodGet, "/api/intake/state", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "state without session_id")
}

func TestStateHandlerUnknownSession(t *testing.T) {
	srv := newTestServer(t)
	req := testutil.CreateHTTPRequest(t, http.MethodGet, "/api/intake/state?session_id=ghost", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "state for unknown session")
}

func TestListStepsHandler(t *testing.T) {
	srv := newTestServer(t)
	req := testutil.CreateHTTPRequest(t, http.MethodGet, "/api/flow/steps", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "list steps")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	steps, ok := resp["result"].([]interface{})
	if !ok || len(steps) != 10 {
		t.Fatalf("expected 10 seeded steps, got %v", resp["result"])
	}
	first, _ := steps[0].(map[string]interface{})
	if first["name"] != "collect_first_name" {
		t.Errorf("expected chain to start at collect_first_name, got %v", first["name"])
	}
}

func TestInsertStepHandler(t *testing.T) {
	srv := newTestServer(t)
	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/api/flow/steps", models.StepInsert{
		InsertAfter: "collect_last_name",
		AskPrompt:   "What is the best phone number to reach you?",
		InputKey:    "phone_number",
	})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "insert step")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	steps, _ := resp["result"].([]interface{})
	if len(steps) != 11 {
		t.Fatalf("expected 11 steps after insert, got %d", len(steps))
	}
	inserted, _ := steps[2].(map[string]interface{})
	if inserted["input_key"] != "phone_number" {
		t.Errorf("expected new step third in chain, got %v", inserted)
	}
}

func TestInsertStepHandlerValidation(t *testing.T) {
	srv := newTestServer(t)
	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/api/flow/steps", models.StepInsert{
		AskPrompt: "Missing insert_after",
	})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "insert without insert_after")
}

func TestInsertStepHandlerUnknownPredecessor(t *testing.T) {
	srv := newTestServer(t)
	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/api/flow/steps", models.StepInsert{
		InsertAfter: "no_such_step",
		AskPrompt:   "Does this work?",
	})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "insert after unknown step")
}

func TestUpdateStepHandler(t *testing.T) {
	srv := newTestServer(t)
	prompt := "On what date did the incident occur?"
	req := testutil.CreateHTTPRequest(t, http.MethodPatch, "/api/flow/steps/incident_date", models.StepUpdate{
		AskPrompt: &prompt,
	})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "update step")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	steps, _ := resp["result"].([]interface{})
	var found bool
	for _, raw := range steps {
		step, _ := raw.(map[string]interface{})
		if step["name"] == "incident_date" {
			found = true
			if step["ask_prompt"] != prompt {
				t.Errorf("expected updated prompt, got %v", step["ask_prompt"])
			}
		}
	}
	if !found {
		t.Error("incident_date missing from refreshed step list")
	}
}

func TestUpdateStepHandlerUnknownStep(t *testing.T) {
	srv := newTestServer(t)
	prompt := "irrelevant"
	req := testutil.CreateHTTPRequest(t, http.MethodPatch, "/api/flow/steps/no_such_step", models.StepUpdate{AskPrompt: &prompt})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "update unknown step")
}

func TestDeleteStepHandler(t *testing.T) {
	srv := newTestServer(t)
	req := testutil.CreateHTTPRequest(t, http.MethodDelete, "/api/flow/steps/witness_names", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "delete step")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	steps, _ := resp["result"].([]interface{})
	if len(steps) != 9 {
		t.Fatalf("expected 9 steps after delete, got %d", len(steps))
	}
	for _, raw := range steps {
		step, _ := raw.(map[string]interface{})
		if step["name"] == "witness_names" {
			t.Error("deleted step still present in chain")
		}
		if step["name"] == "witnesses" && step["next_name"] != "other_reports" {
			t.Errorf("expected chain bridged around deleted step, got next %v", step["next_name"])
		}
	}
}

func TestStepHandlerMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)
	req := testutil.CreateHTTPRequest(t, http.MethodGet, "/api/flow/steps/incident_date", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "GET single step")
}

func TestWSStreamsSessionEvents(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?session_id=session_ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	// The handler subscribes right after the upgrade; give it a beat so
	// the start events are not published before the subscription exists.
	time.Sleep(100 * time.Millisecond)
	startSession(t, srv, "session_ws")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev models.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if ev.Event != models.EventSessionStarted {
		t.Errorf("expected session_started first, got %v", ev.Event)
	}
	if ev.SessionID != "session_ws" {
		t.Errorf("expected event for session_ws, got %v", ev.SessionID)
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("failed to read second event: %v", err)
	}
	if ev.Event != models.EventNodeEntered {
		t.Errorf("expected node_entered second, got %v", ev.Event)
	}
}

func TestWSRequiresSessionID(t *testing.T) {
	srv := newTestServer(t)
	req := testutil.CreateHTTPRequest(t, http.MethodGet, "/ws", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "ws without session_id")
}
