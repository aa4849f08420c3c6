package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/thoughtd/internal/api"
	"github.com/kalambet/thoughtd/internal/config"
	"github.com/kalambet/thoughtd/internal/thought"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
	User   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
			User:   r.Header.Get(api.HeaderUserID),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		userID:     "u1",
		httpClient: ts.server.Client(),
	}
}

// useClient points the commands at ts for the duration of the test.
func useClient(t *testing.T, ts *testServer) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	return rootCmd.ExecuteContext(context.Background())
}

var ctx = context.Background()

func TestThoughtAdd(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /thoughts": `{"thought":{"id":"t-1","text":"renew passport"},"job":{"job_id":"j-1","status":"queued"}}`,
	})
	useClient(t, ts)

	if err := execute(t, "thought", "add", "renew", "passport", "--tags", "admin, travel"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/thoughts" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" || r.User != "u1" {
		t.Errorf("auth = %q, user = %q", r.Auth, r.User)
	}

	var body api.CreateThoughtRequest
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body.Text != "renew passport" {
		t.Errorf("text = %q", body.Text)
	}
	if strings.Join(body.Tags, "|") != "admin|travel" {
		t.Errorf("tags = %v", body.Tags)
	}
}

func TestThoughtAdd_MissingArgs(t *testing.T) {
	if err := execute(t, "thought", "add"); err == nil {
		t.Fatal("expected error without text")
	}
}

func TestThoughtProcess(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		wantTrigger thought.Trigger
		wantTools   []string
	}{
		{"manual", []string{"thought", "process", "t-1"}, thought.TriggerManual, nil},
		{"reprocess with tools", []string{"thought", "process", "t-1", "--reprocess", "--tools", "enhance,tagging"}, thought.TriggerReprocess, []string{"enhance", "tagging"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, map[string]string{
				"POST /thoughts/t-1/process": `{"job_id":"j-2","status":"queued"}`,
			})
			useClient(t, ts)

			if err := execute(t, tt.args...); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			var body api.ProcessRequest
			if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
				t.Fatalf("body parse error: %v", err)
			}
			if body.Trigger != tt.wantTrigger {
				t.Errorf("trigger = %q, want %q", body.Trigger, tt.wantTrigger)
			}
			if strings.Join(body.ToolSpecIDs, ",") != strings.Join(tt.wantTools, ",") {
				t.Errorf("tools = %v, want %v", body.ToolSpecIDs, tt.wantTools)
			}
		})
	}
	// Flags persist on the shared command tree; reset them for later tests.
	thoughtProcessCmd.Flags().Set("reprocess", "false")
	thoughtProcessCmd.Flags().Set("tools", "")
}

func TestThoughtSuggestionPaths(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /thoughts/t-1/suggestions/s-1/accept": `{"id":"t-1","text":"x"}`,
		"POST /thoughts/t-1/suggestions/s-2/reject": `{"id":"t-1","text":"x"}`,
	})
	useClient(t, ts)

	if err := execute(t, "thought", "accept", "t-1", "s-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := execute(t, "thought", "reject", "t-1", "s-2"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if len(ts.requests) != 2 || ts.requests[1].Path != "/thoughts/t-1/suggestions/s-2/reject" {
		t.Errorf("requests = %+v", ts.requests)
	}
}

func TestThoughtRevert_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"message":"nothing to revert","type":"failed_precondition"}}`))
	}))
	defer ts.Close()

	old := newAPIClient
	newAPIClient = func() (*apiClient, error) {
		return &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}, nil
	}
	defer func() { newAPIClient = old }()

	err := execute(t, "thought", "revert", "t-1")
	if err == nil || !strings.Contains(err.Error(), "nothing to revert") {
		t.Errorf("error = %v, want nothing to revert", err)
	}
}

func TestStatusCommand_Running(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status code = %d, want 200", resp.StatusCode)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"please wait","type":"rate_limit_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/thoughts/t-1")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	for _, want := range []string{"429", "please wait", "retry after 7s"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %q, want it to contain %q", err.Error(), want)
		}
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4000
	cfg.Provider.Model = "openai/gpt-4o-mini"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4000" {
			found = true
		}
	}
	if !found {
		t.Error("expected to find server.port=4000 in ShowAll output")
	}
}

func TestResolveUser(t *testing.T) {
	old := userFlag
	defer func() { userFlag = old }()

	userFlag = ""
	if got, err := resolveUser("local"); err != nil || got != "local" {
		t.Errorf("resolveUser = %q, %v", got, err)
	}
	if _, err := resolveUser(""); err == nil {
		t.Error("expected error without any user")
	}

	userFlag = "alice"
	if got, _ := resolveUser("local"); got != "alice" {
		t.Errorf("flag should win, got %q", got)
	}
}

func TestPrintThought(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	orig := "had coffee w/ sar"
	var buf bytes.Buffer
	printThought(&buf, thought.Thought{
		ID:           "t-1",
		Text:         "Had coffee with Sarah",
		Tags:         []string{"coffee"},
		Status:       thought.StatusCompleted,
		OriginalText: &orig,
		Suggestions: []thought.Suggestion{
			{ID: "s-1", Type: "addTag", Confidence: 0.6, Status: thought.SuggestionPending},
			{ID: "s-2", Type: "addTag", Confidence: 0.7, Status: thought.SuggestionRejected},
		},
	})

	out := buf.String()
	for _, want := range []string{"Had coffee with Sarah", "Tags: coffee", "AI: completed", "Original: had coffee w/ sar", "Suggestion s-1: addTag (60%)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "s-2") {
		t.Errorf("rejected suggestion should be hidden:\n%s", out)
	}
}

func TestPrintHistory(t *testing.T) {
	changes, tokens := 2, 120
	var buf bytes.Buffer
	printHistory(&buf, []thought.HistoryEntry{{
		ProcessedAt:    time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC),
		Trigger:        thought.TriggerManual,
		Status:         thought.HistoryCompleted,
		ChangesApplied: &changes,
		TokensUsed:     &tokens,
	}})

	out := buf.String()
	if !strings.Contains(out, "2025-03-01 09:30:00") || !strings.Contains(out, "changes=2") || !strings.Contains(out, "tokens=120") {
		t.Errorf("history output = %q", out)
	}

	buf.Reset()
	printHistory(&buf, nil)
	if !strings.Contains(buf.String(), "No processing history") {
		t.Errorf("empty history output = %q", buf.String())
	}
}
