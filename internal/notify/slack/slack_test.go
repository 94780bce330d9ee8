package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/relief/internal/triage"
)

func sampleRequest() *triage.Request {
	return &triage.Request{
		ID:                    "REQ-000001",
		Category:              triage.CategoryMedical,
		Severity:              triage.SeverityCritical,
		PeopleAffected:        3,
		Vulnerability:         []triage.VulnerabilityTag{triage.VulnerableElderly, triage.VulnerableDisabled},
		Location:              "Ward 4",
		Description:           "insulin supply ran out",
		HasEvidence:           true,
		PriorityScore:         89,
		EstimatedResponseTime: "within 2 hours",
		CreatedAt:             time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC),
	}
}

func TestSend_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	if err := n.Send(context.Background(), sampleRequest()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}

	// header, divider, fields, divider, description, divider, context = 7 blocks
	if len(blocks) != 7 {
		t.Errorf("blocks count = %d, want 7", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	for _, want := range []string{"REQ-000001", "Priority 89", "medical", "\U0001f534"} {
		if !strings.Contains(headerText, want) {
			t.Errorf("header text = %q, want to contain %q", headerText, want)
		}
	}

	fields := blocks[2].(map[string]any)["fields"].([]any)
	var all []string
	for _, f := range fields {
		all = append(all, f.(map[string]any)["text"].(string))
	}
	joined := strings.Join(all, "\n")
	for _, want := range []string{"within 2 hours", "elderly, disabled", "Ward 4"} {
		if !strings.Contains(joined, want) {
			t.Errorf("fields = %q, want to contain %q", joined, want)
		}
	}
}

func TestSend_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("", nil)
	if err := n.Send(context.Background(), &triage.Request{}); err != nil {
		t.Fatalf("Send with empty URL should be no-op, got: %v", err)
	}
}

func TestSend_TruncatesLongDescription(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := sampleRequest()
	r.Description = strings.Repeat("x", 4000)
	n := New(srv.URL, log.Nop())
	if err := n.Send(context.Background(), r); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks := got["blocks"].([]any)
	section := blocks[4].(map[string]any)
	text := section["text"].(map[string]any)["text"].(string)

	prefix := "*Description*\n\n"
	if len(text) > maxDescriptionLen+len(prefix) {
		t.Errorf("description text length = %d, expected <= %d", len(text), maxDescriptionLen+len(prefix))
	}
	if !strings.HasSuffix(text, "...") {
		t.Error("expected truncated description to end with ...")
	}
}

func TestScoreEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		score int
		want  string
	}{
		{100, "\U0001f534"},
		{80, "\U0001f534"},
		{79, "\U0001f7e0"},
		{60, "\U0001f7e0"},
		{42, "\U0001f7e1"},
		{39, "\U0001f7e2"},
		{0, "\U0001f7e2"},
	}

	for _, tt := range tests {
		if got := scoreEmoji(tt.score); got != tt.want {
			t.Errorf("scoreEmoji(%d) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestJoinTags(t *testing.T) {
	t.Parallel()

	if got := joinTags(nil); got != "none" {
		t.Errorf("joinTags(nil) = %q, want %q", got, "none")
	}
	got := joinTags([]triage.VulnerabilityTag{triage.VulnerableChildren, triage.VulnerableStudent})
	if got != "children, student" {
		t.Errorf("joinTags = %q, want %q", got, "children, student")
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("REQ-000001", "medical", "insulin supply ran out", "Ward 4", 89)
	f.Add("", "", "", "", 0)
	f.Add("<@U123> mention", "other", "*bold* _italic_ ~strike~", "loc", 42)
	f.Add("req\x00\x01\x02", "food\nline", "description\ttab", "l\x00c", -5)
	f.Add(strings.Repeat("A", 5000), "shelter", strings.Repeat("x", 10000), "Ward", 1000)
	f.Add("test", "water", "```code block``` and <http://example.com|link>", "", 60)

	f.Fuzz(func(t *testing.T, id, category, description, location string, score int) {
		r := &triage.Request{
			ID:            id,
			Category:      triage.Category(category),
			Description:   description,
			Location:      location,
			PriorityScore: score,
			CreatedAt:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}

		// Must not panic
		msg := buildMessage(r)

		// Must produce valid JSON
		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}

		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not decode: %v", err)
		}

		blocks, ok := decoded["blocks"].([]any)
		if !ok {
			t.Fatal("expected blocks array")
		}
		if len(blocks) != 7 {
			t.Fatalf("blocks count = %d, want 7", len(blocks))
		}
	})
}

func TestSend_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	err := n.Send(context.Background(), sampleRequest())
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}
