package llmvision

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mcarmelo/tickapp/internal/errkind"
)

func TestMediaTypeForFile(t *testing.T) {
	cases := map[string]string{
		"receipt.jpg":  "image/jpeg",
		"receipt.JPEG": "image/jpeg",
		"receipt.png":  "image/png",
		"receipt.webp": "image/webp",
		"receipt.gif":  "image/gif",
		"receipt.bmp":  "image/jpeg",
		"noext":        "image/jpeg",
	}
	for name, want := range cases {
		if got := mediaTypeForFile(name); got != want {
			t.Errorf("mediaTypeForFile(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestToContentParts(t *testing.T) {
	parts := []Part{
		TextPart("describe this"),
		ImagePart("r.jpg", []byte("fake-bytes")),
	}
	out := toContentParts(parts)
	if len(out) != 2 {
		t.Fatalf("expected 2 content parts, got %d", len(out))
	}
	if out[0].Type != "text" || out[0].Text != "describe this" {
		t.Errorf("unexpected text part: %+v", out[0])
	}
	if out[1].Type != "image" || out[1].Source == nil || out[1].Source.MediaType != "image/jpeg" {
		t.Errorf("unexpected image part: %+v", out[1])
	}
}

func TestExtractBalancedJSON(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"clean", `{"a":1}`, `{"a":1}`, true},
		{"surrounded by prose", `Sure, here it is: {"a":1} hope that helps`, `{"a":1}`, true},
		{"nested braces", `{"a":{"b":1}}`, `{"a":{"b":1}}`, true},
		{"brace inside string", `{"a":"}{"}`, `{"a":"}{"}`, true},
		{"no json", `I'm sorry, I cannot read this receipt.`, "", false},
		{"unbalanced", `{"a":1`, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := extractBalancedJSON(tc.input)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func newTestServer(t *testing.T, status int, body string) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	c := New("test-key", "claude-sonnet-test", nil)
	c.httpClient = srv.Client()
	origURL := anthropicAPIURL
	anthropicAPIURL = srv.URL
	return c, func() {
		srv.Close()
		anthropicAPIURL = origURL
	}
}

func TestCallJSONHappyPath(t *testing.T) {
	respBody := `{"content":[{"type":"text","text":"Sure: {\"magasin\":{\"nom\":\"Migros\"}}"}]}`
	c, cleanup := newTestServer(t, http.StatusOK, respBody)
	defer cleanup()

	var out map[string]any
	if err := c.CallJSON(context.Background(), []Part{TextPart("extract")}, &out); err != nil {
		t.Fatalf("CallJSON: %v", err)
	}
	magasin, ok := out["magasin"].(map[string]any)
	if !ok || magasin["nom"] != "Migros" {
		t.Errorf("unexpected decoded value: %+v", out)
	}
}

func TestCallJSONDecodeFailureNotRetried(t *testing.T) {
	respBody := `{"content":[{"type":"text","text":"I'm sorry, I cannot read this receipt."}]}`
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(respBody))
	}))
	defer srv.Close()

	c := New("test-key", "claude-sonnet-test", nil)
	c.httpClient = srv.Client()
	origURL := anthropicAPIURL
	anthropicAPIURL = srv.URL
	defer func() { anthropicAPIURL = origURL }()

	var out map[string]any
	err := c.CallJSON(context.Background(), []Part{TextPart("extract")}, &out)
	if err == nil {
		t.Fatal("expected an error")
	}
	var stageErr *errkind.StageError
	if !asStageError(err, &stageErr) {
		t.Fatalf("expected *errkind.StageError, got %T: %v", err, err)
	}
	if stageErr.Kind != errkind.LLMDecode {
		t.Errorf("expected LLM_DECODE, got %s", stageErr.Kind)
	}
	if attempts != 1 {
		t.Errorf("LLM_DECODE must not be retried, but server was called %d times", attempts)
	}
}

func TestCallRetriesTransportErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("boom"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"content":[{"type":"text","text":"ok"}]}`))
	}))
	defer srv.Close()

	c := New("test-key", "claude-sonnet-test", nil)
	c.httpClient = srv.Client()
	origURL := anthropicAPIURL
	anthropicAPIURL = srv.URL
	defer func() { anthropicAPIURL = origURL }()

	text, err := c.Call(context.Background(), []Part{TextPart("extract")})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if text != "ok" {
		t.Errorf("got %q, want %q", text, "ok")
	}
	if attempts != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", attempts)
	}
}

func asStageError(err error, target **errkind.StageError) bool {
	se, ok := err.(*errkind.StageError)
	if !ok {
		return false
	}
	*target = se
	return true
}
