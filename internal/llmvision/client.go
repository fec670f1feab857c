// Package llmvision is the vision-capable LLM extraction client (C3):
// it accumulates a multi-part request (text plus base64 images), calls
// the Anthropic Messages API, and extracts the first balanced JSON
// object out of the model's free-form reply.
package llmvision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcarmelo/tickapp/internal/errkind"
	"github.com/mcarmelo/tickapp/internal/httpkit"
	"github.com/mcarmelo/tickapp/internal/retry"
)

const (
	anthropicAPIVersion = "2023-06-01"
	defaultMaxTokens    = 4096
)

// anthropicAPIURL is a var, not a const, so tests can point it at an
// httptest server.
var anthropicAPIURL = "https://api.anthropic.com/v1/messages"

// extensionMediaTypes maps a lower-cased file extension to its MIME
// media type. Unknown extensions fall back to image/jpeg.
var extensionMediaTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".gif":  "image/gif",
}

// mediaTypeForFile infers an image's MIME type from its filename
// extension, defaulting to image/jpeg when the extension is unknown.
func mediaTypeForFile(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if mt, ok := extensionMediaTypes[ext]; ok {
		return mt
	}
	return "image/jpeg"
}

// Client is a vision-capable Anthropic Messages API client.
type Client struct {
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client using the given API key and model id.
func New(apiKey, model string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &Client{
		apiKey: apiKey,
		model:  model,
		logger: logger.With("component", "llmvision"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// Part is one piece of a request's content array: either a text part
// or a base64-encoded image part.
type Part struct {
	Kind      PartKind
	Text      string
	MediaType string
	Data      []byte
	Filename  string // source filename; not sent in the request
}

// PartKind distinguishes a text part from an image part.
type PartKind int

const (
	PartText PartKind = iota
	PartImage
)

// TextPart builds a text content part.
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// ImagePart builds an image content part from raw bytes; the media
// type is always inferred from the filename's extension.
func ImagePart(filename string, data []byte) Part {
	return Part{Kind: PartImage, MediaType: mediaTypeForFile(filename), Data: data, Filename: filename}
}

type messageRequest struct {
	Model     string           `json:"model"`
	MaxTokens int              `json:"max_tokens"`
	Messages  []requestMessage `json:"messages"`
}

type requestMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type   string        `json:"type"`
	Text   string        `json:"text,omitempty"`
	Source *contentImage `json:"source,omitempty"`
}

type contentImage struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type messageResponse struct {
	Content []responseContent `json:"content"`
}

type responseContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Call sends the accumulated parts as a single user message and
// returns the raw text of the first content block in the reply.
func (c *Client) Call(ctx context.Context, parts []Part) (string, error) {
	req := messageRequest{
		Model:     c.model,
		MaxTokens: defaultMaxTokens,
		Messages: []requestMessage{{
			Role:    "user",
			Content: toContentParts(parts),
		}},
	}

	var responseText string
	err := retry.Do(ctx, retry.LLMTransport(), func(ctx context.Context) error {
		text, err := c.call(ctx, req)
		if err != nil {
			return err
		}
		responseText = text
		return nil
	})
	if err != nil {
		return "", err
	}
	if responseText == "" {
		return "", errkind.Wrapf(errkind.LLMDecode, "empty content in response")
	}
	return responseText, nil
}

// CallJSON calls the model and extracts the first balanced {...}
// object out of its reply, decoding it into v.
func (c *Client) CallJSON(ctx context.Context, parts []Part, v any) error {
	text, err := c.Call(ctx, parts)
	if err != nil {
		return err
	}

	jsonText, ok := extractBalancedJSON(text)
	if !ok {
		return errkind.Wrapf(errkind.LLMDecode, "no JSON object found in response: %q", truncate(text, 200))
	}

	if err := json.Unmarshal([]byte(jsonText), v); err != nil {
		return errkind.Wrapf(errkind.LLMDecode, "decode response JSON: %w", err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, req messageRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", errkind.Wrapf(errkind.LLMTransport, "marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicAPIURL, bytes.NewReader(body))
	if err != nil {
		return "", errkind.Wrapf(errkind.LLMTransport, "create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", errkind.Wrapf(errkind.LLMTransport, "request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return "", errkind.Wrapf(errkind.LLMTransport, "anthropic API error %d: %s", resp.StatusCode, errBody)
	}

	var decoded messageResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", errkind.Wrapf(errkind.LLMTransport, "decode response envelope: %w", err)
	}
	if len(decoded.Content) == 0 {
		return "", nil
	}
	return decoded.Content[0].Text, nil
}

// Ping sends a minimal request to verify the API key is valid and the
// API is reachable, for connwatch health probing.
func (c *Client) Ping(ctx context.Context) error {
	req := messageRequest{
		Model:     c.model,
		MaxTokens: 1,
		Messages:  []requestMessage{{Role: "user", Content: []contentPart{{Type: "text", Text: "ping"}}}},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicAPIURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status from Anthropic API: %d", resp.StatusCode)
	}
	return nil
}

func toContentParts(parts []Part) []contentPart {
	out := make([]contentPart, 0, len(parts))
	for _, p := range parts {
		switch p.Kind {
		case PartText:
			out = append(out, contentPart{Type: "text", Text: p.Text})
		case PartImage:
			out = append(out, contentPart{
				Type: "image",
				Source: &contentImage{
					Type:      "base64",
					MediaType: p.MediaType,
					Data:      base64.StdEncoding.EncodeToString(p.Data),
				},
			})
		}
	}
	return out
}

// extractBalancedJSON returns the first brace-balanced {...} substring
// in s, accounting for braces inside quoted strings.
func extractBalancedJSON(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
			// inside a string, braces don't affect depth
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
