package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	DefaultGeminiModel   = "gemini-2.5-pro"

	geminiTimeout = 60 * time.Second
)

var (
	ErrMissingAPIKey = errors.New("translate: api key is required")
	ErrEmptyResponse = errors.New("translate: model returned no text")
)

// Translator produces the raw three-part model output for text.
type Translator interface {
	Translate(ctx context.Context, text string, language Language) (string, error)
}

type GeminiConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// GeminiTranslator calls the generateContent REST endpoint.
type GeminiTranslator struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewGeminiTranslator(cfg GeminiConfig) (*GeminiTranslator, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultGeminiModel
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultGeminiBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: geminiTimeout}
	}
	return &GeminiTranslator{apiKey: apiKey, model: model, baseURL: baseURL, client: client}, nil
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction geminiContent   `json:"systemInstruction"`
	Contents          []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

type geminiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (g *GeminiTranslator) Translate(ctx context.Context, text string, language Language) (string, error) {
	payload, err := json.Marshal(geminiRequest{
		SystemInstruction: geminiContent{Parts: []geminiPart{{Text: systemPrompt(language)}}},
		Contents:          []geminiContent{{Role: "user", Parts: []geminiPart{{Text: text}}}},
	})
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.baseURL, url.PathEscape(g.model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr geminiErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || strings.TrimSpace(apiErr.Error.Message) == "" {
			return "", fmt.Errorf("translate: upstream status %d", resp.StatusCode)
		}
		return "", fmt.Errorf("translate: upstream status %d: %s", resp.StatusCode, apiErr.Error.Message)
	}

	var decoded geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	var builder strings.Builder
	for _, candidate := range decoded.Candidates {
		for _, part := range candidate.Content.Parts {
			builder.WriteString(part.Text)
		}
		if builder.Len() > 0 {
			break
		}
	}
	if strings.TrimSpace(builder.String()) == "" {
		return "", ErrEmptyResponse
	}
	return builder.String(), nil
}

func systemPrompt(language Language) string {
	name := language.DisplayName()
	return fmt.Sprintf(`You are a professional translator and linguist fluent in English and %[1]s.
Translate the user's English input. Do not add greetings, preambles or Markdown headings.
Output exactly three parts separated by the line "%[2]s":

1. A faithful, fluent %[1]s translation of the whole text, paragraph by paragraph.
%[2]s
2. A Markdown table of technical terms, jargon and set phrases with columns
| English | %[1]s | Notes |. Write "None" if there are none.
%[2]s
3. Notes on difficult sentences, cultural background or wordplay and how they were translated.
`, name, SectionSeparator)
}
