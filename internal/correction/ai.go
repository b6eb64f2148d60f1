package correction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultAIEndpoint = "https://generativelanguage.googleapis.com"
	DefaultAIModel    = "gemini-2.5-flash"
	defaultAITimeout  = 2 * time.Minute
	defaultBasePrompt = "Actúa como corrector profesional en español. Corrige ortografía, puntuación, gramática y usos confusos."
)

type AIConfig struct {
	Endpoint   string
	Model      string
	APIKey     string
	Timeout    time.Duration
	BasePrompt string
}

// AICorrector asks a Gemini-compatible generateContent endpoint for
// token-level corrections in JSON.
type AICorrector struct {
	cfg    AIConfig
	client *http.Client
}

// NewAICorrector returns ErrNotConfigured when no API key is set.
func NewAICorrector(cfg AIConfig, client *http.Client) (*AICorrector, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		cfg.Endpoint = DefaultAIEndpoint
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultAIModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultAITimeout
	}
	if strings.TrimSpace(cfg.BasePrompt) == "" {
		cfg.BasePrompt = defaultBasePrompt
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &AICorrector{cfg: cfg, client: client}, nil
}

type genPart struct {
	Text string `json:"text"`
}

type genContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []genPart `json:"parts"`
}

type genRequest struct {
	Contents         []genContent `json:"contents"`
	GenerationConfig struct {
		ResponseMimeType string `json:"responseMimeType"`
	} `json:"generationConfig"`
}

type genResponse struct {
	Candidates []struct {
		Content genContent `json:"content"`
	} `json:"candidates"`
}

func (c *AICorrector) Correct(ctx context.Context, tokens []Token) ([]Correction, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var req genRequest
	req.Contents = []genContent{{Role: "user", Parts: []genPart{{Text: BuildPrompt(c.cfg.BasePrompt, tokens)}}}}
	req.GenerationConfig.ResponseMimeType = "application/json"
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	u := strings.TrimRight(c.cfg.Endpoint, "/") + "/v1beta/models/" + url.PathEscape(c.cfg.Model) + ":generateContent"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("llm read: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("llm status %d: %s", resp.StatusCode, truncate(string(raw), 300))
	}

	var gr genResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, fmt.Errorf("llm decode: %w", err)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return nil, nil
	}
	return ParseCorrections(gr.Candidates[0].Content.Parts[0].Text)
}

// ParseCorrections accepts either {"corrections": [...]} or a bare array.
func ParseCorrections(text string) ([]Correction, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if strings.HasPrefix(text, "[") {
		var items []Correction
		if err := json.Unmarshal([]byte(text), &items); err != nil {
			return nil, fmt.Errorf("llm corrections: %w", err)
		}
		return items, nil
	}
	var wrapped struct {
		Corrections []Correction `json:"corrections"`
	}
	if err := json.Unmarshal([]byte(text), &wrapped); err != nil {
		return nil, fmt.Errorf("llm corrections: %w", err)
	}
	return wrapped.Corrections, nil
}

// BuildPrompt renders tokens as id:kind:text so the model can reference them by id.
func BuildPrompt(base string, tokens []Token) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nTu tarea: identifica SOLO las palabras que deben corregirse y devuelve JSON con la corrección.\n")
	b.WriteString("Tokens etiquetados (id:tipo:texto_escapado):\n")
	for i, t := range tokens {
		if i > 0 {
			b.WriteByte(' ')
		}
		kind := "S"
		switch t.Kind {
		case KindWord, KindNumber:
			kind = "W"
		case KindPunct:
			kind = "P"
		case KindNewline:
			kind = "N"
		}
		fmt.Fprintf(&b, "%d:%s:%s", t.ID, kind, strings.ReplaceAll(t.Text, "\n", `\n`))
	}
	b.WriteString("\n\nResponde SOLO con JSON válido UTF-8 sin texto adicional. ")
	b.WriteString(`Esquema: {"corrections": [{"token_id": int, "replacement": str, "reason": str, "original"?: str}]}` + "\n")
	b.WriteString("- token_id apunta al índice exacto del token a corregir.\n")
	b.WriteString("- Solo corrige tokens de tipo palabra/número si es necesario (no reescribas todo).\n")
	b.WriteString("- Mantén mayúsculas adecuadas y acentos.\n")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
