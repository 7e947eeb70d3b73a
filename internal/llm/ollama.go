// Package llm talks to a local Ollama server for the three provider jobs the
// pipeline needs: summarization, embedding, and tag proposal. Each job is
// consumed through its own narrow interface defined at the call site, so
// control flow never depends on this provider's request/response shape.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client handles generation and embedding via Ollama
type Client struct {
	baseURL         string
	model           string
	generationModel string
	client          *http.Client
}

// NewClient creates a new Ollama client
func NewClient(baseURL, embedModel, generationModel string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if embedModel == "" {
		embedModel = "nomic-embed-text" // good default, 768 dims
	}
	if generationModel == "" {
		generationModel = "llama3.2"
	}
	return &Client{
		baseURL:         baseURL,
		model:           embedModel,
		generationModel: generationModel,
		client: &http.Client{
			Timeout: 60 * time.Second, // generation can take longer
		},
	}
}

// embeddingRequest is the Ollama API request format
type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// embeddingResponse is the Ollama API response format
type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed generates an embedding for the given text
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}

	var result embeddingResponse
	err := c.post(ctx, "/api/embeddings", embeddingRequest{Model: c.model, Prompt: text}, &result)
	if err != nil {
		return nil, err
	}

	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}

	return result.Embedding, nil
}

// generateRequest is the Ollama API request format for generation
type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// generateResponse is the Ollama API response format for generation
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate creates text completion using Ollama
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("empty prompt")
	}

	var result generateResponse
	err := c.post(ctx, "/api/generate", generateRequest{
		Model:  c.generationModel,
		Prompt: prompt,
		Stream: false,
	}, &result)
	if err != nil {
		return "", err
	}

	return result.Response, nil
}

// Summarize produces a summary of the given text within the target word
// range. The last fragment is the block being summarized; earlier fragments
// are ancestor context.
func (c *Client) Summarize(ctx context.Context, text string, minWords, maxWords int) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("no text to summarize")
	}

	prompt := fmt.Sprintf(`Summarize the following note in %d to %d words.
The note may include surrounding context from its parent sections; fold that
context in so the summary stands alone. Capture concrete facts: names,
projects, dates, what was done. Output ONLY the summary, no commentary.

Note:
%s

Summary:`, minWords, maxWords, text)

	out, err := c.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("empty summary returned")
	}
	return out, nil
}

// ProposeTags asks the model for short activity tag names describing the
// basis text, preferring the given taxonomy categories. Returns cleaned
// lowercase names.
func (c *Client) ProposeTags(ctx context.Context, basisText string, categories []string) ([]string, error) {
	if strings.TrimSpace(basisText) == "" {
		return nil, fmt.Errorf("no text to tag")
	}

	prompt := `Propose 1-5 short activity tags for the following text.

Guidelines:
- Tags are 1-2 lowercase words (e.g. "debugging", "meal prep")
- Prefer these categories where they apply: ` + strings.Join(categories, ", ") + `
- Output one tag per line, nothing else

Text:
` + basisText + `

Tags:`

	out, err := c.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var tags []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		line = strings.Trim(line, `"'`)
		line = strings.ToLower(line)
		if line == "" || len(line) > 40 {
			continue
		}
		tags = append(tags, line)
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("no tags returned")
	}
	return tags, nil
}

// post sends a JSON request and decodes the JSON response
func (c *Client) post(ctx context.Context, path string, reqBody any, out any) error {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
