package driver

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

// Candidate is one proposal a Provider produces for a given iteration,
// plus any lessons it surfaced for the next round (original_source's
// update_lessons_journal feeds these back in).
type Candidate struct {
	Proposal string   `json:"proposal"`
	Lessons  []string `json:"lessons"`
}

// Provider proposes the next candidate for a prompt, given the lessons
// accumulated so far. Implementations range from a deterministic
// in-process stand-in to an HTTP call to a real model endpoint.
type Provider interface {
	Propose(ctx context.Context, prompt string, iteration int, lessons []string) (Candidate, error)
}

// StaticProvider is the deterministic stand-in used when PROVIDER_URL is
// unset: it mutates the prompt mechanically so the driver loop, its
// scorers, and its events are all exercised without a network
// dependency. It never errors and never blocks.
type StaticProvider struct{}

func (StaticProvider) Propose(_ context.Context, prompt string, iteration int, lessons []string) (Candidate, error) {
	trimmed := strings.TrimSpace(prompt)
	proposal := fmt.Sprintf("%s (refined x%d)", trimmed, iteration+1)
	lesson := fmt.Sprintf("iteration %d favored a shorter, more specific phrasing", iteration+1)
	return Candidate{Proposal: proposal, Lessons: append(append([]string{}, lessons...), lesson)}, nil
}

// HTTPProvider proposes candidates by POSTing to an OpenAI-chat-completions-
// shaped endpoint and parsing a strict JSON object back out, the same
// "POST prompt, parse strict JSON" shape as the teacher pack's
// rollups/llm.go callRollupLLM/parseLLMOutput.
type HTTPProvider struct {
	Client  *http.Client
	BaseURL string
	APIKey  string
	Model   string
}

// NewHTTPProvider returns a Provider backed by baseURL, using a 30s
// client timeout matching the teacher's callRollupLLM default.
func NewHTTPProvider(baseURL, apiKey, model string) *HTTPProvider {
	return &HTTPProvider{
		Client:  &http.Client{Timeout: 30 * time.Second},
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
	}
}

func (p *HTTPProvider) Propose(ctx context.Context, prompt string, iteration int, lessons []string) (Candidate, error) {
	endpoint := strings.TrimRight(p.BaseURL, "/") + "/v1/chat/completions"
	payload := map[string]any{
		"model":       p.Model,
		"temperature": 0.2,
		"response_format": map[string]string{
			"type": "json_object",
		},
		"messages": []map[string]string{
			{"role": "system", "content": proposeSystemPrompt()},
			{"role": "user", "content": proposeUserPrompt(prompt, iteration, lessons)},
		},
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return Candidate{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return Candidate{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(p.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return Candidate{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return Candidate{}, fmt.Errorf("driver: provider status %d: %s", resp.StatusCode, string(body))
	}

	var wrapper struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return Candidate{}, err
	}
	if len(wrapper.Choices) == 0 {
		return Candidate{}, fmt.Errorf("driver: empty provider response")
	}
	return parseCandidate(wrapper.Choices[0].Message.Content)
}

func proposeSystemPrompt() string {
	return strings.TrimSpace(`Return STRICT JSON ONLY with keys: proposal, lessons.
proposal is the improved prompt text.
lessons is an array of short strings describing what changed and why.`)
}

func proposeUserPrompt(prompt string, iteration int, lessons []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current prompt (iteration %d):\n%s\n", iteration, prompt)
	if len(lessons) > 0 {
		b.WriteString("Prior lessons:\n")
		for _, l := range lessons {
			b.WriteString("- ")
			b.WriteString(l)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func parseCandidate(content string) (Candidate, error) {
	content = strings.TrimSpace(content)
	var cand Candidate
	if err := json.Unmarshal([]byte(content), &cand); err != nil {
		return Candidate{}, fmt.Errorf("driver: parse candidate: %w", err)
	}
	if strings.TrimSpace(cand.Proposal) == "" {
		return Candidate{}, fmt.Errorf("driver: empty proposal")
	}
	return cand, nil
}
