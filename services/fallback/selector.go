package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"danmuhub/services/configstore"
)

// AISelector asks an OpenAI-compatible chat endpoint to pick the candidate
// that best matches the query. Configuration is read from the config store
// on every call so admin edits apply immediately.
type AISelector struct {
	client *http.Client
	config *configstore.Service
}

// NewAISelector wires the selector over the shared direct client.
func NewAISelector(client *http.Client, config *configstore.Service) *AISelector {
	return &AISelector{client: client, config: config}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const selectorPrompt = `你是一个番剧匹配助手。给定一个查询和候选列表，回答最匹配的候选编号（从0开始）。只输出数字，没有匹配时输出 -1。`

// SelectBestMatch implements Selector.
func (s *AISelector) SelectBestMatch(ctx context.Context, query SelectorQuery, candidates []ScoredCandidate, favoritedIndex int) (int, error) {
	apiKey, _ := s.config.Get(ctx, keyAiAPIKey)
	baseURL, _ := s.config.Get(ctx, keyAiBaseURL)
	model, _ := s.config.Get(ctx, keyAiModel)
	if apiKey == "" || baseURL == "" || model == "" {
		return -1, fmt.Errorf("ai selector not configured")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "查询: %s 第%d季 第%d集 类型=%s\n", query.Title, query.Season, query.Episode, query.Type)
	if favoritedIndex >= 0 {
		fmt.Fprintf(&sb, "编号%d来自用户收藏的源。\n", favoritedIndex)
	}
	sb.WriteString("候选:\n")
	for i, c := range candidates {
		fmt.Fprintf(&sb, "%d: %s (%s, %s, 得分%d)\n", i, c.Info.Title, c.Info.Provider, c.Info.Type, c.Score)
	}

	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: selectorPrompt},
			{Role: "user", Content: sb.String()},
		},
	})
	if err != nil {
		return -1, err
	}

	callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost,
		strings.TrimRight(baseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return -1, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return -1, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return -1, fmt.Errorf("ai selector returned %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return -1, err
	}
	if len(parsed.Choices) == 0 {
		return -1, fmt.Errorf("ai selector returned no choices")
	}

	answer := strings.TrimSpace(parsed.Choices[0].Message.Content)
	idx, err := strconv.Atoi(answer)
	if err != nil {
		return -1, fmt.Errorf("ai selector answer %q is not an index", answer)
	}
	if idx < -1 || idx >= len(candidates) {
		return -1, fmt.Errorf("ai selector index %d out of range", idx)
	}
	return idx, nil
}
