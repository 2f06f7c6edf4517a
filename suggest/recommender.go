package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"

	"github.com/DuvanRCuero/SmartFlow-Ai/features"
	"github.com/DuvanRCuero/SmartFlow-Ai/models"
)

// TaskState is the snapshot handed to the recommendation function.
type TaskState struct {
	Task  models.Task       `json:"task"`
	Steps []models.PlanStep `json:"steps"`
}

// Candidate is one raw recommendation before filtering and dedupe.
type Candidate struct {
	Message    string                 `json:"message"`
	Type       string                 `json:"type"`
	Reason     map[string]interface{} `json:"reason"`
	Confidence float64                `json:"confidence"`
}

// Recommender is the external recommendation function. It may be a rule
// engine, a statistical model or an LLM call; the engine only relies on the
// timeout contract of ctx.
type Recommender interface {
	Recommend(ctx context.Context, state TaskState, vec features.Vector) ([]Candidate, error)
}

// Planner decomposes a task into ordered step texts. Optional capability of
// a Recommender implementation.
type Planner interface {
	GeneratePlan(ctx context.Context, state TaskState, vec features.Vector) ([]string, error)
}

const (
	jsonStart = "[[JSON_START]]"
	jsonEnd   = "[[JSON_END]]"
)

// NewLLMClient builds the openai-compatible chat client the production
// recommender runs on.
func NewLLMClient(apiKey, endpoint, model string) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(model),
	}
	if endpoint != "" {
		opts = append(opts, openai.WithBaseURL(endpoint))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	return client, nil
}

// LLMRecommender implements Recommender and Planner on a chat model. The
// model is instructed to wrap its structured output in [[JSON_START]] /
// [[JSON_END]] markers; anything outside the markers is ignored.
type LLMRecommender struct {
	model llms.Model
	log   *zap.SugaredLogger
}

func NewLLMRecommender(model llms.Model, log *zap.SugaredLogger) *LLMRecommender {
	return &LLMRecommender{model: model, log: log}
}

const recommendPrompt = `You are the suggestion engine of a personal task planner.
Given a task, its plan steps and the user's recent behavior signals, produce
actionable suggestions (reschedule, split a step, take a break, start now,
defer, mark a parent step done, and similar).

Rules:
1. At most 5 suggestions.
2. Each suggestion gets a confidence in [0,1]; be conservative.
3. "type" is a short snake_case label; reuse the same type for the same kind
   of advice.
4. "reason" is a small JSON object naming the signals you used.
5. Wrap the structured output between ` + jsonStart + ` and ` + jsonEnd + `.

Output shape:
` + jsonStart + `
{"suggestions": [{"message": "...", "type": "reschedule", "reason": {"focus_trend": 0.3}, "confidence": 0.7}]}
` + jsonEnd

func (r *LLMRecommender) Recommend(ctx context.Context, state TaskState, vec features.Vector) ([]Candidate, error) {
	payload, err := json.Marshal(struct {
		TaskState
		Features features.Vector `json:"features"`
	}{state, vec})
	if err != nil {
		return nil, err
	}

	messages := []llms.MessageContent{
		{
			Role:  schema.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(recommendPrompt)},
		},
		{
			Role:  schema.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(string(payload))},
		},
	}

	resp, err := r.model.GenerateContent(ctx, messages, llms.WithTemperature(0.7))
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("recommender returned no content")
	}

	var out struct {
		Suggestions []Candidate `json:"suggestions"`
	}
	if err := unmarshalMarked(resp.Choices[0].Content, &out); err != nil {
		r.log.Warnw("unparseable recommendation payload", "error", err)
		return nil, err
	}
	return out.Suggestions, nil
}

const planPrompt = `You decompose a task into a concrete execution plan.
Generate 4-6 ordered steps for the task the user provides. Keep each step
short and actionable. Take the user's recent focus and energy signals into
account when sizing steps.

Wrap the structured output between ` + jsonStart + ` and ` + jsonEnd + `.

Output shape:
` + jsonStart + `
{"steps": [{"order": 1, "text": "..."}, {"order": 2, "text": "..."}]}
` + jsonEnd

// GeneratePlan asks the model for 4-6 ordered steps for the task.
func (r *LLMRecommender) GeneratePlan(ctx context.Context, state TaskState, vec features.Vector) ([]string, error) {
	payload, err := json.Marshal(struct {
		TaskState
		Features features.Vector `json:"features"`
	}{state, vec})
	if err != nil {
		return nil, err
	}

	messages := []llms.MessageContent{
		{
			Role:  schema.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(planPrompt)},
		},
		{
			Role:  schema.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(string(payload))},
		},
	}

	resp, err := r.model.GenerateContent(ctx, messages, llms.WithTemperature(0.7))
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("planner returned no content")
	}

	var out struct {
		Steps []struct {
			Order int    `json:"order"`
			Text  string `json:"text"`
		} `json:"steps"`
	}
	if err := unmarshalMarked(resp.Choices[0].Content, &out); err != nil {
		return nil, err
	}
	sort.SliceStable(out.Steps, func(i, j int) bool { return out.Steps[i].Order < out.Steps[j].Order })
	texts := make([]string, 0, len(out.Steps))
	for _, st := range out.Steps {
		if strings.TrimSpace(st.Text) != "" {
			texts = append(texts, st.Text)
		}
	}
	return texts, nil
}

// unmarshalMarked extracts the JSON between the markers, falling back to the
// whole string for models that answer with bare JSON.
func unmarshalMarked(content string, v interface{}) error {
	raw := content
	if i := strings.Index(content, jsonStart); i >= 0 {
		rest := content[i+len(jsonStart):]
		if j := strings.Index(rest, jsonEnd); j >= 0 {
			raw = rest[:j]
		} else {
			raw = rest
		}
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), v); err != nil {
		return fmt.Errorf("invalid structured payload: %w", err)
	}
	return nil
}
