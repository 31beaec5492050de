// Package gemini implements integration with Google's Gemini AI API. It
// provides topic extraction, text embedding, and answer generation for the
// knowledge-base pipeline.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/edgard/groupkb/internal/config"
)

// TopicCandidate is a single topic proposed by the extraction collaborator
// before it is embedded and persisted.
type TopicCandidate struct {
	Subject string `json:"subject"`
	Summary string `json:"summary"`
}

// Client defines the interface for AI operations used by the knowledge
// pipeline. Implementations must be safe for concurrent use.
type Client interface {
	// ExtractTopics derives discrete knowledge-base topics from a formatted
	// chat transcript. It must tolerate overlapping transcripts, since a
	// failed run is retried with the same batch plus newer messages.
	ExtractTopics(ctx context.Context, transcript string) ([]TopicCandidate, error)

	// Embed derives a vector embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch derives vector embeddings for several texts in one call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// GenerateAnswer produces an answer to a question grounded on the given
	// topics. When hedged is true the response is steered toward caution.
	GenerateAnswer(ctx context.Context, question string, topics []string, hedged bool) (string, error)

	// GenerateSummary produces a summary of a same-day chat transcript.
	GenerateSummary(ctx context.Context, transcript string) (string, error)
}

type sdkClient struct {
	genaiClient    *genai.Client
	log            *slog.Logger
	contentConfig  *genai.GenerateContentConfig
	modelName      string
	embeddingModel string
	maxRetries     int
	retryDelay     time.Duration
}

// NewClient creates a new Gemini AI client with the provided configuration.
func NewClient(ctx context.Context, cfg config.GeminiConfig, log *slog.Logger) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	baseCfg := &genai.GenerateContentConfig{
		Temperature: &cfg.Temperature,

		SafetySettings: []*genai.SafetySetting{
			{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
		},
	}

	logger := log.With("component", "gemini_client")
	logger.Info("Gemini client initialized successfully",
		"model", cfg.ModelName, "embedding_model", cfg.EmbeddingModel)
	return &sdkClient{
		genaiClient:    gi,
		log:            logger,
		contentConfig:  baseCfg,
		modelName:      cfg.ModelName,
		embeddingModel: cfg.EmbeddingModel,
		maxRetries:     cfg.MaxRetries,
		retryDelay:     time.Duration(cfg.RetryDelaySeconds) * time.Second,
	}, nil
}

func (c *sdkClient) generateContentWithRetries(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	var resp *genai.GenerateContentResponse
	var err error

	for i := 0; i <= c.maxRetries; i++ {
		resp, err = c.genaiClient.Models.GenerateContent(ctx, c.modelName, contents, cfg)
		if err == nil {
			return resp, nil
		}

		c.log.WarnContext(ctx, "Gemini API call failed, checking for retry",
			"attempt", i+1, "max_retries", c.maxRetries, "error", err)

		var apiErr *genai.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == 500 || apiErr.Code == 503) {
			if i < c.maxRetries {
				c.log.InfoContext(ctx, "Retrying Gemini API call due to retriable APIError",
					"delay", c.retryDelay, "code", apiErr.Code)
				select {
				case <-time.After(c.retryDelay):
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			c.log.ErrorContext(ctx, "Gemini API call failed after max retries with APIError",
				"error", err, "code", apiErr.Code)
			return nil, fmt.Errorf("gemini API call failed after %d retries (APIError code %d): %w", c.maxRetries, apiErr.Code, err)
		}

		c.log.ErrorContext(ctx, "Gemini API call failed with non-retriable error", "error", err)
		return nil, fmt.Errorf("gemini API call failed: %w", err)
	}
	return nil, err
}

var topicSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"subject": {Type: genai.TypeString, Description: "Short, specific title of the topic."},
		"summary": {Type: genai.TypeString, Description: "Self-contained summary of the discussion, including conclusions and decisions."},
	},
	Required: []string{"subject", "summary"},
}

var topicListSchema = &genai.Schema{
	Type:        genai.TypeArray,
	Description: "Discrete topics extracted from the chat transcript.",
	Items:       topicSchema,
}

// ExtractTopics derives knowledge-base topics from a formatted transcript
// using structured JSON output.
func (c *sdkClient) ExtractTopics(ctx context.Context, transcript string) ([]TopicCandidate, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, nil
	}
	c.log.DebugContext(ctx, "Extracting topics from transcript", "transcript_len", len(transcript))

	copyCfg := *c.contentConfig
	copyCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: TopicExtractionInstruction}}}
	copyCfg.ResponseMIMEType = "application/json"
	copyCfg.ResponseSchema = topicListSchema

	contents := []*genai.Content{genai.NewContentFromText(transcript, genai.RoleUser)}

	resp, err := c.generateContentWithRetries(ctx, contents, &copyCfg)
	if err != nil {
		c.log.ErrorContext(ctx, "Gemini topic extraction failed", "error", err)
		return nil, fmt.Errorf("failed to extract topics: %w", err)
	}

	jsonText, err := c.extractTextFromResponse(ctx, resp, "topic_extraction")
	if err != nil {
		return nil, fmt.Errorf("failed to extract topic response: %w", err)
	}

	var candidates []TopicCandidate
	if err := json.Unmarshal([]byte(jsonText), &candidates); err != nil {
		c.log.ErrorContext(ctx, "Failed to parse topics JSON from Gemini response",
			"error", err, "response_text", jsonText)
		return nil, fmt.Errorf("invalid topics JSON received: %w", err)
	}

	// Drop entries the model left blank rather than persisting empty topics.
	valid := candidates[:0]
	for _, cand := range candidates {
		if strings.TrimSpace(cand.Subject) != "" && strings.TrimSpace(cand.Summary) != "" {
			valid = append(valid, cand)
		}
	}

	c.log.DebugContext(ctx, "Extracted topics from transcript",
		"received", len(candidates), "valid", len(valid))
	return valid, nil
}

// Embed derives a vector embedding for a single text.
func (c *sdkClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch derives vector embeddings for several texts in one call.
func (c *sdkClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, genai.NewContentFromText(t, genai.RoleUser))
	}

	resp, err := c.genaiClient.Models.EmbedContent(ctx, c.embeddingModel, contents, nil)
	if err != nil {
		c.log.ErrorContext(ctx, "Gemini embedding call failed", "error", err, "text_count", len(texts))
		return nil, fmt.Errorf("gemini embedding call failed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		c.log.ErrorContext(ctx, "Gemini returned unexpected embedding count",
			"expected", len(texts), "received", len(resp.Embeddings))
		return nil, fmt.Errorf("gemini returned %d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("gemini returned empty embedding at index %d", i)
		}
		vectors[i] = emb.Values
	}
	return vectors, nil
}

// GenerateAnswer produces an answer grounded on the retrieved topics.
func (c *sdkClient) GenerateAnswer(ctx context.Context, question string, topics []string, hedged bool) (string, error) {
	c.log.DebugContext(ctx, "Generating answer", "topic_count", len(topics), "hedged", hedged)

	instruction := AnswerInstruction
	if hedged {
		instruction += HedgedAnswerSuffix
	}

	var sb strings.Builder
	sb.WriteString(question)
	sb.WriteString("\n\n# Related topics:\n")
	if len(topics) == 0 {
		sb.WriteString("No related topics found.")
	} else {
		sb.WriteString(strings.Join(topics, "\n---\n"))
	}

	copyCfg := *c.contentConfig
	copyCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: instruction}}}

	contents := []*genai.Content{genai.NewContentFromText(sb.String(), genai.RoleUser)}

	resp, err := c.generateContentWithRetries(ctx, contents, &copyCfg)
	if err != nil {
		c.log.ErrorContext(ctx, "Gemini answer generation failed", "error", err)
		return "", fmt.Errorf("gemini answer generation failed: %w", err)
	}

	return c.extractTextFromResponse(ctx, resp, "answer_generation")
}

// GenerateSummary produces a summary of a same-day chat transcript.
func (c *sdkClient) GenerateSummary(ctx context.Context, transcript string) (string, error) {
	c.log.DebugContext(ctx, "Generating summary", "transcript_len", len(transcript))

	copyCfg := *c.contentConfig
	copyCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: SummaryInstruction}}}

	contents := []*genai.Content{genai.NewContentFromText(transcript, genai.RoleUser)}

	resp, err := c.generateContentWithRetries(ctx, contents, &copyCfg)
	if err != nil {
		c.log.ErrorContext(ctx, "Gemini summary generation failed", "error", err)
		return "", fmt.Errorf("gemini summary generation failed: %w", err)
	}

	return c.extractTextFromResponse(ctx, resp, "summary_generation")
}

func (c *sdkClient) extractTextFromResponse(ctx context.Context, resp *genai.GenerateContentResponse, op string) (string, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		reasonMsg := fmt.Sprintf("%v", resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reasonMsg = resp.PromptFeedback.BlockReasonMessage
		}
		c.log.ErrorContext(ctx, "Gemini request blocked", "operation", op, "reason", reasonMsg)
		return "", fmt.Errorf("%s blocked by safety filter: %s", op, reasonMsg)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		finishReason := "unknown"
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != genai.FinishReasonUnspecified {
			finishReason = fmt.Sprintf("%v", resp.Candidates[0].FinishReason)
		}
		c.log.WarnContext(ctx, "Gemini response missing candidates or content",
			"operation", op, "finish_reason", finishReason)
		return "", fmt.Errorf("%s returned no content, finish reason: %s", op, finishReason)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("%s returned empty text", op)
	}
	return text, nil
}
