package smartqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sentry "github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
	"google.golang.org/genai"

	"playdeck/models"
)

const DefaultGeminiModel = "gemini-2.0-flash"

const rankingPrompt = `You are the smart queue of a music player. The listener just played the seed track below.
Pick the %d candidates that would follow it most naturally, considering mood, genre and tags.
Respond with only a JSON array of candidate ids, best first.

Seed: %s

Candidates:
%s`

// GeminiRanker asks a Gemini model to order candidates. Any failure falls
// back to TagRanker.
type GeminiRanker struct {
	generate func(ctx context.Context, prompt string) (string, error)
	fallback Ranker
	logger   *log.Entry
}

func NewGeminiRanker(ctx context.Context, apiKey, model string) (*GeminiRanker, error) {
	if model == "" {
		model = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return newGeminiRanker(func(ctx context.Context, prompt string) (string, error) {
		resp, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), &genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
		})
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	}), nil
}

func newGeminiRanker(generate func(ctx context.Context, prompt string) (string, error)) *GeminiRanker {
	return &GeminiRanker{
		generate: generate,
		fallback: TagRanker{},
		logger: log.WithFields(log.Fields{
			"module": "gemini-ranker",
		}),
	}
}

func (g *GeminiRanker) Rank(ctx context.Context, seed models.Track, candidates []models.Track, n int) ([]models.Track, error) {
	span := sentry.StartSpan(ctx, "smartqueue.gemini_rank")
	defer span.Finish()

	text, err := g.generate(span.Context(), buildPrompt(seed, candidates, n))
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		sentry.CaptureException(err)
		g.logger.Warnf("gemini ranking failed: %v", err)
		return g.fallback.Rank(ctx, seed, candidates, n)
	}

	ranked, err := parseRanking(text, candidates, n)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		g.logger.Warnf("unusable gemini ranking %q: %v", text, err)
		return g.fallback.Rank(ctx, seed, candidates, n)
	}
	span.Status = sentry.SpanStatusOK
	return ranked, nil
}

func describe(t models.Track) string {
	return fmt.Sprintf("id=%s title=%q tags=%s", t.ID, t.Title, strings.Join(t.Tags, ","))
}

func buildPrompt(seed models.Track, candidates []models.Track, n int) string {
	var sb strings.Builder
	for _, c := range candidates {
		sb.WriteString("- ")
		sb.WriteString(describe(c))
		sb.WriteString("\n")
	}
	return fmt.Sprintf(rankingPrompt, n, describe(seed), sb.String())
}

// parseRanking maps the model's id list back onto candidates, ignoring ids it
// invented and repeats.
func parseRanking(text string, candidates []models.Track, n int) ([]models.Track, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var ids []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &ids); err != nil {
		return nil, err
	}

	byID := make(map[string]models.Track, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}
	var out []models.Track
	for _, id := range ids {
		t, ok := byID[id]
		if !ok {
			continue
		}
		delete(byID, id)
		out = append(out, t)
		if len(out) == n {
			break
		}
	}
	if len(out) == 0 {
		return nil, ErrNoCandidates
	}
	return out, nil
}
