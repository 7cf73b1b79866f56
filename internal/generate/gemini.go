package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

const promptCommon = `You write ALT text for web accessibility.
Describe ONLY what is visually observable in the image, in exactly one
natural sentence. The accompanying context is a supporting hint written by a
human: never quote or copy it, and use it only to add nuance (place,
situation) when it matches what is visible. No speculation, no emotions, no
labels or prefixes, no line breaks. Output only the final ALT sentence.`

const (
	promptFull  = "Include subject, action or state, and background when possible."
	promptShort = "Keep the sentence as short and essential as possible."
)

// Gemini implements Captioner with the Gemini API. Construct it once per
// process and pass the handle into the consumer.
type Gemini struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewGemini creates the API client. The key and model name come from config.
func NewGemini(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key cannot be empty")
	}
	if model == "" {
		return nil, errors.New("gemini model name cannot be empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, model: model, logger: logger}, nil
}

// Captions generates two candidates from two prompt variants at different
// temperatures. Both calls run sequentially; the accelerator behind the API
// is never hit concurrently from one worker.
func (g *Gemini) Captions(ctx context.Context, image []byte, contentType, contextText string) (string, string, error) {
	img, mime := downscale(image)
	if mime == "" {
		mime = contentType
	}
	if mime == "" {
		mime = "image/jpeg"
	}

	first, err := g.generate(ctx, img, mime, contextText, promptFull, 0.7)
	if err != nil {
		return "", "", err
	}
	second, err := g.generate(ctx, img, mime, contextText, promptShort, 0.9)
	if err != nil {
		return "", "", err
	}
	return first, second, nil
}

func (g *Gemini) generate(ctx context.Context, image []byte, mime, contextText, variant string, temperature float32) (string, error) {
	prompt := promptCommon + "\n" + variant
	if contextText != "" {
		prompt += "\nContext (supporting hint, do not quote): " + contextText
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(image, mime),
			genai.NewPartFromText(prompt),
		}, genai.RoleUser),
	}
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](temperature),
		MaxOutputTokens: 80,
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == 429 || apiErr.Status == "RESOURCE_EXHAUSTED") {
			return "", fmt.Errorf("%w: %v", ErrResourceExhausted, err)
		}
		return "", fmt.Errorf("generate caption: %w", err)
	}

	text := firstSentence(strings.TrimSpace(resp.Text()))
	if text == "" {
		return "", errors.New("model returned an empty caption")
	}
	g.logger.Debug("caption generated", "length", len(text))
	return text, nil
}

// firstSentence trims the output to a single sentence and strips line
// breaks, mirroring the post-processing the model prompt asks for.
func firstSentence(text string) string {
	text = strings.ReplaceAll(text, "\n", " ")
	for _, sep := range []string{"。", ".", "!", "?", "！", "？"} {
		if idx := strings.Index(text, sep); idx >= 0 {
			out := strings.TrimSpace(text[:idx])
			if sep == "." {
				out += "."
			}
			return out
		}
	}
	return strings.TrimSpace(text)
}
