package scanning

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// identifyPrompt is the shared prompt used by the vision model searchers
const identifyPrompt = `You are the remote lookup of a visual recognition scanner. Look at the photo and decide whether it clearly shows a single recognizable object such as a product package, a book or album cover, a poster, a painting or a landmark.

If it does, name it with a short, stable identifier: lowercase words separated by hyphens, brand or title first (for example "kellogs-corn-flakes" or "the-starry-night"). The same object must always get the same identifier.

Return ONLY valid JSON in this exact format:
{
  "found": true,
  "id": "identifier"
}

If nothing recognizable is in the photo return {"found": false, "id": null}.
Do not include any text before or after the JSON. Do not use markdown code blocks.`

// Gemini implements the Searcher interface using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini Searcher instance
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)

	return &Gemini{
		client: client,
		model:  model,
	}, nil
}

// Search asks the model to identify the query image. Gemini uses its own
// API key, so creds are ignored.
func (g *Gemini) Search(ctx context.Context, _ Credentials, img image.Image) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", NewError(CodeMisuse, "gemini search", fmt.Errorf("encoding PNG: %w", err))
	}

	// genai.ImageData expects just the format suffix (e.g., "png"), not the full MIME type (e.g., "image/png")
	parts := []genai.Part{
		genai.ImageData("png", buf.Bytes()),
		genai.Text(identifyPrompt),
	}

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", geminiError(ctx, err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", NewError(CodeGeneric, "gemini search", fmt.Errorf("no response from gemini"))
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	id, err := parseSearchJSON(responseText.String())
	if err != nil {
		return "", NewError(CodeGeneric, "gemini search", fmt.Errorf("parsing search result: %w", err))
	}

	return id, nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}

func geminiError(ctx context.Context, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return statusError("gemini search", apiErr.Code, apiErr.Message)
	}
	return transportError(ctx, "gemini search", err)
}
