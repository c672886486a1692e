package connectors

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/genai"

	"github.com/lamb-project/lamb/pkg/config"
	"github.com/lamb-project/lamb/pkg/logger"
	"github.com/lamb-project/lamb/pkg/observability"
)

// defaultImageModel is used when the organization config names no model.
const defaultImageModel = "gemini-2.5-flash-image-preview"

// titleRouterPatterns identify host-generated meta prompts (chat titles,
// tags, follow-up suggestions). Those are text tasks and are routed to a
// cheap text model instead of the image backend.
var titleRouterPatterns = []string{
	"### task:",
	"generate a concise",
	"generate title",
	"broad tags",
	"categorizing the main themes",
	"follow-up questions",
}

// titleRouterModel answers routed meta prompts.
const titleRouterModel = "gpt-4o-mini"

// Banana generates images through the Google GenAI API and persists them
// under the static file root, answering with markdown image links.
type Banana struct {
	settings *config.Settings
	resolver *config.Resolver
	titleLLM Connector
	logger   *slog.Logger
}

// NewBanana creates the image connector. titleLLM handles routed meta
// prompts and is normally the OpenAI connector.
func NewBanana(settings *config.Settings, resolver *config.Resolver, titleLLM Connector) *Banana {
	return &Banana{
		settings: settings,
		resolver: resolver,
		titleLLM: titleLLM,
		logger:   logger.GetLogger("connectors.banana"),
	}
}

func (c *Banana) Name() string {
	return config.ProviderGoogle
}

func (c *Banana) Complete(ctx context.Context, req *Request) (*Result, error) {
	if c.titleLLM != nil && isMetaPrompt(req.Messages) {
		c.logger.Debug("routing meta prompt to text model")
		routed := *req
		routed.Model = titleRouterModel
		routed.UseSmallFastModel = true
		routed.Tools = nil
		return c.titleLLM.Complete(ctx, &routed)
	}

	provider, err := c.resolver.ResolveProvider(ctx, req.Owner, config.ProviderGoogle, false)
	if err != nil {
		return nil, err
	}
	if !provider.Enabled {
		return nil, NewConfigError("the Google provider is not enabled for this organization")
	}
	if provider.APIKey == "" {
		return nil, NewConfigError("no Google API key is configured for this organization")
	}

	model := req.Model
	if model == "" || (len(provider.Models) > 0 && !provider.HasModel(model)) {
		if resolved, _, err := provider.ResolveModel(model); err == nil {
			model = resolved
		} else {
			model = defaultImageModel
		}
	}

	prompt := lastUserText(req.Messages)
	if prompt == "" {
		return nil, NewConfigError("no prompt found in the request messages")
	}

	ctx, span := observability.GetTracer().Start(ctx, observability.SpanLLMRequest)
	defer span.End()
	span.SetAttributes(
		attribute.String(observability.AttrLLMProvider, config.ProviderGoogle),
		attribute.String(observability.AttrLLMModel, model),
	)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: provider.APIKey})
	if err != nil {
		return nil, NewUpstreamError(model, "", "failed to create GenAI client: "+err.Error(), err)
	}

	params := imageParams(req.Body)

	var content string
	if strings.Contains(model, "imagen") {
		content, err = c.generateImagen(ctx, client, model, prompt, params, req.CreatorUserID)
	} else {
		content, err = c.generateGemini(ctx, client, model, prompt, req.CreatorUserID)
	}
	if err != nil {
		return nil, err
	}

	completion := NewChatCompletion(model, content)
	if !req.Stream {
		return &Result{Completion: completion}, nil
	}

	// Image generation is not incremental; the stream is synthesized.
	frames := make(chan Frame, 4)
	frames <- Frame{Type: FrameRole, Model: model}
	frames <- Frame{Type: FrameContent, Content: content, Model: model}
	frames <- Frame{Type: FrameFinish, FinishReason: "stop", Model: model}
	frames <- Frame{Type: FrameDone}
	close(frames)
	return &Result{Stream: frames}, nil
}

// generationParams are the client-tunable image options.
type generationParams struct {
	NumberOfImages int
	AspectRatio    string
	OutputMIMEType string
}

func imageParams(body map[string]any) generationParams {
	params := generationParams{
		NumberOfImages: 1,
		OutputMIMEType: "image/png",
	}
	sanitized := SanitizeBody(body)
	if v, ok := sanitized["number_of_images"].(float64); ok {
		params.NumberOfImages = int(v)
	}
	if params.NumberOfImages < 1 {
		params.NumberOfImages = 1
	}
	if params.NumberOfImages > 4 {
		params.NumberOfImages = 4
	}
	if v, ok := sanitized["aspect_ratio"].(string); ok {
		params.AspectRatio = v
	}
	if v, ok := sanitized["output_mime_type"].(string); ok && v != "" {
		params.OutputMIMEType = v
	}
	return params
}

// generateImagen calls the dedicated image-generation API.
func (c *Banana) generateImagen(ctx context.Context, client *genai.Client, model, prompt string, params generationParams, creatorUserID string) (string, error) {
	cfg := &genai.GenerateImagesConfig{
		NumberOfImages: int32(params.NumberOfImages),
		OutputMIMEType: params.OutputMIMEType,
	}
	if params.AspectRatio != "" {
		cfg.AspectRatio = params.AspectRatio
	}

	resp, err := client.Models.GenerateImages(ctx, model, prompt, cfg)
	if err != nil {
		return "", NewUpstreamError(model, "", "image generation failed: "+err.Error(), err)
	}
	if len(resp.GeneratedImages) == 0 {
		return "", NewUpstreamError(model, "", "the backend returned no images", nil)
	}

	var links []string
	for _, img := range resp.GeneratedImages {
		if img.Image == nil || len(img.Image.ImageBytes) == 0 {
			continue
		}
		url, err := c.saveImage(img.Image.ImageBytes, img.Image.MIMEType, creatorUserID)
		if err != nil {
			return "", err
		}
		links = append(links, fmt.Sprintf("![Generated image](%s)", url))
	}
	if len(links) == 0 {
		return "", NewUpstreamError(model, "", "the backend returned no image data", nil)
	}
	return strings.Join(links, "\n\n"), nil
}

// generateGemini calls a multimodal Gemini model and collects both the text
// and inline-image parts of the answer.
func (c *Banana) generateGemini(ctx context.Context, client *genai.Client, model, prompt, creatorUserID string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}

	resp, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), cfg)
	if err != nil {
		return "", NewUpstreamError(model, "", "image generation failed: "+err.Error(), err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", NewUpstreamError(model, "", "the backend returned no candidates", nil)
	}

	var parts []string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			parts = append(parts, part.Text)
		}
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			url, err := c.saveImage(part.InlineData.Data, part.InlineData.MIMEType, creatorUserID)
			if err != nil {
				return "", err
			}
			parts = append(parts, fmt.Sprintf("![Generated image](%s)", url))
		}
	}
	if len(parts) == 0 {
		return "", NewUpstreamError(model, "", "the backend answer carried no content", nil)
	}
	return strings.Join(parts, "\n\n"), nil
}

// saveImage writes the image under the creator's public static directory
// and returns its public URL.
func (c *Banana) saveImage(data []byte, mimeType, creatorUserID string) (string, error) {
	if creatorUserID == "" {
		creatorUserID = "anonymous"
	}

	dir := filepath.Join(c.settings.StaticRoot, "public", creatorUserID, "img")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create image directory: %w", err)
	}

	name := fmt.Sprintf("img_%d_%s.%s", time.Now().UnixMilli(), uuid.NewString()[:8], imageExtension(mimeType))
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}

	base := strings.TrimSuffix(c.settings.HomeURL, "/")
	return fmt.Sprintf("%s/static/public/%s/img/%s", base, creatorUserID, name), nil
}

func imageExtension(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "png"
	}
}

// ListModels returns the organization's declared image models, or the
// built-in defaults.
func (c *Banana) ListModels(ctx context.Context, owner string) ([]string, error) {
	provider, err := c.resolver.ResolveProvider(ctx, owner, config.ProviderGoogle, false)
	if err != nil {
		return nil, err
	}
	if !provider.Enabled {
		return nil, NewConfigError("the Google provider is not enabled for this organization")
	}
	if len(provider.Models) > 0 {
		return provider.Models, nil
	}
	return []string{defaultImageModel, "imagen-3.0-generate-002"}, nil
}

// StatusProbe verifies client construction with the configured key. No
// generation call is made; image requests are billed per image.
func (c *Banana) StatusProbe(ctx context.Context, owner string) (*ModelStatus, error) {
	provider, err := c.resolver.ResolveProvider(ctx, owner, config.ProviderGoogle, false)
	if err != nil {
		return nil, err
	}
	if !provider.Enabled || provider.APIKey == "" {
		return &ModelStatus{Status: "disabled"}, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.settings.ProbeTimeout)
	defer cancel()

	if _, err := genai.NewClient(probeCtx, &genai.ClientConfig{APIKey: provider.APIKey}); err != nil {
		return &ModelStatus{Status: "connection_error", Detail: err.Error()}, nil
	}

	models, _ := c.ListModels(ctx, owner)
	return &ModelStatus{OK: true, Status: "ok", Models: len(models)}, nil
}

// isMetaPrompt reports whether the last user message is a host-generated
// meta task rather than an image prompt.
func isMetaPrompt(messages []Message) bool {
	text := strings.ToLower(lastUserText(messages))
	if text == "" {
		return false
	}
	for _, pattern := range titleRouterPatterns {
		if strings.Contains(text, pattern) {
			return true
		}
	}
	return false
}

// lastUserText returns the text of the most recent user message.
func lastUserText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			if text, ok := messages[i].Content.(string); ok {
				return text
			}
			return TextContent(messages[i].Content)
		}
	}
	return ""
}

// Ensure Banana implements Connector.
var _ Connector = (*Banana)(nil)
