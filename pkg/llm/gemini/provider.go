// Package gemini adapts the Gemini API (AI Studio or Vertex AI) to
// llm.Provider.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/gm-agent-org/kode/pkg/llm"
	"github.com/gm-agent-org/kode/pkg/types"
)

const DefaultModel = "gemini-2.0-flash"

// Config contains Gemini-specific configuration. ProjectID and Location
// together select the Vertex AI backend.
type Config struct {
	APIKey    string
	ProjectID string
	Location  string
	Model     string
}

type Provider struct {
	client *genai.Client
	model  string
}

func New(ctx context.Context, cfg Config) (*Provider, error) {
	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.ProjectID != "" && cfg.Location != "" {
		clientConfig.Backend = genai.BackendVertexAI
		clientConfig.Project = cfg.ProjectID
		clientConfig.Location = cfg.Location
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &Provider{client: client, model: model}, nil
}

func (p *Provider) ID() string { return "gemini" }

func (p *Provider) Call(ctx context.Context, req *llm.ProviderRequest) (*llm.ProviderResponse, error) {
	system, contents, err := buildContents(req.Messages)
	if err != nil {
		return nil, err
	}

	conf := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(float32(req.Temperature)),
		SystemInstruction: system,
		Tools:             convertTools(req.Tools),
		ToolConfig:        convertToolChoice(req.ToolChoice, len(req.Tools) > 0),
	}
	if req.MaxTokens > 0 {
		conf.MaxOutputTokens = int32(req.MaxTokens)
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, conf)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return convertResponse(resp, model)
}

// buildContents splits out the system instruction and converts the rest of
// the history. Results of one parallel turn must reach Gemini as a single
// user content, so consecutive tool messages are merged.
func buildContents(msgs []types.Message) (*genai.Content, []*genai.Content, error) {
	var (
		systemParts []string
		contents    []*genai.Content
	)
	for i, m := range msgs {
		switch m.Role {
		case types.RoleSystem:
			systemParts = append(systemParts, m.Content)
		case types.RoleUser:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		case types.RoleAssistant:
			c, err := modelContent(m)
			if err != nil {
				return nil, nil, fmt.Errorf("message %d: %w", i, err)
			}
			contents = append(contents, c)
		case types.RoleTool:
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       m.ToolCallID,
				Name:     m.ToolName,
				Response: map[string]any{"result": m.Content},
			}}
			if n := len(contents); n > 0 && isToolResults(contents[n-1]) {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
				continue
			}
			contents = append(contents, &genai.Content{Role: string(genai.RoleUser), Parts: []*genai.Part{part}})
		default:
			return nil, nil, fmt.Errorf("message %d: unsupported role %q", i, m.Role)
		}
	}

	var system *genai.Content
	if len(systemParts) > 0 {
		system = genai.NewContentFromText(strings.Join(systemParts, "\n\n"), genai.RoleUser)
	}
	return system, contents, nil
}

func isToolResults(c *genai.Content) bool {
	return c.Role == string(genai.RoleUser) && len(c.Parts) > 0 && c.Parts[0].FunctionResponse != nil
}

func modelContent(m types.Message) (*genai.Content, error) {
	c := &genai.Content{Role: string(genai.RoleModel)}
	if m.Content != "" {
		c.Parts = append(c.Parts, &genai.Part{Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		var args map[string]any
		if tc.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
				return nil, fmt.Errorf("arguments of %s: %w", tc.Name, err)
			}
		}
		c.Parts = append(c.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}})
	}
	return c, nil
}

func convertToolChoice(choice llm.ToolChoice, hasTools bool) *genai.ToolConfig {
	if !hasTools {
		return nil
	}
	mode := genai.FunctionCallingConfigModeAuto
	switch choice {
	case llm.ToolChoiceRequired:
		mode = genai.FunctionCallingConfigModeAny
	case llm.ToolChoiceNone:
		mode = genai.FunctionCallingConfigModeNone
	}
	return &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: mode}}
}

func convertTools(tools []types.Tool) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  convertSchema(t.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

var schemaTypes = map[string]genai.Type{
	"string":  genai.TypeString,
	"number":  genai.TypeNumber,
	"integer": genai.TypeInteger,
	"boolean": genai.TypeBoolean,
	"array":   genai.TypeArray,
	"object":  genai.TypeObject,
}

// convertSchema translates the JSON Schema subset the tool declarations use.
// Unknown types become strings.
func convertSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	typ, _ := schema["type"].(string)
	s := &genai.Schema{Type: genai.TypeString}
	if t, ok := schemaTypes[typ]; ok {
		s.Type = t
	}
	s.Description, _ = schema["description"].(string)
	s.Enum = stringList(schema["enum"])
	s.Required = stringList(schema["required"])

	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, v := range props {
			if sub, ok := v.(map[string]any); ok {
				s.Properties[name] = convertSchema(sub)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = convertSchema(items)
	}
	return s
}

// stringList accepts []string (Go literals) and []any (decoded JSON).
func stringList(v any) []string {
	switch v := v.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func convertResponse(resp *genai.GenerateContentResponse, model string) (*llm.ProviderResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, llm.ErrNoChoices
	}

	out := &llm.ProviderResponse{ID: resp.ResponseID, Model: model}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Thought {
			continue
		}
		text.WriteString(part.Text)
		if fc := part.FunctionCall; fc != nil {
			args, err := json.Marshal(fc.Args)
			if err != nil {
				return nil, fmt.Errorf("marshal arguments for %s: %w", fc.Name, err)
			}
			// Missing IDs are filled in by the gateway.
			out.ToolCalls = append(out.ToolCalls, types.ToolCall{ID: fc.ID, Name: fc.Name, Arguments: string(args)})
		}
	}
	out.Content = text.String()

	if u := resp.UsageMetadata; u != nil {
		out.Usage = types.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}
