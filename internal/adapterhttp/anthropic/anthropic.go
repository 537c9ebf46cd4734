// Package anthropic adapts canonical text generation, translation, and
// vision requests onto the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nuruai/orchestrator/internal/canonical"
)

const providerID = "anthropic"

// Micro-dollars per million tokens.
const (
	inputRate       = 800_000
	outputRate      = 4_000_000
	assumedOutTok   = 500
	bytesPerTokenIn = 4
	// images are billed roughly per 750 bytes per token
	bytesPerImageTok = 750
)

type Adapter struct {
	apiKey  string
	baseURL string
}

func New(apiKey string) *Adapter {
	return &Adapter{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1",
	}
}

func (a *Adapter) Descriptor() canonical.Descriptor {
	return canonical.Descriptor{
		ProviderID: providerID,
		Kinds: []canonical.Kind{
			canonical.KindTextGen,
			canonical.KindTranslate,
			canonical.KindVision,
		},
		BaseTimeoutMs: 30_000,
		MinLatencyMs:  300,
	}
}

func (a *Adapter) EstimateCost(req *canonical.Request) int64 {
	var inTokens int64
	if req.Kind == canonical.KindVision {
		inTokens = int64(len(req.Payload))/bytesPerImageTok + 1
	} else {
		inTokens = int64(len(req.Payload))/bytesPerTokenIn + 1
	}
	return (inTokens*inputRate + assumedOutTok*outputRate) / 1_000_000
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type messagesResponse struct {
	Content []responseBlock `json:"content"`
	Usage   messagesUsage   `json:"usage"`
}

type responseBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messagesUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func (a *Adapter) Invoke(ctx context.Context, req *canonical.Request) ([]byte, int64, error) {
	msgReq := messagesRequest{
		Model:     "claude-3-5-haiku-20241022",
		MaxTokens: 4096,
	}

	switch req.Kind {
	case canonical.KindTextGen:
		msgReq.Messages = []message{{Role: "user", Content: string(req.Payload)}}
	case canonical.KindTranslate:
		lang := req.Constraints.RequiredLanguage
		if lang == "" {
			lang = "English"
		}
		msgReq.System = fmt.Sprintf("Translate the user's text into %s. Reply with the translation only.", lang)
		msgReq.Messages = []message{{Role: "user", Content: string(req.Payload)}}
	case canonical.KindVision:
		msgReq.Messages = []message{{
			Role: "user",
			Content: []contentBlock{
				{Type: "image", Source: &imageSource{
					Type:      "base64",
					MediaType: "image/jpeg",
					Data:      base64.StdEncoding.EncodeToString(req.Payload),
				}},
				{Type: "text", Text: "Describe this image."},
			},
		}}
	default:
		return nil, 0, canonical.NewProviderError(providerID, canonical.FailureMalformed,
			fmt.Errorf("unsupported kind %s", req.Kind))
	}

	body, err := json.Marshal(msgReq)
	if err != nil {
		return nil, 0, canonical.NewProviderError(providerID, canonical.FailureMalformed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, 0, canonical.NewProviderError(providerID, canonical.FailureMalformed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, 0, canonical.ClassifyTransportError(providerID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, canonical.ClassifyTransportError(providerID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, canonical.ClassifyStatus(providerID, resp.StatusCode, string(respBody))
	}

	var msgResp messagesResponse
	if err := json.Unmarshal(respBody, &msgResp); err != nil {
		return nil, 0, canonical.NewProviderError(providerID, canonical.FailureMalformed, err)
	}
	if len(msgResp.Content) == 0 {
		return nil, 0, canonical.NewProviderError(providerID, canonical.FailureMalformed,
			fmt.Errorf("no content in response"))
	}

	cost := (msgResp.Usage.InputTokens*inputRate + msgResp.Usage.OutputTokens*outputRate) / 1_000_000
	return []byte(msgResp.Content[0].Text), cost, nil
}
