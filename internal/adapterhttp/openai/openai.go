// Package openai adapts canonical text generation, embedding, and
// speech-to-text requests onto the OpenAI REST API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/nuruai/orchestrator/internal/canonical"
)

const providerID = "openai"

// Micro-dollars per million tokens.
const (
	chatInputRate   = 150_000
	chatOutputRate  = 600_000
	embeddingRate   = 20_000
	transcribeRate  = 6_000 // per second of audio, approximated by size
	bytesPerSecond  = 32_000
	assumedOutTok   = 500
	bytesPerTokenIn = 4
)

type Adapter struct {
	apiKey  string
	baseURL string
}

func New(apiKey string) *Adapter {
	return &Adapter{
		apiKey:  apiKey,
		baseURL: "https://api.openai.com/v1",
	}
}

func (a *Adapter) Descriptor() canonical.Descriptor {
	return canonical.Descriptor{
		ProviderID: providerID,
		Kinds: []canonical.Kind{
			canonical.KindTextGen,
			canonical.KindEmbedding,
			canonical.KindSpeechToText,
		},
		BaseTimeoutMs: 30_000,
		MinLatencyMs:  250,
		// An empty transcript means the transcription failed.
		EmptyResultIsFailure: true,
	}
}

func (a *Adapter) EstimateCost(req *canonical.Request) int64 {
	switch req.Kind {
	case canonical.KindSpeechToText:
		seconds := int64(len(req.Payload))/bytesPerSecond + 1
		return seconds * transcribeRate
	case canonical.KindEmbedding:
		tokens := int64(len(req.Payload))/bytesPerTokenIn + 1
		return tokens * embeddingRate / 1_000_000
	default:
		inTokens := int64(len(req.Payload))/bytesPerTokenIn + 1
		return (inTokens*chatInputRate + assumedOutTok*chatOutputRate) / 1_000_000
	}
}

func (a *Adapter) Invoke(ctx context.Context, req *canonical.Request) ([]byte, int64, error) {
	switch req.Kind {
	case canonical.KindTextGen:
		return a.complete(ctx, req)
	case canonical.KindEmbedding:
		return a.embed(ctx, req)
	case canonical.KindSpeechToText:
		return a.transcribe(ctx, req)
	default:
		return nil, 0, canonical.NewProviderError(providerID, canonical.FailureMalformed,
			fmt.Errorf("unsupported kind %s", req.Kind))
	}
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
	Choices []chatChoice `json:"choices"`
	Usage   tokenUsage   `json:"usage"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type tokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

func (a *Adapter) complete(ctx context.Context, req *canonical.Request) ([]byte, int64, error) {
	body, err := json.Marshal(chatRequest{
		Model:    "gpt-4o-mini",
		Messages: []chatMessage{{Role: "user", Content: string(req.Payload)}},
	})
	if err != nil {
		return nil, 0, canonical.NewProviderError(providerID, canonical.FailureMalformed, err)
	}

	respBody, perr := a.post(ctx, "/chat/completions", "application/json", bytes.NewReader(body))
	if perr != nil {
		return nil, 0, perr
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, 0, canonical.NewProviderError(providerID, canonical.FailureMalformed, err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, 0, canonical.NewProviderError(providerID, canonical.FailureMalformed,
			fmt.Errorf("no choices in response"))
	}

	cost := (chatResp.Usage.PromptTokens*chatInputRate + chatResp.Usage.CompletionTokens*chatOutputRate) / 1_000_000
	return []byte(chatResp.Choices[0].Message.Content), cost, nil
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Usage tokenUsage      `json:"usage"`
}

type embeddingData struct {
	Embedding []float64 `json:"embedding"`
}

func (a *Adapter) embed(ctx context.Context, req *canonical.Request) ([]byte, int64, error) {
	body, err := json.Marshal(embeddingRequest{
		Model: "text-embedding-3-small",
		Input: string(req.Payload),
	})
	if err != nil {
		return nil, 0, canonical.NewProviderError(providerID, canonical.FailureMalformed, err)
	}

	respBody, perr := a.post(ctx, "/embeddings", "application/json", bytes.NewReader(body))
	if perr != nil {
		return nil, 0, perr
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		return nil, 0, canonical.NewProviderError(providerID, canonical.FailureMalformed, err)
	}
	if len(embResp.Data) == 0 {
		return nil, 0, canonical.NewProviderError(providerID, canonical.FailureMalformed,
			fmt.Errorf("no embedding in response"))
	}

	payload, err := json.Marshal(embResp.Data[0].Embedding)
	if err != nil {
		return nil, 0, canonical.NewProviderError(providerID, canonical.FailureMalformed, err)
	}
	cost := embResp.Usage.PromptTokens * embeddingRate / 1_000_000
	return payload, cost, nil
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

func (a *Adapter) transcribe(ctx context.Context, req *canonical.Request) ([]byte, int64, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, 0, canonical.NewProviderError(providerID, canonical.FailureMalformed, err)
	}
	if _, err := fw.Write(req.Payload); err != nil {
		return nil, 0, canonical.NewProviderError(providerID, canonical.FailureMalformed, err)
	}
	_ = mw.WriteField("model", "whisper-1")
	if req.Constraints.RequiredLanguage != "" {
		_ = mw.WriteField("language", req.Constraints.RequiredLanguage)
	}
	if err := mw.Close(); err != nil {
		return nil, 0, canonical.NewProviderError(providerID, canonical.FailureMalformed, err)
	}

	respBody, perr := a.post(ctx, "/audio/transcriptions", mw.FormDataContentType(), &buf)
	if perr != nil {
		return nil, 0, perr
	}

	var trResp transcriptionResponse
	if err := json.Unmarshal(respBody, &trResp); err != nil {
		return nil, 0, canonical.NewProviderError(providerID, canonical.FailureMalformed, err)
	}

	seconds := int64(len(req.Payload))/bytesPerSecond + 1
	return []byte(trResp.Text), seconds * transcribeRate, nil
}

// post runs one upstream call and maps every failure onto the closed
// failure-kind set.
func (a *Adapter) post(ctx context.Context, path, contentType string, body io.Reader) ([]byte, *canonical.ProviderError) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+path, body)
	if err != nil {
		return nil, canonical.NewProviderError(providerID, canonical.FailureMalformed, err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", a.apiKey))

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, canonical.ClassifyTransportError(providerID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, canonical.ClassifyTransportError(providerID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, canonical.ClassifyStatus(providerID, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
