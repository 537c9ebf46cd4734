// Package gemini adapts canonical text generation, translation, and
// embedding requests onto the Google Generative Language API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nuruai/orchestrator/internal/canonical"
)

const providerID = "gemini"

// Micro-dollars per million tokens.
const (
	inputRate       = 75_000
	outputRate      = 300_000
	embeddingRate   = 15_000
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
		baseURL: "https://generativelanguage.googleapis.com/v1beta",
	}
}

func (a *Adapter) Descriptor() canonical.Descriptor {
	return canonical.Descriptor{
		ProviderID: providerID,
		Kinds: []canonical.Kind{
			canonical.KindTextGen,
			canonical.KindTranslate,
			canonical.KindEmbedding,
		},
		BaseTimeoutMs: 20_000,
		MinLatencyMs:  200,
	}
}

func (a *Adapter) EstimateCost(req *canonical.Request) int64 {
	inTokens := int64(len(req.Payload))/bytesPerTokenIn + 1
	if req.Kind == canonical.KindEmbedding {
		return inTokens * embeddingRate / 1_000_000
	}
	return (inTokens*inputRate + assumedOutTok*outputRate) / 1_000_000
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates    []candidate   `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata"`
}

type candidate struct {
	Content content `json:"content"`
}

type usageMetadata struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
}

type embedRequest struct {
	Content content `json:"content"`
}

type embedResponse struct {
	Embedding embeddingValues `json:"embedding"`
}

type embeddingValues struct {
	Values []float64 `json:"values"`
}

func (a *Adapter) Invoke(ctx context.Context, req *canonical.Request) ([]byte, int64, error) {
	if req.Kind == canonical.KindEmbedding {
		return a.embed(ctx, req)
	}
	return a.generate(ctx, req)
}

func (a *Adapter) generate(ctx context.Context, req *canonical.Request) ([]byte, int64, error) {
	text := string(req.Payload)
	if req.Kind == canonical.KindTranslate {
		lang := req.Constraints.RequiredLanguage
		if lang == "" {
			lang = "English"
		}
		text = fmt.Sprintf("Translate the following text into %s. Reply with the translation only.\n\n%s", lang, text)
	}

	genReq := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: text}}}},
	}
	url := fmt.Sprintf("%s/models/gemini-2.0-flash:generateContent?key=%s", a.baseURL, a.apiKey)

	respBody, perr := a.post(ctx, url, genReq)
	if perr != nil {
		return nil, 0, perr
	}

	var genResp generateResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return nil, 0, canonical.NewProviderError(providerID, canonical.FailureMalformed, err)
	}
	if len(genResp.Candidates) == 0 || len(genResp.Candidates[0].Content.Parts) == 0 {
		return nil, 0, canonical.NewProviderError(providerID, canonical.FailureMalformed,
			fmt.Errorf("no candidates in response"))
	}

	cost := (genResp.UsageMetadata.PromptTokenCount*inputRate +
		genResp.UsageMetadata.CandidatesTokenCount*outputRate) / 1_000_000
	return []byte(genResp.Candidates[0].Content.Parts[0].Text), cost, nil
}

func (a *Adapter) embed(ctx context.Context, req *canonical.Request) ([]byte, int64, error) {
	embReq := embedRequest{
		Content: content{Parts: []part{{Text: string(req.Payload)}}},
	}
	url := fmt.Sprintf("%s/models/text-embedding-004:embedContent?key=%s", a.baseURL, a.apiKey)

	respBody, perr := a.post(ctx, url, embReq)
	if perr != nil {
		return nil, 0, perr
	}

	var embResp embedResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		return nil, 0, canonical.NewProviderError(providerID, canonical.FailureMalformed, err)
	}
	if len(embResp.Embedding.Values) == 0 {
		return nil, 0, canonical.NewProviderError(providerID, canonical.FailureMalformed,
			fmt.Errorf("no embedding in response"))
	}

	payload, err := json.Marshal(embResp.Embedding.Values)
	if err != nil {
		return nil, 0, canonical.NewProviderError(providerID, canonical.FailureMalformed, err)
	}
	return payload, a.EstimateCost(req), nil
}

func (a *Adapter) post(ctx context.Context, url string, reqBody any) ([]byte, *canonical.ProviderError) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, canonical.NewProviderError(providerID, canonical.FailureMalformed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, canonical.NewProviderError(providerID, canonical.FailureMalformed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
