package serp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/rotisserie/eris"
)

const defaultSerperURL = "https://google.serper.dev/search"

type serperClient struct {
	*httpClient
}

// NewSerper creates a client for serper.dev.
func NewSerper(apiKey string, opts ...Option) Client {
	return &serperClient{httpClient: newHTTPClient(apiKey, defaultSerperURL, opts)}
}

func (c *serperClient) Provider() string { return ProviderSerper }

type serperRequest struct {
	Q  string `json:"q"`
	GL string `json:"gl,omitempty"`
	HL string `json:"hl,omitempty"`
}

type serperBlock struct {
	Title       string          `json:"title"`
	Type        string          `json:"type"`
	Snippet     string          `json:"snippet"`
	Answer      string          `json:"answer"`
	Description string          `json:"description"`
	AIGenerated json.RawMessage `json:"aiGenerated"`
}

type serperResponse struct {
	AIOverview     *serperBlock `json:"aiOverview"`
	AnswerBox      *serperBlock `json:"answerBox"`
	KnowledgeGraph *serperBlock `json:"knowledgeGraph"`
	Organic        []struct {
		Position      int             `json:"position"`
		Title         string          `json:"title"`
		Link          string          `json:"link"`
		Snippet       string          `json:"snippet"`
		AIGenerated   json.RawMessage `json:"aiGenerated"`
		GeneratedByAI json.RawMessage `json:"generatedByAI"`
	} `json:"organic"`
	SearchInformation struct {
		TotalResults json.RawMessage `json:"totalResults"`
	} `json:"searchInformation"`
}

func (c *serperClient) Search(ctx context.Context, q Query) (*Response, error) {
	body, err := json.Marshal(serperRequest{Q: q.Keyword, GL: q.Country, HL: q.Language})
	if err != nil {
		return nil, eris.Wrap(err, "serper: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "serper: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.apiKey)

	respBody, err := c.do(req, ProviderSerper)
	if err != nil {
		return nil, err
	}

	var raw serperResponse
	if err := decode(ProviderSerper, respBody, &raw); err != nil {
		return nil, err
	}
	return raw.normalize(), nil
}

func (b *serperBlock) block() *Block {
	if b == nil {
		return nil
	}
	return &Block{
		Title:       b.Title,
		Type:        b.Type,
		Snippet:     b.Snippet,
		Answer:      b.Answer,
		Description: b.Description,
		Generated:   flag(b.AIGenerated),
	}
}

func (r *serperResponse) normalize() *Response {
	out := &Response{
		Overview:       r.AIOverview.block(),
		AnswerBox:      r.AnswerBox.block(),
		KnowledgeGraph: r.KnowledgeGraph.block(),
		TotalResults:   parseTotal(r.SearchInformation.TotalResults),
	}
	for _, o := range r.Organic {
		out.Organic = append(out.Organic, Result{
			Position:  o.Position,
			Title:     o.Title,
			Link:      o.Link,
			Snippet:   o.Snippet,
			Generated: flag(o.AIGenerated) || flag(o.GeneratedByAI),
		})
	}
	return out
}
