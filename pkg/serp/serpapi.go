package serp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/rotisserie/eris"
)

const defaultSerpAPIURL = "https://serpapi.com/search.json"

type serpAPIClient struct {
	*httpClient
}

// NewSerpAPI creates a client for serpapi.com using the google engine.
func NewSerpAPI(apiKey string, opts ...Option) Client {
	return &serpAPIClient{httpClient: newHTTPClient(apiKey, defaultSerpAPIURL, opts)}
}

func (c *serpAPIClient) Provider() string { return ProviderSerpAPI }

type serpAPIBlock struct {
	Title       string          `json:"title"`
	Type        string          `json:"type"`
	Snippet     string          `json:"snippet"`
	Answer      string          `json:"answer"`
	Description string          `json:"description"`
	AIGenerated json.RawMessage `json:"ai_generated"`
}

type serpAPIResponse struct {
	AIOverview     *serpAPIBlock `json:"ai_overview"`
	AnswerBox      *serpAPIBlock `json:"answer_box"`
	KnowledgeGraph *serpAPIBlock `json:"knowledge_graph"`
	OrganicResults []struct {
		Position      int             `json:"position"`
		Title         string          `json:"title"`
		Link          string          `json:"link"`
		Snippet       string          `json:"snippet"`
		AIGenerated   json.RawMessage `json:"ai_generated"`
		GeneratedByAI json.RawMessage `json:"generated_by_ai"`
	} `json:"organic_results"`
	SearchInformation struct {
		TotalResults json.RawMessage `json:"total_results"`
	} `json:"search_information"`
	Error string `json:"error"`
}

func (c *serpAPIClient) Search(ctx context.Context, q Query) (*Response, error) {
	params := url.Values{}
	params.Set("engine", "google")
	params.Set("q", q.Keyword)
	params.Set("api_key", c.apiKey)
	if q.Country != "" {
		params.Set("gl", q.Country)
	}
	if q.Language != "" {
		params.Set("hl", q.Language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "serpapi: create request")
	}

	body, err := c.do(req, ProviderSerpAPI)
	if err != nil {
		return nil, err
	}

	var raw serpAPIResponse
	if err := decode(ProviderSerpAPI, body, &raw); err != nil {
		return nil, err
	}
	return raw.normalize(), nil
}

func (b *serpAPIBlock) block() *Block {
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

func (r *serpAPIResponse) normalize() *Response {
	out := &Response{
		Overview:       r.AIOverview.block(),
		AnswerBox:      r.AnswerBox.block(),
		KnowledgeGraph: r.KnowledgeGraph.block(),
		TotalResults:   parseTotal(r.SearchInformation.TotalResults),
	}
	// SerpApi reports some overviews as a knowledge graph of type ai_overview.
	if out.Overview == nil && out.KnowledgeGraph != nil && out.KnowledgeGraph.Type == "ai_overview" {
		out.Overview = out.KnowledgeGraph
	}
	for _, o := range r.OrganicResults {
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
