// Package serp queries search-results APIs and normalizes their responses
// into one shape.
package serp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/aio-analyzer/internal/resilience"
)

// Provider names.
const (
	ProviderSerper  = "serper"
	ProviderSerpAPI = "serpapi"
)

// Client runs one search per call.
type Client interface {
	Search(ctx context.Context, q Query) (*Response, error)
	Provider() string
}

// Query is one search request.
type Query struct {
	Keyword  string
	Country  string
	Language string
}

// Block is a SERP feature panel (overview, answer box, knowledge panel).
type Block struct {
	Title       string `json:"title,omitempty"`
	Type        string `json:"type,omitempty"`
	Snippet     string `json:"snippet,omitempty"`
	Answer      string `json:"answer,omitempty"`
	Description string `json:"description,omitempty"`
	// Generated is set when the provider flags the block as AI-generated.
	Generated bool `json:"generated,omitempty"`
}

// Text returns the most descriptive text of the block.
func (b *Block) Text() string {
	if b == nil {
		return ""
	}
	for _, s := range []string{b.Snippet, b.Answer, b.Description} {
		if s != "" {
			return s
		}
	}
	return ""
}

// Result is one organic result.
type Result struct {
	Position  int    `json:"position"`
	Title     string `json:"title"`
	Link      string `json:"link"`
	Snippet   string `json:"snippet"`
	Generated bool   `json:"generated,omitempty"`
}

// Response is a provider-independent view of a results page. Nil blocks
// were absent from the page.
type Response struct {
	Overview       *Block   `json:"overview,omitempty"`
	AnswerBox      *Block   `json:"answer_box,omitempty"`
	KnowledgeGraph *Block   `json:"knowledge_graph,omitempty"`
	Organic        []Result `json:"organic,omitempty"`
	TotalResults   int64    `json:"total_results"`
}

// Option configures a client.
type Option func(*httpClient)

// WithBaseURL overrides the provider endpoint.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

func newHTTPClient(apiKey, baseURL string, opts []Option) *httpClient {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// New returns the client for provider.
func New(provider, apiKey string, opts ...Option) (Client, error) {
	switch provider {
	case ProviderSerper:
		return NewSerper(apiKey, opts...), nil
	case ProviderSerpAPI:
		return NewSerpAPI(apiKey, opts...), nil
	default:
		return nil, eris.Errorf("serp: unknown provider %q", provider)
	}
}

// do sends req and returns the body of a 200 response. Failures carry a
// resilience.Kind so callers can tell quota rejections from outages.
func (c *httpClient) do(req *http.Request, service string) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.FromTransport(service, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.FromTransport(service, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resilience.FromHTTPStatus(service, resp.StatusCode, body, resp.Header)
	}
	return body, nil
}

func decode(service string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return resilience.ParseFailure(eris.Wrapf(err, "%s: unmarshal response", service))
	}
	return nil
}

// flag reports whether a JSON field was present with a value other than
// false or null.
func flag(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null" && s != "false"
}

// parseTotal reads counts sent either as numbers or as "1,234" strings.
func parseTotal(raw json.RawMessage) int64 {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		if f, ferr := strconv.ParseFloat(s, 64); ferr == nil {
			return int64(f)
		}
		return 0
	}
	return n
}
