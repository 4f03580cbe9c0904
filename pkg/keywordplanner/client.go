// Package keywordplanner generates keyword ideas with the Google Ads
// KeywordPlanIdeaService REST endpoint.
package keywordplanner

import (
	"bytes"
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

const (
	defaultBaseURL = "https://googleads.googleapis.com/v17"
	service        = "keywordplanner"

	// MaxSeeds is the most seed keywords one request accepts.
	MaxSeeds = 20

	// DefaultLanguageID is English; DefaultGeoTargetID is the United States.
	DefaultLanguageID  = "1001"
	DefaultGeoTargetID = "1013274"

	microsPerUnit = 1_000_000
)

// Client expands seed keywords into ideas.
type Client interface {
	GenerateIdeas(ctx context.Context, req IdeaRequest) ([]Idea, error)
}

// IdeaRequest carries seeds and the targeting for one call.
type IdeaRequest struct {
	Seeds       []string
	LanguageID  string
	GeoTargetID string
}

// Idea is one suggested keyword with its historical metrics. Bids are in
// currency units.
type Idea struct {
	Text             string
	AvgMonthly       int64
	Competition      string
	CompetitionIndex int
	BidLow           float64
	BidHigh          float64
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets the authorized http.Client (see pkg/googleauth).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithLoginCustomerID sets the manager account the request acts through.
func WithLoginCustomerID(id string) Option {
	return func(c *httpClient) {
		c.loginCustomerID = normalizeCustomerID(id)
	}
}

type httpClient struct {
	developerToken  string
	customerID      string
	loginCustomerID string
	baseURL         string
	http            *http.Client
}

// NewClient creates a Keyword Planner client for customerID. Dashes in
// customer IDs are ignored.
func NewClient(developerToken, customerID string, opts ...Option) Client {
	c := &httpClient{
		developerToken: developerToken,
		customerID:     normalizeCustomerID(customerID),
		baseURL:        defaultBaseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type ideaBody struct {
	Language             string      `json:"language"`
	GeoTargetConstants   []string    `json:"geoTargetConstants"`
	IncludeAdultKeywords bool        `json:"includeAdultKeywords"`
	KeywordPlanNetwork   string      `json:"keywordPlanNetwork"`
	KeywordSeed          keywordSeed `json:"keywordSeed"`
	PageToken            string      `json:"pageToken,omitempty"`
}

type keywordSeed struct {
	Keywords []string `json:"keywords"`
}

type ideaResponse struct {
	Results []struct {
		Text    string `json:"text"`
		Metrics struct {
			AvgMonthlySearches     flexInt `json:"avgMonthlySearches"`
			Competition            string  `json:"competition"`
			CompetitionIndex       flexInt `json:"competitionIndex"`
			LowTopOfPageBidMicros  flexInt `json:"lowTopOfPageBidMicros"`
			HighTopOfPageBidMicros flexInt `json:"highTopOfPageBidMicros"`
		} `json:"keywordIdeaMetrics"`
	} `json:"results"`
	NextPageToken string `json:"nextPageToken"`
}

// flexInt decodes int64 values that the REST API sends as strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return eris.Wrapf(err, "keywordplanner: parse int %q", s)
	}
	*f = flexInt(n)
	return nil
}

func (c *httpClient) GenerateIdeas(ctx context.Context, req IdeaRequest) ([]Idea, error) {
	if len(req.Seeds) == 0 {
		return nil, nil
	}
	if len(req.Seeds) > MaxSeeds {
		return nil, resilience.InvalidInputf("keywordplanner: %d seeds exceeds the limit of %d", len(req.Seeds), MaxSeeds)
	}
	if c.customerID == "" {
		return nil, resilience.InvalidInputf("keywordplanner: customer id is required")
	}

	lang := req.LanguageID
	if lang == "" {
		lang = DefaultLanguageID
	}
	geo := req.GeoTargetID
	if geo == "" {
		geo = DefaultGeoTargetID
	}

	body := ideaBody{
		Language:           "languageConstants/" + lang,
		GeoTargetConstants: []string{"geoTargetConstants/" + geo},
		KeywordPlanNetwork: "GOOGLE_SEARCH",
		KeywordSeed:        keywordSeed{Keywords: req.Seeds},
	}

	var ideas []Idea
	for {
		page, err := c.page(ctx, body)
		if err != nil {
			return nil, err
		}
		for _, r := range page.Results {
			if r.Text == "" {
				continue
			}
			m := r.Metrics
			ideas = append(ideas, Idea{
				Text:             r.Text,
				AvgMonthly:       int64(m.AvgMonthlySearches),
				Competition:      m.Competition,
				CompetitionIndex: int(m.CompetitionIndex),
				BidLow:           fromMicros(int64(m.LowTopOfPageBidMicros)),
				BidHigh:          fromMicros(int64(m.HighTopOfPageBidMicros)),
			})
		}
		if page.NextPageToken == "" {
			return ideas, nil
		}
		body.PageToken = page.NextPageToken
	}
}

func (c *httpClient) page(ctx context.Context, body ideaBody) (*ideaResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrap(err, "keywordplanner: marshal request")
	}

	endpoint := c.baseURL + "/customers/" + c.customerID + ":generateKeywordIdeas"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "keywordplanner: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("developer-token", c.developerToken)
	if c.loginCustomerID != "" {
		req.Header.Set("login-customer-id", c.loginCustomerID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.FromTransport(service, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.FromTransport(service, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resilience.FromHTTPStatus(service, resp.StatusCode, respBody, resp.Header)
	}

	var ir ideaResponse
	if err := json.Unmarshal(respBody, &ir); err != nil {
		return nil, resilience.ParseFailure(eris.Wrap(err, "keywordplanner: unmarshal response"))
	}
	return &ir, nil
}

func fromMicros(m int64) float64 {
	return float64(m) / microsPerUnit
}

func normalizeCustomerID(id string) string {
	return strings.ReplaceAll(strings.TrimSpace(id), "-", "")
}
