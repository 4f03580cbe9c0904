// Package searchconsole queries the Search Console searchAnalytics API.
package searchconsole

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/aio-analyzer/internal/resilience"
)

const (
	defaultBaseURL = "https://searchconsole.googleapis.com/webmasters/v3"
	service        = "searchconsole"

	// MaxRowLimit is the largest page the API returns.
	MaxRowLimit = 25000

	dateLayout = "2006-01-02"
)

// Client reads query performance rows for a property.
type Client interface {
	Query(ctx context.Context, req QueryRequest) ([]Row, error)
}

// QueryRequest selects rows grouped by search query.
type QueryRequest struct {
	SiteURL   string
	StartDate time.Time
	EndDate   time.Time
	// QueryRegex filters queries with an RE2 pattern (includingRegex).
	QueryRegex string
	RowLimit   int
}

// Row is one query's totals over the date range.
type Row struct {
	Query       string
	Clicks      int64
	Impressions int64
	CTR         float64
	Position    float64
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

type httpClient struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Search Console client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type filter struct {
	Dimension  string `json:"dimension"`
	Operator   string `json:"operator"`
	Expression string `json:"expression"`
}

type filterGroup struct {
	Filters []filter `json:"filters"`
}

type queryBody struct {
	StartDate             string        `json:"startDate"`
	EndDate               string        `json:"endDate"`
	Dimensions            []string      `json:"dimensions"`
	RowLimit              int           `json:"rowLimit"`
	DimensionFilterGroups []filterGroup `json:"dimensionFilterGroups,omitempty"`
}

type queryResponse struct {
	Rows []struct {
		Keys        []string `json:"keys"`
		Clicks      float64  `json:"clicks"`
		Impressions float64  `json:"impressions"`
		CTR         float64  `json:"ctr"`
		Position    float64  `json:"position"`
	} `json:"rows"`
}

func (c *httpClient) Query(ctx context.Context, req QueryRequest) ([]Row, error) {
	if req.SiteURL == "" {
		return nil, resilience.InvalidInputf("searchconsole: site url is required")
	}
	if req.EndDate.Before(req.StartDate) {
		return nil, resilience.InvalidInputf("searchconsole: end date %s before start date %s",
			req.EndDate.Format(dateLayout), req.StartDate.Format(dateLayout))
	}
	limit := req.RowLimit
	if limit <= 0 || limit > MaxRowLimit {
		limit = MaxRowLimit
	}

	body := queryBody{
		StartDate:  req.StartDate.Format(dateLayout),
		EndDate:    req.EndDate.Format(dateLayout),
		Dimensions: []string{"query"},
		RowLimit:   limit,
	}
	if req.QueryRegex != "" {
		body.DimensionFilterGroups = []filterGroup{{Filters: []filter{{
			Dimension:  "query",
			Operator:   "includingRegex",
			Expression: req.QueryRegex,
		}}}}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrap(err, "searchconsole: marshal request")
	}

	endpoint := c.baseURL + "/sites/" + url.PathEscape(req.SiteURL) + "/searchAnalytics/query"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "searchconsole: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
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

	var qr queryResponse
	if err := json.Unmarshal(respBody, &qr); err != nil {
		return nil, resilience.ParseFailure(eris.Wrap(err, "searchconsole: unmarshal response"))
	}

	rows := make([]Row, 0, len(qr.Rows))
	for _, r := range qr.Rows {
		if len(r.Keys) == 0 || r.Keys[0] == "" {
			continue
		}
		rows = append(rows, Row{
			Query:       r.Keys[0],
			Clicks:      int64(r.Clicks),
			Impressions: int64(r.Impressions),
			CTR:         r.CTR,
			Position:    r.Position,
		})
	}
	return rows, nil
}
