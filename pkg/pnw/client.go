// Package pnw is a small client for the game's GraphQL API.
package pnw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://api.politicsandwar.com/graphql"

// maxPage bounds the page size of a nations query. Callers chunk ids well
// below this.
const maxPage = 500

// ErrMalformed marks a response that could not be decoded or that carried
// GraphQL errors.
var ErrMalformed = eris.New("pnw: malformed response")

// StatusError is returned for any non-200 response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("pnw: unexpected status %d: %s", e.StatusCode, e.Body)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// IsMalformed reports whether err wraps ErrMalformed.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformed)
}

// Client queries the game API. The API key is passed per call so callers
// can rotate credentials.
type Client interface {
	NationAlliances(ctx context.Context, apiKey string, ids []int) ([]NationAlliance, error)
	NationCities(ctx context.Context, apiKey string, ids []int) ([]NationCities, error)
	TradePrices(ctx context.Context, apiKey string) (*TradePrices, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default GraphQL endpoint.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *httpClient) {
		c.userAgent = ua
	}
}

type httpClient struct {
	baseURL   string
	userAgent string
	http      *http.Client
}

// NewClient creates a GraphQL API client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL:   defaultBaseURL,
		userAgent: "raidscout/1.0",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

type envelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

var (
	nationAlliancesQuery = fmt.Sprintf(`query NationAlliances($ids: [Int]) {
  nations(id: $ids, first: %d) {
    data { id alliance_id alliance_position alliance { id name rank } }
  }
}`, maxPage)

	nationCitiesQuery = fmt.Sprintf(`query NationCities($ids: [Int]) {
  nations(id: $ids, first: %d) {
    data { id cities { id name infrastructure land powered %s } }
  }
}`, maxPage, strings.Join(BuildingFields, " "))

	tradePricesQuery = `query TradePrices {
  tradeprices(first: 1) {
    data { coal oil uranium iron bauxite lead gasoline munitions steel aluminum food credits }
  }
}`
)

func (c *httpClient) NationAlliances(ctx context.Context, apiKey string, ids []int) ([]NationAlliance, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out struct {
		Nations struct {
			Data []NationAlliance `json:"data"`
		} `json:"nations"`
	}
	if err := c.do(ctx, apiKey, request{Query: nationAlliancesQuery, Variables: map[string]any{"ids": ids}}, &out); err != nil {
		return nil, eris.Wrap(err, "pnw: nation alliances")
	}
	return out.Nations.Data, nil
}

func (c *httpClient) NationCities(ctx context.Context, apiKey string, ids []int) ([]NationCities, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out struct {
		Nations struct {
			Data []NationCities `json:"data"`
		} `json:"nations"`
	}
	if err := c.do(ctx, apiKey, request{Query: nationCitiesQuery, Variables: map[string]any{"ids": ids}}, &out); err != nil {
		return nil, eris.Wrap(err, "pnw: nation cities")
	}
	return out.Nations.Data, nil
}

// TradePrices returns nil without error when the API has no price row.
func (c *httpClient) TradePrices(ctx context.Context, apiKey string) (*TradePrices, error) {
	var out struct {
		TradePrices struct {
			Data []TradePrices `json:"data"`
		} `json:"tradeprices"`
	}
	if err := c.do(ctx, apiKey, request{Query: tradePricesQuery}, &out); err != nil {
		return nil, eris.Wrap(err, "pnw: trade prices")
	}
	if len(out.TradePrices.Data) == 0 {
		return nil, nil
	}
	return &out.TradePrices.Data[0], nil
}

func (c *httpClient) do(ctx context.Context, apiKey string, req request, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return eris.Wrap(err, "marshal request")
	}

	endpoint := c.baseURL
	if apiKey != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += sep + "api_key=" + url.QueryEscape(apiKey)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return eris.Wrap(err, "send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response")
	}

	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 200)}
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return eris.Wrapf(ErrMalformed, "unmarshal response: %v", err)
	}
	if len(env.Errors) > 0 {
		msgs := make([]string, len(env.Errors))
		for i, e := range env.Errors {
			msgs[i] = e.Message
		}
		return eris.Wrapf(ErrMalformed, "graphql errors: %s", strings.Join(msgs, "; "))
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return eris.Wrapf(ErrMalformed, "unmarshal data: %v", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
