package resource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-querysync/pkg/failure"
	"github.com/rs/zerolog"
)

// Defaults applied by the client when a list request leaves them unset.
const (
	DefaultPage = 0
	DefaultSize = 20
	DefaultSort = "createdAt,desc"
)

// HTTPClientConfig holds configuration for the HTTP resource client.
type HTTPClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// TokenSource supplies the bearer token for each request. Session bootstrap
// lives outside this package.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// envelope is the wrapper the API puts around every response body.
type envelope struct {
	Success    *bool           `json:"success"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
	StatusCode int             `json:"statusCode"`
}

// HTTPClient implements API over the marketplace REST endpoints.
type HTTPClient struct {
	baseURL *url.URL
	client  *http.Client
	tokens  TokenSource
	logger  zerolog.Logger
}

// NewHTTPClient creates a client for cfg.BaseURL. tokens may be nil for
// anonymous access.
func NewHTTPClient(cfg *HTTPClientConfig, httpClient *http.Client, tokens TokenSource, logger zerolog.Logger) (*HTTPClient, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{
		baseURL: base,
		client:  httpClient,
		tokens:  tokens,
		logger:  logger.With().Str("component", "HTTPResourceClient").Logger(),
	}, nil
}

// List fetches one page of the list view selected by req.Scope.
func (c *HTTPClient) List(ctx context.Context, req ListRequest) (Page[ProductSummary], error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(intOr(req.Page, DefaultPage)))
	q.Set("size", strconv.Itoa(intOr(req.Size, DefaultSize)))

	var path string
	switch req.Scope {
	case ScopePending:
		path = "/products/pending"
	case ScopeAdmin:
		q.Set("sort", stringOr(req.Sort, DefaultSort))
		setIf(q, "keyword", strings.TrimSpace(req.Keyword))
		if req.Status != "" {
			path = "/products/status/" + url.PathEscape(string(req.Status))
		} else {
			path = "/products/admin/all"
		}
	default:
		path = "/products"
		if req.Scope == ScopeMine {
			path = "/products/my-products"
		}
		q.Set("sort", stringOr(req.Sort, DefaultSort))
		setIf(q, "keyword", strings.TrimSpace(req.Keyword))
		setIf(q, "categoryId", req.CategoryID)
		setIf(q, "brandId", req.BrandID)
		setIf(q, "status", string(req.Status))
		if req.MinPrice != nil {
			q.Set("minPrice", strconv.FormatFloat(*req.MinPrice, 'f', -1, 64))
		}
		if req.MaxPrice != nil {
			q.Set("maxPrice", strconv.FormatFloat(*req.MaxPrice, 'f', -1, 64))
		}
	}

	var page Page[ProductSummary]
	err := c.do(ctx, http.MethodGet, path, q, nil, &page)
	return page, err
}

// Search runs a keyword search.
func (c *HTTPClient) Search(ctx context.Context, req SearchRequest) (Page[ProductSummary], error) {
	q := url.Values{}
	q.Set("keyword", req.Keyword)
	q.Set("page", strconv.Itoa(intOr(req.Page, DefaultPage)))
	q.Set("size", strconv.Itoa(intOr(req.Size, DefaultSize)))
	var page Page[ProductSummary]
	err := c.do(ctx, http.MethodGet, "/products/search", q, nil, &page)
	return page, err
}

// Detail fetches the full record of one product.
func (c *HTTPClient) Detail(ctx context.Context, id string) (Product, error) {
	var p Product
	err := c.do(ctx, http.MethodGet, "/products/"+url.PathEscape(id), nil, nil, &p)
	return p, err
}

// Create submits a new product for review.
func (c *HTTPClient) Create(ctx context.Context, draft ProductDraft) (Product, error) {
	var p Product
	err := c.do(ctx, http.MethodPost, "/products", nil, draft, &p)
	return p, err
}

// Mutate applies action to product id and returns the updated record.
func (c *HTTPClient) Mutate(ctx context.Context, id string, action Action, payload any) (Product, error) {
	var (
		method string
		path   = "/products/" + url.PathEscape(id)
	)
	switch action {
	case ActionApprove:
		method, path = http.MethodPost, path+"/approve"
	case ActionReject:
		method, path = http.MethodPost, path+"/reject"
	case ActionUpdate:
		method = http.MethodPut
	default:
		return Product{}, failure.Validation(fmt.Sprintf("unsupported action %q", action))
	}
	var p Product
	err := c.do(ctx, method, path, nil, payload, &p)
	return p, err
}

// Delete removes a product.
func (c *HTTPClient) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/products/"+url.PathEscape(id), nil, nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	// path arrives escaped; keep that form so ids containing '/' survive.
	escaped := c.baseURL.EscapedPath() + path
	decoded, err := url.PathUnescape(escaped)
	if err != nil {
		return fmt.Errorf("invalid request path %q: %w", path, err)
	}
	u := *c.baseURL
	u.Path, u.RawPath = decoded, escaped
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return failure.Wrap(failure.KindUnauthorized, "no session token", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	log := c.logger.With().Str("method", method).Str("path", path).Str("request_id", requestID).Logger()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error().Err(err).Msg("Request failed.")
		return failure.Wrap(failure.KindNetwork, "", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure.Wrap(failure.KindNetwork, "failed to read response", err)
	}

	var env envelope
	wrapped := len(raw) > 0 && json.Unmarshal(raw, &env) == nil && env.Success != nil

	if resp.StatusCode >= 400 || (wrapped && !*env.Success) {
		status := resp.StatusCode
		if wrapped && env.StatusCode >= 400 {
			status = env.StatusCode
		}
		log.Warn().Int("status", status).Str("message", env.Message).Msg("API returned an error.")
		return failure.New(kindForStatus(status), env.Message)
	}

	log.Debug().Int("status", resp.StatusCode).Msg("Request succeeded.")
	if out == nil {
		return nil
	}
	data := raw
	if wrapped {
		data = env.Data
	}
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return failure.Wrap(failure.KindServer, "malformed response body", err)
	}
	return nil
}

func kindForStatus(status int) failure.Kind {
	switch {
	case status == http.StatusNotFound:
		return failure.KindNotFound
	case status == http.StatusConflict:
		return failure.KindConflict
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return failure.KindUnauthorized
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return failure.KindValidation
	case status >= 500:
		return failure.KindServer
	case status >= 400:
		return failure.KindValidation
	default:
		// success=false inside a 2xx envelope
		return failure.KindServer
	}
}

func intOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

func stringOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func setIf(q url.Values, name, value string) {
	if value != "" {
		q.Set(name, value)
	}
}

// IsNotFound reports whether err is a missing-resource answer.
func IsNotFound(err error) bool {
	return failure.Is(err, failure.KindNotFound)
}

var _ API = (*HTTPClient)(nil)
