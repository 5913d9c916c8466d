// Package sourceapi is the client for the upstream ERP gateway: connector and
// API-definition discovery plus paged execution of published data APIs.
package sourceapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/erpbridge/erpbridge/internal/apiauth"
	"github.com/erpbridge/erpbridge/internal/types"
)

// FetchTimeout bounds a single execute call; gateway queries against large
// ERP tables can run long.
const FetchTimeout = 60 * time.Second

// Connector describes one upstream data source registered with the gateway.
type Connector struct {
	UID      string `json:"uid"`
	Name     string `json:"name"`
	DBType   string `json:"db_type"`
	IsActive bool   `json:"is_active"`
}

// APIDefinition is a published data API on the gateway.
type APIDefinition struct {
	UID         string `json:"uid"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	IsActive    bool   `json:"is_active"`
}

// APIPage is one page of a filtered API listing.
type APIPage struct {
	Items      []APIDefinition `json:"items"`
	Total      int             `json:"total"`
	Page       int             `json:"page"`
	PageSize   int             `json:"page_size"`
	TotalPages int             `json:"total_pages"`
}

// Filter is one predicate pushed down to the gateway query.
type Filter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// ExecuteRequest parameterizes one execution of a published API.
type ExecuteRequest struct {
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Filters  []Filter    `json:"filters,omitempty"`
	Sort     []SortField `json:"sort,omitempty"`
}

// SortField orders an execution result.
type SortField struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

// ExecuteResult is the gateway's execution envelope.
type ExecuteResult struct {
	Success  bool            `json:"success"`
	Data     []types.Record  `json:"data"`
	Metadata ExecuteMetadata `json:"metadata"`
}

// ExecuteMetadata carries row accounting for pagination.
type ExecuteMetadata struct {
	TotalRows       int `json:"total_rows"`
	Page            int `json:"page"`
	PageSize        int `json:"page_size"`
	ExecutionTimeMS int `json:"execution_time_ms"`
}

// Client talks to the source gateway.
type Client struct {
	api *apiauth.Client
	log *zap.Logger
}

// New builds a source client.
func New(cfg apiauth.Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{api: apiauth.New(cfg), log: log}
}

// Authenticate logs in eagerly. Optional; requests authenticate lazily.
func (c *Client) Authenticate(ctx context.Context) error {
	return c.api.Authenticate(ctx)
}

// ListConnectors returns all registered connectors.
func (c *Client) ListConnectors(ctx context.Context) ([]Connector, error) {
	data, status, err := c.api.Do(ctx, http.MethodGet, "/connectors", nil, nil, 0)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, types.E(types.KindConnection, "list connectors returned status %d", status)
	}
	var out []Connector
	if err := decode(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListAPIs returns one page of published API definitions, optionally filtered
// by a search term.
func (c *Client) ListAPIs(ctx context.Context, search string, page, pageSize int) (*APIPage, error) {
	q := url.Values{}
	if search != "" {
		q.Set("search", search)
	}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		q.Set("page_size", strconv.Itoa(pageSize))
	}

	data, status, err := c.api.Do(ctx, http.MethodGet, "/apis", q, nil, 0)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, types.E(types.KindConnection, "list apis returned status %d", status)
	}
	var out APIPage
	if err := decode(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAPIBySlug fetches one API definition.
func (c *Client) GetAPIBySlug(ctx context.Context, slug string) (*APIDefinition, error) {
	data, status, err := c.api.Do(ctx, http.MethodGet, "/apis/slug/"+url.PathEscape(slug), nil, nil, 0)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, types.E(types.KindNotFound, "api %q not found", slug)
	default:
		return nil, types.E(types.KindConnection, "get api %q returned status %d", slug, status)
	}
	var out APIDefinition
	if err := decode(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute runs one page of a published API.
func (c *Client) Execute(ctx context.Context, slug string, req ExecuteRequest) (*ExecuteResult, error) {
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 {
		req.PageSize = 1000
	}

	data, status, err := c.api.Do(ctx, http.MethodPost,
		"/runtime/"+url.PathEscape(slug)+"/execute", nil, req, FetchTimeout)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, types.E(types.KindNotFound, "api %q not found", slug)
	default:
		return nil, types.E(types.KindConnection, "execute %q returned status %d", slug, status)
	}

	var out ExecuteResult
	if err := decode(data, &out); err != nil {
		return nil, err
	}

	c.log.Debug("api executed",
		zap.String("slug", slug),
		zap.Int("page", req.Page),
		zap.Int("rows", len(out.Data)),
		zap.Int("execution_time_ms", out.Metadata.ExecutionTimeMS))
	return &out, nil
}

// ExecuteAllPages iterates Execute from page 1 until the accumulated rows
// cover the reported total, the gateway returns an empty page, or maxPages is
// reached (0 means unbounded).
func (c *Client) ExecuteAllPages(ctx context.Context, slug string, req ExecuteRequest, maxPages int) ([]types.Record, error) {
	var all []types.Record

	page := 1
	for {
		if err := ctx.Err(); err != nil {
			return all, err
		}

		pageReq := req
		pageReq.Page = page
		res, err := c.Execute(ctx, slug, pageReq)
		if err != nil {
			return all, err
		}

		all = append(all, res.Data...)

		if len(res.Data) == 0 {
			break
		}
		if total := res.Metadata.TotalRows; total > 0 && len(all) >= total {
			break
		}
		if maxPages > 0 && page >= maxPages {
			c.log.Info("page cap reached", zap.String("slug", slug), zap.Int("max_pages", maxPages))
			break
		}
		page++
	}

	c.log.Info("fetch complete", zap.String("slug", slug), zap.Int("rows", len(all)), zap.Int("pages", page))
	return all, nil
}

// Health probes the gateway's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	_, status, err := c.api.Do(ctx, http.MethodGet, "/health", nil, nil, 0)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return types.E(types.KindConnection, "source gateway unhealthy: status %d", status)
	}
	return nil
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return types.Wrap(types.KindConnection, err, "malformed gateway response")
	}
	return nil
}
