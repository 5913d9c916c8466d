// Package sinkapi is the client for the downstream planning system: BK-hash
// lookups plus single and batch record writes.
package sinkapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/erpbridge/erpbridge/internal/apiauth"
	"github.com/erpbridge/erpbridge/internal/types"
)

// BatchTimeout bounds batch write and batch query calls.
const BatchTimeout = 120 * time.Second

// LookupChunkSize caps one batch BK-hash query.
const LookupChunkSize = 500

// BatchFailure is one rejected record inside a batch response.
type BatchFailure struct {
	UID    string       `json:"uid,omitempty"`
	Record types.Record `json:"record,omitempty"`
	Error  string       `json:"error"`
}

// BatchResult is the sink's batch-operation envelope.
type BatchResult struct {
	SuccessCount int            `json:"success_count"`
	FailureCount int            `json:"failure_count"`
	Failures     []BatchFailure `json:"failures,omitempty"`
}

// BatchUpdate pairs a stored uid with the fields to change.
type BatchUpdate struct {
	UID    string       `json:"uid"`
	Record types.Record `json:"record"`
}

// Client talks to the sink API.
type Client struct {
	api *apiauth.Client
	log *zap.Logger
}

// New builds a sink client.
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

// GetByBKHash fetches one record by business-key hash. Returns (nil, nil)
// when the sink has no such record.
func (c *Client) GetByBKHash(ctx context.Context, entity, bkHash string) (types.Record, error) {
	q := url.Values{types.FieldKeyHash: {bkHash}}
	data, status, err := c.api.Do(ctx, http.MethodGet, "/"+url.PathEscape(entity), q, nil, 0)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, types.E(types.KindConnection, "lookup %s returned status %d", entity, status)
	}

	// the sink answers either a bare record or a match list
	var rec types.Record
	if err := json.Unmarshal(data, &rec); err == nil && len(rec) > 0 {
		return rec, nil
	}
	var list []types.Record
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, types.Wrap(types.KindConnection, err, "malformed sink response")
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// GetBatchByBKHashes fetches stored records for a set of BK hashes, chunking
// the query. The result maps bk hash to record; absent hashes are omitted.
func (c *Client) GetBatchByBKHashes(ctx context.Context, entity string, bkHashes []string) (map[string]types.Record, error) {
	out := make(map[string]types.Record, len(bkHashes))

	for start := 0; start < len(bkHashes); start += LookupChunkSize {
		end := start + LookupChunkSize
		if end > len(bkHashes) {
			end = len(bkHashes)
		}
		chunk := bkHashes[start:end]

		payload := map[string][]string{"erp_key_hashes": chunk}
		data, status, err := c.api.Do(ctx, http.MethodPost,
			"/"+url.PathEscape(entity)+"/batch/query", nil, payload, BatchTimeout)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, types.E(types.KindConnection,
				"batch query %s returned status %d", entity, status)
		}

		var records []types.Record
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, types.Wrap(types.KindConnection, err, "malformed batch query response")
		}
		for _, rec := range records {
			if bk := rec.KeyHash(); bk != "" {
				out[bk] = rec
			}
		}
	}

	c.log.Debug("batch lookup",
		zap.String("entity", entity),
		zap.Int("requested", len(bkHashes)),
		zap.Int("found", len(out)))
	return out, nil
}

// Insert creates one record and returns the stored row.
func (c *Client) Insert(ctx context.Context, entity string, rec types.Record) (types.Record, error) {
	data, status, err := c.api.Do(ctx, http.MethodPost, "/"+url.PathEscape(entity), nil, rec, 0)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK, http.StatusCreated:
	case http.StatusConflict:
		return nil, types.E(types.KindAlreadyExists, "%s record already exists", entity)
	default:
		return nil, types.E(types.KindConnection, "insert %s returned status %d", entity, status)
	}
	var stored types.Record
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, types.Wrap(types.KindConnection, err, "malformed insert response")
	}
	return stored, nil
}

// Update patches the stored record identified by uid.
func (c *Client) Update(ctx context.Context, entity, uid string, changes types.Record) (types.Record, error) {
	data, status, err := c.api.Do(ctx, http.MethodPatch,
		"/"+url.PathEscape(entity)+"/"+url.PathEscape(uid), nil, changes, 0)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, types.E(types.KindNotFound, "%s %s not found", entity, uid)
	default:
		return nil, types.E(types.KindConnection, "update %s returned status %d", entity, status)
	}
	var stored types.Record
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, types.Wrap(types.KindConnection, err, "malformed update response")
	}
	return stored, nil
}

// Delete removes the stored record identified by uid.
func (c *Client) Delete(ctx context.Context, entity, uid string) error {
	_, status, err := c.api.Do(ctx, http.MethodDelete,
		"/"+url.PathEscape(entity)+"/"+url.PathEscape(uid), nil, nil, 0)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return types.E(types.KindNotFound, "%s %s not found", entity, uid)
	default:
		return types.E(types.KindConnection, "delete %s returned status %d", entity, status)
	}
}

// BatchInsert creates many records in one call.
func (c *Client) BatchInsert(ctx context.Context, entity string, records []types.Record) (*BatchResult, error) {
	if len(records) == 0 {
		return &BatchResult{}, nil
	}
	return c.batchOp(ctx, entity, "insert", map[string]any{"records": records})
}

// BatchUpdate patches many records in one call.
func (c *Client) BatchUpdate(ctx context.Context, entity string, updates []BatchUpdate) (*BatchResult, error) {
	if len(updates) == 0 {
		return &BatchResult{}, nil
	}
	return c.batchOp(ctx, entity, "update", map[string]any{"updates": updates})
}

// BatchDelete removes many records by uid in one call.
func (c *Client) BatchDelete(ctx context.Context, entity string, uids []string) (*BatchResult, error) {
	if len(uids) == 0 {
		return &BatchResult{}, nil
	}
	return c.batchOp(ctx, entity, "delete", map[string]any{"uids": uids})
}

func (c *Client) batchOp(ctx context.Context, entity, op string, payload any) (*BatchResult, error) {
	data, status, err := c.api.Do(ctx, http.MethodPost,
		"/"+url.PathEscape(entity)+"/batch/"+op, nil, payload, BatchTimeout)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, types.E(types.KindConnection,
			"batch %s %s returned status %d", op, entity, status)
	}

	var res BatchResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, types.Wrap(types.KindConnection, err, "malformed batch %s response", op)
	}
	c.log.Info("batch operation",
		zap.String("entity", entity),
		zap.String("op", op),
		zap.Int("succeeded", res.SuccessCount),
		zap.Int("failed", res.FailureCount))
	return &res, nil
}

// Health probes the sink's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	_, status, err := c.api.Do(ctx, http.MethodGet, "/health", nil, nil, 0)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return types.E(types.KindConnection, "sink unhealthy: status %d", status)
	}
	return nil
}
