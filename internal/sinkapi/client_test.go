package sinkapi_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erpbridge/erpbridge/internal/apiauth"
	"github.com/erpbridge/erpbridge/internal/sinkapi"
	"github.com/erpbridge/erpbridge/internal/types"
)

func newSink(t *testing.T, handler http.HandlerFunc) *sinkapi.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "tok", "refresh_token": "ref",
		})
	})
	mux.HandleFunc("/", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return sinkapi.New(apiauth.Config{BaseURL: srv.URL, Username: "svc", Password: "pw"})
}

func TestGetByBKHash(t *testing.T) {
	c := newSink(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get(types.FieldKeyHash) {
		case "known":
			_ = json.NewEncoder(w).Encode([]types.Record{
				{"uid": "u1", types.FieldKeyHash: "known"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	rec, err := c.GetByBKHash(context.Background(), "customers", "known")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec["uid"])

	rec, err = c.GetByBKHash(context.Background(), "customers", "unknown")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestGetBatchByBKHashesChunks(t *testing.T) {
	var chunkSizes []int
	c := newSink(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/customers/batch/query", r.URL.Path)
		var body map[string][]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		hashes := body["erp_key_hashes"]
		chunkSizes = append(chunkSizes, len(hashes))

		records := make([]types.Record, len(hashes))
		for i, h := range hashes {
			records[i] = types.Record{types.FieldKeyHash: h, "uid": "u-" + h}
		}
		_ = json.NewEncoder(w).Encode(records)
	})

	hashes := make([]string, 1100)
	for i := range hashes {
		hashes[i] = fmt.Sprintf("bk-%04d", i)
	}

	out, err := c.GetBatchByBKHashes(context.Background(), "customers", hashes)
	require.NoError(t, err)
	assert.Equal(t, []int{500, 500, 100}, chunkSizes)
	assert.Len(t, out, 1100)
}

func TestBatchInsert(t *testing.T) {
	c := newSink(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/customers/batch/insert", r.URL.Path)
		var body struct {
			Records []types.Record `json:"records"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_ = json.NewEncoder(w).Encode(sinkapi.BatchResult{
			SuccessCount: len(body.Records) - 1,
			FailureCount: 1,
			Failures: []sinkapi.BatchFailure{
				{Record: body.Records[0], Error: "duplicate key"},
			},
		})
	})

	res, err := c.BatchInsert(context.Background(), "customers", []types.Record{
		{"n": 1}, {"n": 2}, {"n": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.SuccessCount)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "duplicate key", res.Failures[0].Error)
}

func TestBatchOpsSkipEmptyInput(t *testing.T) {
	c := newSink(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for empty batch")
	})

	res, err := c.BatchInsert(context.Background(), "customers", nil)
	require.NoError(t, err)
	assert.Zero(t, res.SuccessCount)

	res, err = c.BatchDelete(context.Background(), "customers", nil)
	require.NoError(t, err)
	assert.Zero(t, res.FailureCount)
}

func TestInsertConflict(t *testing.T) {
	c := newSink(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	_, err := c.Insert(context.Background(), "customers", types.Record{"n": 1})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindAlreadyExists))
}

func TestUpdateNotFound(t *testing.T) {
	c := newSink(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.Update(context.Background(), "customers", "missing-uid", types.Record{"n": 2})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindNotFound))
}
