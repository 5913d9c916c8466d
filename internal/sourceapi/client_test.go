package sourceapi_test

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
	"github.com/erpbridge/erpbridge/internal/sourceapi"
	"github.com/erpbridge/erpbridge/internal/types"
)

func newGateway(t *testing.T, execute http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "tok", "refresh_token": "ref",
		})
	})
	if execute != nil {
		mux.HandleFunc("/runtime/", execute)
	}
	mux.HandleFunc("/apis/slug/customers", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sourceapi.APIDefinition{Slug: "customers", Name: "Customers", IsActive: true})
	})
	mux.HandleFunc("/apis/slug/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	return httptest.NewServer(mux)
}

func TestGetAPIBySlug(t *testing.T) {
	srv := newGateway(t, nil)
	defer srv.Close()

	c := sourceapi.New(apiauth.Config{BaseURL: srv.URL, Username: "svc", Password: "pw"})

	def, err := c.GetAPIBySlug(context.Background(), "customers")
	require.NoError(t, err)
	assert.Equal(t, "Customers", def.Name)

	_, err = c.GetAPIBySlug(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestExecuteAllPagesStopsAtTotal(t *testing.T) {
	total := 25
	srv := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		var req sourceapi.ExecuteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		start := (req.Page - 1) * req.PageSize
		var data []types.Record
		for i := start; i < start+req.PageSize && i < total; i++ {
			data = append(data, types.Record{"number": fmt.Sprintf("%d", i)})
		}
		_ = json.NewEncoder(w).Encode(sourceapi.ExecuteResult{
			Success: true,
			Data:    data,
			Metadata: sourceapi.ExecuteMetadata{
				TotalRows: total, Page: req.Page, PageSize: req.PageSize,
			},
		})
	})
	defer srv.Close()

	c := sourceapi.New(apiauth.Config{BaseURL: srv.URL, Username: "svc", Password: "pw"})

	records, err := c.ExecuteAllPages(context.Background(), "customers",
		sourceapi.ExecuteRequest{PageSize: 10}, 0)
	require.NoError(t, err)
	assert.Len(t, records, total)
}

func TestExecuteAllPagesHonorsMaxPages(t *testing.T) {
	srv := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		var req sourceapi.ExecuteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		data := make([]types.Record, req.PageSize)
		for i := range data {
			data[i] = types.Record{"n": i}
		}
		_ = json.NewEncoder(w).Encode(sourceapi.ExecuteResult{
			Success:  true,
			Data:     data,
			Metadata: sourceapi.ExecuteMetadata{TotalRows: 1_000_000},
		})
	})
	defer srv.Close()

	c := sourceapi.New(apiauth.Config{BaseURL: srv.URL, Username: "svc", Password: "pw"})

	records, err := c.ExecuteAllPages(context.Background(), "huge",
		sourceapi.ExecuteRequest{PageSize: 10}, 3)
	require.NoError(t, err)
	assert.Len(t, records, 30)
}

func TestExecuteAllPagesStopsOnEmptyPage(t *testing.T) {
	srv := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		// gateway reports an inflated total but runs dry immediately
		_ = json.NewEncoder(w).Encode(sourceapi.ExecuteResult{
			Success:  true,
			Metadata: sourceapi.ExecuteMetadata{TotalRows: 500},
		})
	})
	defer srv.Close()

	c := sourceapi.New(apiauth.Config{BaseURL: srv.URL, Username: "svc", Password: "pw"})

	records, err := c.ExecuteAllPages(context.Background(), "dry", sourceapi.ExecuteRequest{}, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}
