package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/surge/internal/campaign/workflow"
)

func TestMux_OffersFeedChainedWorkflow(t *testing.T) {
	mux := newMux(3, 0)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v3/drivers/d42/package_delivery/offers", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	ids := workflow.OfferIDs(rec.Body.Bytes(), "offers", "order_bundle_id", 2)
	require.Len(t, ids, 2)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/offers/"+ids[0]+"/card-view", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), ids[0])
}

func TestMux_Update(t *testing.T) {
	mux := newMux(1, 0)
	for _, method := range []string{http.MethodPatch, http.MethodPut} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(method, "/v1/shoppers/s1", strings.NewReader(`{"status":"active"}`)))
		assert.Equal(t, http.StatusOK, rec.Code, method)
		assert.Contains(t, rec.Body.String(), `"id":"s1"`)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/shoppers/s1", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMux_Health(t *testing.T) {
	rec := httptest.NewRecorder()
	newMux(0, 0).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", rec.Body.String())
}
