package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPOperator_Scan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/scan", r.URL.Path)

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, float64(1), req["brokerId"])
		assert.Equal(t, "acme-data-1.0", req["brokerKey"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"extractedProfileIds": [7, 8]}`))
	}))
	defer srv.Close()

	operator, err := NewHTTPOperator(srv.URL, srv.Client())
	require.NoError(t, err)

	outcome, err := operator.Scan(context.Background(), testScanJob())
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8}, outcome.ExtractedProfileIDs)
}

func TestHTTPOperator_SubmitOptOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/optout", r.URL.Path)

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, float64(100), req["optOutJobId"])

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	operator, err := NewHTTPOperator(srv.URL, srv.Client())
	require.NoError(t, err)

	require.NoError(t, operator.SubmitOptOut(context.Background(), testOptOutJob()))
}

func TestHTTPOperator_NonOKStatusIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	operator, err := NewHTTPOperator(srv.URL, srv.Client())
	require.NoError(t, err)

	_, err = operator.Scan(context.Background(), testScanJob())
	assert.Error(t, err)
}

func TestNewHTTPOperator_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPOperator("", nil)
	assert.Error(t, err)
}
