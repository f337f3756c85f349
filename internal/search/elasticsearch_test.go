package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Omer1970/ShippingAPP-sub001/config"
	"github.com/Omer1970/ShippingAPP-sub001/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type esRequest struct {
	method string
	path   string
	body   map[string]interface{}
}

func fakeElastic(t *testing.T, status int) (*httptest.Server, func() []esRequest) {
	var (
		mu   sync.Mutex
		reqs []esRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")

		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		reqs = append(reqs, esRequest{r.Method, r.URL.Path, body})
		mu.Unlock()

		w.WriteHeader(status)
		if status >= 300 {
			_, _ = w.Write([]byte(`{"error":{"type":"mapper_parsing_exception"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	t.Cleanup(srv.Close)

	return srv, func() []esRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]esRequest(nil), reqs...)
	}
}

func TestIndexConfirmation(t *testing.T) {
	srv, requests := fakeElastic(t, http.StatusCreated)
	client, err := NewElasticClient(config.ElasticConfig{URL: srv.URL, Prefix: "shipping", Index: "delivery-confirmations"})
	require.NoError(t, err)

	lat, lng := 51.44, 5.47
	c := &models.DeliveryConfirmation{
		ID:          uuid.New(),
		ShipmentRef: "SHP-5",
		Latitude:    &lat,
		Longitude:   &lng,
		Signature:   &models.Signature{Data: "secret-ink", QualityScore: 0.91, LegallyValid: true},
		Photos:      []models.Photo{{ObjectKey: "k"}},
	}
	require.NoError(t, client.IndexConfirmation(context.Background(), c))

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPut, reqs[0].method)
	assert.Equal(t, "/shipping-delivery-confirmations/_doc/"+c.ID.String(), reqs[0].path)
	assert.Equal(t, "SHP-5", reqs[0].body["shipment_ref"])
	assert.Equal(t, 0.91, reqs[0].body["signature_quality"])
	assert.Equal(t, map[string]interface{}{"lat": 51.44, "lon": 5.47}, reqs[0].body["location"])
	assert.NotContains(t, reqs[0].body, "signature_data")
}

func TestIndexSyncAttempt(t *testing.T) {
	srv, requests := fakeElastic(t, http.StatusCreated)
	client, err := NewElasticClient(config.ElasticConfig{URL: srv.URL, Prefix: "shipping"})
	require.NoError(t, err)

	a := models.SyncAttempt{DeliveryID: uuid.New(), Outcome: models.SyncOutcomeFailure, Duration: 1500 * time.Millisecond, RetryCount: 2, At: time.Now()}
	require.NoError(t, client.IndexSyncAttempt(context.Background(), a))

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].method)
	assert.Equal(t, "/shipping-sync-attempts/_doc", reqs[0].path)
	assert.Equal(t, "failure", reqs[0].body["outcome"])
	assert.Equal(t, float64(1500), reqs[0].body["duration_ms"])
}

func TestIndexErrorResponse(t *testing.T) {
	srv, _ := fakeElastic(t, http.StatusBadRequest)
	client, err := NewElasticClient(config.ElasticConfig{URL: srv.URL, Prefix: "shipping", Index: "x"})
	require.NoError(t, err)

	err = client.IndexConfirmation(context.Background(), &models.DeliveryConfirmation{ID: uuid.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}
