package search

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/Omer1970/ShippingAPP-sub001/config"
	"github.com/Omer1970/ShippingAPP-sub001/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const syncIndexSuffix = "sync-attempts"

// Indexer publishes confirmations and sync outcomes for search
type Indexer interface {
	IndexConfirmation(ctx context.Context, c *models.DeliveryConfirmation) error
	IndexSyncAttempt(ctx context.Context, a models.SyncAttempt) error
}

// NopIndexer is used when search is disabled
type NopIndexer struct{}

// IndexConfirmation implements Indexer
func (NopIndexer) IndexConfirmation(context.Context, *models.DeliveryConfirmation) error { return nil }

// IndexSyncAttempt implements Indexer
func (NopIndexer) IndexSyncAttempt(context.Context, models.SyncAttempt) error { return nil }

// ElasticClient provides integration with Elasticsearch
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{client: client, config: cfg}, nil
}

// ConfirmationDocument builds the searchable view of a confirmation.
// Signature data is never indexed.
func ConfirmationDocument(c *models.DeliveryConfirmation) map[string]interface{} {
	doc := map[string]interface{}{
		"id":               c.ID.String(),
		"client_reference": c.ClientReference,
		"shipment_ref":     c.ShipmentRef,
		"deliverer_id":     c.DelivererID,
		"delivered_at":     c.DeliveredAt,
		"recipient_name":   c.RecipientName,
		"notes":            c.Notes,
		"status":           c.Status,
		"signature_waived": c.SignatureWaived,
		"photo_count":      len(c.Photos),
		"integrity_hash":   c.IntegrityHash,
		"synced":           c.Synced,
		"synced_at":        c.SyncedAt,
		"sync_attempts":    c.SyncAttempts,
		"manual_review":    c.ManualReview,
	}
	if c.HasGPS() {
		doc["location"] = map[string]float64{"lat": *c.Latitude, "lon": *c.Longitude}
	}
	if c.Signature != nil {
		doc["signature_quality"] = c.Signature.QualityScore
		doc["signature_legally_valid"] = c.Signature.LegallyValid
	}
	return doc
}

// IndexConfirmation implements Indexer
func (c *ElasticClient) IndexConfirmation(ctx context.Context, conf *models.DeliveryConfirmation) error {
	return c.index(ctx, config.FormatIndex(c.config, c.config.Index), conf.ID.String(), ConfirmationDocument(conf))
}

// IndexSyncAttempt implements Indexer
func (c *ElasticClient) IndexSyncAttempt(ctx context.Context, a models.SyncAttempt) error {
	doc := map[string]interface{}{
		"delivery_id": a.DeliveryID.String(),
		"outcome":     a.Outcome,
		"duration_ms": a.Duration.Milliseconds(),
		"retry_count": a.RetryCount,
		"source":      a.Source,
		"error":       a.Error,
		"at":          a.At.UTC().Format(time.RFC3339Nano),
	}
	return c.index(ctx, config.FormatIndex(c.config, syncIndexSuffix), "", doc)
}

func (c *ElasticClient) index(ctx context.Context, indexName, id string, doc map[string]interface{}) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal search document")
	}

	req := esapi.IndexRequest{
		Index:      indexName,
		DocumentID: id,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return errors.Errorf("Elasticsearch index error: %v", e)
	}

	log.Debug().Str("index", indexName).Str("id", id).Msg("Document indexed")
	return nil
}
