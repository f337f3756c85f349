// Package erp talks to the ERP system of record and to the delivery-note
// renderer. Both are plain JSON-over-HTTP collaborators.
package erp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Omer1970/ShippingAPP-sub001/config"

	"github.com/pkg/errors"
)

// ShipmentUpdate is the status and delivery metadata pushed to a shipment
type ShipmentUpdate struct {
	Status         string    `json:"status"`
	DeliveredAt    time.Time `json:"delivered_at"`
	RecipientName  string    `json:"recipient_name"`
	DelivererID    string    `json:"deliverer_id"`
	Notes          string    `json:"notes,omitempty"`
	ConfirmationID string    `json:"confirmation_id"`
}

// TrackingEntry is one GPS position appended to a shipment's history
type TrackingEntry struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	At        time.Time `json:"at"`
	Event     string    `json:"event"`
}

// DocumentKind classifies uploaded documents
type DocumentKind string

// Document kinds
const (
	DocumentSignature    DocumentKind = "signature"
	DocumentPhoto        DocumentKind = "photo"
	DocumentDeliveryNote DocumentKind = "delivery_note"
)

// Document is a file linked to a shipment
type Document struct {
	Kind        DocumentKind `json:"kind"`
	Filename    string       `json:"filename"`
	ContentType string       `json:"content_type"`
	Content     []byte       `json:"-"`
}

// AuditEntry summarises a confirmation in the ERP audit log
type AuditEntry struct {
	ShipmentRef      string    `json:"shipment_ref"`
	ConfirmationID   string    `json:"confirmation_id"`
	SignatureQuality *float64  `json:"signature_quality,omitempty"`
	SignatureWaived  bool      `json:"signature_waived"`
	PhotoCount       int       `json:"photo_count"`
	HasGPS           bool      `json:"has_gps"`
	IntegrityHash    string    `json:"integrity_hash"`
	At               time.Time `json:"at"`
}

// Gateway is the ERP surface used by the sync orchestrator. Shipment and
// document identifiers are opaque strings owned by the ERP.
type Gateway interface {
	UpdateShipmentStatus(ctx context.Context, shipmentRef string, update ShipmentUpdate) error
	AppendTrackingEntry(ctx context.Context, shipmentRef string, entry TrackingEntry) error
	UploadDocument(ctx context.Context, shipmentRef string, doc Document) (string, error)
	AppendAuditLog(ctx context.Context, entry AuditEntry) error
}

// StatusError is a non-2xx answer from a collaborator
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Retryable reports whether the request may succeed when repeated
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// HTTPGateway implements Gateway over the ERP REST API
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPGateway creates a REST gateway
func NewHTTPGateway(cfg config.ERPConfig) *HTTPGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// UpdateShipmentStatus implements Gateway
func (g *HTTPGateway) UpdateShipmentStatus(ctx context.Context, shipmentRef string, update ShipmentUpdate) error {
	return g.do(ctx, http.MethodPut, "/shipments/"+url.PathEscape(shipmentRef), update, nil)
}

// AppendTrackingEntry implements Gateway
func (g *HTTPGateway) AppendTrackingEntry(ctx context.Context, shipmentRef string, entry TrackingEntry) error {
	return g.do(ctx, http.MethodPost, "/shipments/"+url.PathEscape(shipmentRef)+"/tracking", entry, nil)
}

type uploadRequest struct {
	ModulePart   string       `json:"modulepart"`
	Ref          string       `json:"ref"`
	Kind         DocumentKind `json:"kind"`
	Filename     string       `json:"filename"`
	ContentType  string       `json:"content_type"`
	FileContent  string       `json:"filecontent"`
	FileEncoding string       `json:"fileencoding"`
	Overwrite    bool         `json:"overwriteifexists"`
}

type uploadResponse struct {
	ID string `json:"id"`
}

// UploadDocument implements Gateway and returns the ERP document id
func (g *HTTPGateway) UploadDocument(ctx context.Context, shipmentRef string, doc Document) (string, error) {
	req := uploadRequest{
		ModulePart:   "shipment",
		Ref:          shipmentRef,
		Kind:         doc.Kind,
		Filename:     doc.Filename,
		ContentType:  doc.ContentType,
		FileContent:  base64.StdEncoding.EncodeToString(doc.Content),
		FileEncoding: "base64",
		Overwrite:    true,
	}
	var resp uploadResponse
	if err := g.do(ctx, http.MethodPost, "/documents/upload", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// AppendAuditLog implements Gateway
func (g *HTTPGateway) AppendAuditLog(ctx context.Context, entry AuditEntry) error {
	return g.do(ctx, http.MethodPost, "/auditlog", entry, nil)
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to encode ERP request")
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to build ERP request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.apiKey != "" {
		req.Header.Set("X-API-Key", g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "ERP %s %s failed", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "failed to read ERP response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return errors.Wrap(err, "failed to decode ERP response")
		}
	}
	return nil
}
