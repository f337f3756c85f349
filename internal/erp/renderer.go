package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/Omer1970/ShippingAPP-sub001/config"
	"github.com/Omer1970/ShippingAPP-sub001/internal/models"

	"github.com/pkg/errors"
)

// Renderer produces the delivery-note document of a confirmation
type Renderer interface {
	Render(ctx context.Context, c *models.DeliveryConfirmation) ([]byte, error)
}

// renderRequest is the delivery record handed to the renderer. Evidence is
// passed by reference; the renderer fetches images itself.
type renderRequest struct {
	ConfirmationID  string    `json:"confirmation_id"`
	ShipmentRef     string    `json:"shipment_ref"`
	DelivererID     string    `json:"deliverer_id"`
	DeliveredAt     time.Time `json:"delivered_at"`
	RecipientName   string    `json:"recipient_name"`
	Notes           string    `json:"notes,omitempty"`
	Status          string    `json:"status"`
	Latitude        *float64  `json:"latitude,omitempty"`
	Longitude       *float64  `json:"longitude,omitempty"`
	SignatureImage  string    `json:"signature_image,omitempty"`
	SignatureWaived bool      `json:"signature_waived"`
	WaiverReason    string    `json:"waiver_reason,omitempty"`
	PhotoKeys       []string  `json:"photo_keys"`
	IntegrityHash   string    `json:"integrity_hash"`
}

// HTTPRenderer calls the document rendering service
type HTTPRenderer struct {
	url    string
	client *http.Client
}

// NewHTTPRenderer creates a renderer client
func NewHTTPRenderer(cfg config.RendererConfig) *HTTPRenderer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRenderer{url: cfg.URL, client: &http.Client{Timeout: timeout}}
}

// Render implements Renderer
func (r *HTTPRenderer) Render(ctx context.Context, c *models.DeliveryConfirmation) ([]byte, error) {
	body := renderRequest{
		ConfirmationID:  c.ID.String(),
		ShipmentRef:     c.ShipmentRef,
		DelivererID:     c.DelivererID,
		DeliveredAt:     c.DeliveredAt,
		RecipientName:   c.RecipientName,
		Notes:           c.Notes,
		Status:          string(c.Status),
		Latitude:        c.Latitude,
		Longitude:       c.Longitude,
		SignatureWaived: c.SignatureWaived,
		WaiverReason:    c.WaiverReason,
		PhotoKeys:       c.CoreFields().PhotoKeys,
		IntegrityHash:   c.IntegrityHash,
	}
	if c.Signature != nil {
		body.SignatureImage = c.Signature.Data
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode render request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build render request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/pdf")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "delivery note rendering failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read rendered delivery note")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Method: http.MethodPost, Path: r.url, Code: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	if len(data) == 0 {
		return nil, errors.New("renderer returned an empty document")
	}
	return data, nil
}
