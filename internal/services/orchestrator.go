// Package services holds the delivery confirmation business logic: the
// capture path, the ERP sync orchestrator, the sync queue processor and the
// manual review ledger.
package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Omer1970/ShippingAPP-sub001/internal/apperrors"
	"github.com/Omer1970/ShippingAPP-sub001/internal/erp"
	"github.com/Omer1970/ShippingAPP-sub001/internal/models"
	"github.com/Omer1970/ShippingAPP-sub001/internal/search"
	"github.com/Omer1970/ShippingAPP-sub001/internal/signature"
	"github.com/Omer1970/ShippingAPP-sub001/internal/storage"
	"github.com/Omer1970/ShippingAPP-sub001/internal/tracing"

	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Sync defaults
const (
	DefaultMaxAttempts         = 3
	DefaultAttemptTimeout      = 30 * time.Second
	DefaultBatchAttemptTimeout = 15 * time.Second
)

// Sync steps, used in errors and trace segments
const (
	StepLoad         = "load"
	StepShipment     = "update-shipment"
	StepTracking     = "tracking-entry"
	StepSignature    = "upload-signature"
	StepPhotos       = "upload-photos"
	StepDeliveryNote = "upload-delivery-note"
	StepAudit        = "audit-log"
	StepMarkSynced   = "mark-synced"
)

// SyncStore is the part of the confirmation store the orchestrator needs
type SyncStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.DeliveryConfirmation, error)
	MarkSynced(ctx context.Context, id uuid.UUID, at time.Time) error
}

// SyncOptions tune one sync call. Zero values fall back to the
// orchestrator defaults.
type SyncOptions struct {
	AttemptTimeout time.Duration
	Source         string
}

// SyncResult describes a finished sync
type SyncResult struct {
	DeliveryID    uuid.UUID          `json:"delivery_id"`
	Outcome       models.SyncOutcome `json:"outcome"`
	Attempts      int                `json:"attempts"`
	Duration      time.Duration      `json:"duration"`
	Documents     []string           `json:"documents,omitempty"`
	SkippedPhotos int                `json:"skipped_photos"`
	Warnings      []string           `json:"warnings,omitempty"`
	Shared        bool               `json:"shared"`
}

// Syncer pushes one delivery to the ERP
type Syncer interface {
	Sync(ctx context.Context, id uuid.UUID, opts SyncOptions) (*SyncResult, error)
	MaxAttempts() int
}

// ErpSyncOrchestrator pushes a persisted confirmation and its evidence to
// the ERP. Concurrent calls for the same delivery share one execution.
type ErpSyncOrchestrator struct {
	store          SyncStore
	gateway        erp.Gateway
	renderer       erp.Renderer
	photos         storage.PhotoStore
	indexer        search.Indexer
	tracer         tracing.Tracer
	maxAttempts    int
	attemptTimeout time.Duration
	backoff        func(attempt int) time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	now            func() time.Time
	inflight       singleflight.Group
}

// NewErpSyncOrchestrator creates a new orchestrator. renderer, photos,
// indexer and tracer may be nil.
func NewErpSyncOrchestrator(
	store SyncStore,
	gateway erp.Gateway,
	renderer erp.Renderer,
	photos storage.PhotoStore,
	indexer search.Indexer,
	tracer tracing.Tracer,
) *ErpSyncOrchestrator {
	if indexer == nil {
		indexer = search.NopIndexer{}
	}
	if tracer == nil {
		tracer = tracing.Disabled()
	}
	return &ErpSyncOrchestrator{
		store:          store,
		gateway:        gateway,
		renderer:       renderer,
		photos:         photos,
		indexer:        indexer,
		tracer:         tracer,
		maxAttempts:    DefaultMaxAttempts,
		attemptTimeout: DefaultAttemptTimeout,
		backoff:        ExponentialBackoff,
		sleep:          sleepCtx,
		now:            time.Now,
	}
}

// ExponentialBackoff waits 2^attempt seconds after the given failed attempt
func ExponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetMaxAttempts overrides the number of attempts per sync
func (o *ErpSyncOrchestrator) SetMaxAttempts(n int) {
	if n > 0 {
		o.maxAttempts = n
	}
}

// SetAttemptTimeout overrides the standalone per-attempt timeout
func (o *ErpSyncOrchestrator) SetAttemptTimeout(d time.Duration) {
	if d > 0 {
		o.attemptTimeout = d
	}
}

// SetSleep replaces the wait between attempts
func (o *ErpSyncOrchestrator) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	o.sleep = sleep
}

// SetClock replaces the time source
func (o *ErpSyncOrchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// MaxAttempts implements Syncer
func (o *ErpSyncOrchestrator) MaxAttempts() int {
	return o.maxAttempts
}

// SyncToErp syncs a delivery with the standalone defaults
func (o *ErpSyncOrchestrator) SyncToErp(ctx context.Context, id uuid.UUID) error {
	_, err := o.Sync(ctx, id, SyncOptions{})
	return err
}

// Sync implements Syncer. An already synced delivery returns without
// calling the gateway. Once every attempt failed a TerminalSyncError is
// returned and the confirmation stays unsynced.
//
// Concurrent calls for one delivery share a single run. The run is
// detached from the cancellation of whichever caller started it and is
// bounded by the attempt timeouts only. A cancelled caller stops waiting
// while the others still get the shared result.
func (o *ErpSyncOrchestrator) Sync(ctx context.Context, id uuid.UUID, opts SyncOptions) (*SyncResult, error) {
	runCtx := context.WithoutCancel(ctx)
	ch := o.inflight.DoChan(id.String(), func() (interface{}, error) {
		return o.run(runCtx, id, opts)
	})

	select {
	case <-ctx.Done():
		res := &SyncResult{DeliveryID: id, Outcome: models.SyncOutcomeFailure}
		return res, errors.Wrap(ctx.Err(), "sync cancelled")
	case r := <-ch:
		if r.Val == nil {
			return nil, r.Err
		}
		res := *r.Val.(*SyncResult)
		res.Shared = r.Shared
		return &res, r.Err
	}
}

func (o *ErpSyncOrchestrator) run(ctx context.Context, id uuid.UUID, opts SyncOptions) (*SyncResult, error) {
	timeout := opts.AttemptTimeout
	if timeout <= 0 {
		timeout = o.attemptTimeout
	}

	txn := o.tracer.StartTransaction("erp-sync")
	defer o.tracer.EndTransaction(txn)
	o.tracer.AddAttribute(txn, "delivery_id", id.String())
	o.tracer.AddAttribute(txn, "source", opts.Source)

	start := o.now()
	result := &SyncResult{DeliveryID: id}

	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		result.Attempts = attempt

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		done, err := o.attempt(attemptCtx, txn, id, result)
		cancel()
		if err == nil {
			result.Duration = o.now().Sub(start)
			if done {
				result.Outcome = models.SyncOutcomeAlreadySynced
			} else {
				result.Outcome = models.SyncOutcomeSuccess
			}
			return result, nil
		}
		lastErr = err

		if errors.Is(err, apperrors.ErrNotFound) {
			result.Duration = o.now().Sub(start)
			result.Outcome = models.SyncOutcomeFailure
			return result, err
		}
		if ctx.Err() != nil {
			result.Duration = o.now().Sub(start)
			result.Outcome = models.SyncOutcomeFailure
			return result, errors.Wrap(ctx.Err(), "sync cancelled")
		}

		log.Warn().
			Err(err).
			Str("delivery_id", id.String()).
			Int("attempt", attempt).
			Int("max_attempts", o.maxAttempts).
			Msg("ERP sync attempt failed")
		o.tracer.RecordError(txn, err)

		if !retryable(err) || attempt == o.maxAttempts {
			break
		}
		if err := o.sleep(ctx, o.backoff(attempt)); err != nil {
			result.Duration = o.now().Sub(start)
			result.Outcome = models.SyncOutcomeFailure
			return result, errors.Wrap(err, "sync cancelled")
		}
	}

	result.Duration = o.now().Sub(start)
	result.Outcome = models.SyncOutcomeFailure
	terminal := &apperrors.TerminalSyncError{DeliveryID: id, Attempts: result.Attempts, Err: lastErr}
	o.tracer.RecordError(txn, terminal)
	log.Error().
		Err(lastErr).
		Str("delivery_id", id.String()).
		Int("attempts", result.Attempts).
		Msg("ERP sync exhausted")
	return result, terminal
}

// retryable reports whether another attempt may succeed. Timeouts and
// transport failures are retryable, rejected requests are not.
func retryable(err error) bool {
	var status *erp.StatusError
	if errors.As(err, &status) {
		return status.Retryable()
	}
	return true
}

// attempt runs the sync steps once. It reports done when the confirmation
// was already synced.
func (o *ErpSyncOrchestrator) attempt(ctx context.Context, txn *newrelic.Transaction, id uuid.UUID, result *SyncResult) (bool, error) {
	c, err := o.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return false, err
		}
		return false, &apperrors.TransientSyncError{DeliveryID: id, Step: StepLoad, Err: err}
	}
	if c.Synced {
		log.Debug().Str("delivery_id", id.String()).Msg("Delivery already synced, skipping")
		return true, nil
	}

	result.Documents = result.Documents[:0]
	result.Warnings = result.Warnings[:0]
	result.SkippedPhotos = 0

	step := func(name string, fn func() error) error {
		seg := o.tracer.StartSegment(txn, name)
		defer seg.End()
		if err := fn(); err != nil {
			return &apperrors.TransientSyncError{DeliveryID: id, Step: name, Err: err}
		}
		return nil
	}

	err = step(StepShipment, func() error {
		return o.gateway.UpdateShipmentStatus(ctx, c.ShipmentRef, erp.ShipmentUpdate{
			Status:         string(c.Status),
			DeliveredAt:    c.DeliveredAt,
			RecipientName:  c.RecipientName,
			DelivererID:    c.DelivererID,
			Notes:          c.Notes,
			ConfirmationID: c.ID.String(),
		})
	})
	if err != nil {
		return false, err
	}

	if c.HasGPS() {
		err = step(StepTracking, func() error {
			entry := erp.TrackingEntry{
				Latitude:  *c.Latitude,
				Longitude: *c.Longitude,
				At:        c.DeliveredAt,
				Event:     "delivery_confirmed",
			}
			if c.GPSAccuracy != nil {
				entry.Accuracy = *c.GPSAccuracy
			}
			return o.gateway.AppendTrackingEntry(ctx, c.ShipmentRef, entry)
		})
		if err != nil {
			return false, err
		}
	}

	if c.Signature != nil {
		err = step(StepSignature, func() error {
			data, err := signature.DecodePayload(c.Signature.Data)
			if err != nil {
				return err
			}
			docID, err := o.gateway.UploadDocument(ctx, c.ShipmentRef, erp.Document{
				Kind:        erp.DocumentSignature,
				Filename:    fmt.Sprintf("signature-%s%s", c.ID, extensionFor(data)),
				ContentType: http.DetectContentType(data),
				Content:     data,
			})
			if err != nil {
				return err
			}
			result.Documents = append(result.Documents, docID)
			return nil
		})
		if err != nil {
			return false, err
		}
	}

	if len(c.Photos) > 0 {
		seg := o.tracer.StartSegment(txn, StepPhotos)
		for _, photo := range c.Photos {
			if ctx.Err() != nil {
				seg.End()
				return false, &apperrors.TransientSyncError{DeliveryID: id, Step: StepPhotos, Err: ctx.Err()}
			}
			docID, err := o.uploadPhoto(ctx, c.ShipmentRef, photo)
			if err != nil {
				result.SkippedPhotos++
				log.Warn().
					Err(err).
					Str("delivery_id", id.String()).
					Str("object_key", photo.ObjectKey).
					Msg("Photo upload failed, skipping")
				continue
			}
			result.Documents = append(result.Documents, docID)
		}
		seg.End()
	}

	if o.renderer != nil {
		if err := step(StepDeliveryNote, func() error { return o.uploadDeliveryNote(ctx, c, result) }); err != nil {
			result.Warnings = append(result.Warnings, err.Error())
			log.Warn().Err(err).Str("delivery_id", id.String()).Msg("Delivery note upload failed")
		}
	}

	if err := step(StepAudit, func() error { return o.gateway.AppendAuditLog(ctx, auditEntry(c, o.now())) }); err != nil {
		result.Warnings = append(result.Warnings, err.Error())
		log.Warn().Err(err).Str("delivery_id", id.String()).Msg("Audit log entry failed")
	}

	syncedAt := o.now()
	if err := step(StepMarkSynced, func() error { return o.store.MarkSynced(ctx, id, syncedAt) }); err != nil {
		return false, err
	}

	c.Synced = true
	c.SyncedAt = &syncedAt
	if err := o.indexer.IndexConfirmation(ctx, c); err != nil {
		log.Warn().Err(err).Str("delivery_id", id.String()).Msg("Failed to index synced confirmation")
	}

	log.Info().
		Str("delivery_id", id.String()).
		Str("shipment_ref", c.ShipmentRef).
		Int("documents", len(result.Documents)).
		Int("skipped_photos", result.SkippedPhotos).
		Msg("Delivery synced to ERP")
	return false, nil
}

func (o *ErpSyncOrchestrator) uploadPhoto(ctx context.Context, shipmentRef string, photo models.Photo) (string, error) {
	if o.photos == nil {
		return "", errors.New("photo store not configured")
	}
	data, err := o.photos.Open(ctx, photo.ObjectKey)
	if err != nil {
		return "", err
	}
	contentType := photo.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	filename := photo.Filename
	if filename == "" {
		filename = fmt.Sprintf("photo-%02d", photo.Position)
	}
	return o.gateway.UploadDocument(ctx, shipmentRef, erp.Document{
		Kind:        erp.DocumentPhoto,
		Filename:    filename,
		ContentType: contentType,
		Content:     data,
	})
}

func (o *ErpSyncOrchestrator) uploadDeliveryNote(ctx context.Context, c *models.DeliveryConfirmation, result *SyncResult) error {
	note, err := o.renderer.Render(ctx, c)
	if err != nil {
		return errors.Wrap(err, "failed to render delivery note")
	}
	docID, err := o.gateway.UploadDocument(ctx, c.ShipmentRef, erp.Document{
		Kind:        erp.DocumentDeliveryNote,
		Filename:    fmt.Sprintf("delivery-note-%s.pdf", c.ID),
		ContentType: "application/pdf",
		Content:     note,
	})
	if err != nil {
		return err
	}
	result.Documents = append(result.Documents, docID)
	return nil
}

func auditEntry(c *models.DeliveryConfirmation, at time.Time) erp.AuditEntry {
	entry := erp.AuditEntry{
		ShipmentRef:     c.ShipmentRef,
		ConfirmationID:  c.ID.String(),
		SignatureWaived: c.SignatureWaived,
		PhotoCount:      len(c.Photos),
		HasGPS:          c.HasGPS(),
		IntegrityHash:   c.IntegrityHash,
		At:              at,
	}
	if c.Signature != nil {
		score := c.Signature.QualityScore
		entry.SignatureQuality = &score
	}
	return entry
}

func extensionFor(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	}
	return ""
}
