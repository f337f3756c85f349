package services

import (
	"context"
	"fmt"
	"time"

	"github.com/Omer1970/ShippingAPP-sub001/internal/apperrors"
	"github.com/Omer1970/ShippingAPP-sub001/internal/metrics"
	"github.com/Omer1970/ShippingAPP-sub001/internal/models"
	"github.com/Omer1970/ShippingAPP-sub001/internal/search"
	"github.com/Omer1970/ShippingAPP-sub001/internal/signature"
	"github.com/Omer1970/ShippingAPP-sub001/internal/storage"
	"github.com/Omer1970/ShippingAPP-sub001/internal/tracing"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Validation kinds raised by the capture path besides the signature checks
const (
	KindSignatureRequired = "signature_required"
	KindInvalidPhoto      = "invalid_photo"
)

// ConfirmationStore persists confirmations
type ConfirmationStore interface {
	Create(ctx context.Context, c *models.DeliveryConfirmation) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.DeliveryConfirmation, error)
	GetByClientReference(ctx context.Context, ref string) (*models.DeliveryConfirmation, error)
	UpdateStatus(ctx context.Context, c *models.DeliveryConfirmation) error
	ListByDeliverer(ctx context.Context, delivererID string, limit, offset int) ([]models.DeliveryConfirmation, error)
}

// Completeness is the workflow view of a confirmation. Each of the four
// criteria is worth 25 percent.
type Completeness struct {
	SignatureValid bool `json:"signature_valid"`
	HasPhotos      bool `json:"has_photos"`
	HasGPS         bool `json:"has_gps"`
	Synced         bool `json:"synced"`
	Percent        int  `json:"percent"`
	IntegrityValid bool `json:"integrity_valid"`
	Complete       bool `json:"complete"`
}

// Workflow bundles a confirmation with its completeness
type Workflow struct {
	Confirmation *models.DeliveryConfirmation `json:"confirmation"`
	Completeness Completeness                 `json:"completeness"`
}

// ConfirmationService handles delivery capture and status changes
type ConfirmationService struct {
	store     ConfirmationStore
	engine    *signature.Engine
	photos    storage.PhotoStore
	scheduler Scheduler
	indexer   search.Indexer
	tracer    tracing.Tracer
	metrics   *metrics.Metrics
	prom      *metrics.PromCollectors
	now       func() time.Time
}

// NewConfirmationService creates a new confirmation service. indexer,
// tracer and the collectors may be nil.
func NewConfirmationService(
	store ConfirmationStore,
	engine *signature.Engine,
	photos storage.PhotoStore,
	scheduler Scheduler,
	indexer search.Indexer,
	tracer tracing.Tracer,
	m *metrics.Metrics,
	prom *metrics.PromCollectors,
) *ConfirmationService {
	if engine == nil {
		engine = signature.NewEngine()
	}
	if indexer == nil {
		indexer = search.NopIndexer{}
	}
	if tracer == nil {
		tracer = tracing.Disabled()
	}
	if m == nil {
		m = metrics.NewMetrics()
	}
	return &ConfirmationService{
		store:     store,
		engine:    engine,
		photos:    photos,
		scheduler: scheduler,
		indexer:   indexer,
		tracer:    tracer,
		metrics:   m,
		prom:      prom,
		now:       time.Now,
	}
}

// SetClock replaces the time source
func (s *ConfirmationService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *ConfirmationService) observe(counter, result string) {
	s.metrics.IncrementCounter(counter)
	if s.prom != nil {
		s.prom.ObserveCapture(result)
	}
}

// Capture validates and persists a delivery confirmation, then schedules
// its ERP sync. It reports created=false when the client reference was
// already captured, in which case the stored confirmation is returned.
func (s *ConfirmationService) Capture(ctx context.Context, payload models.CapturePayload) (*models.DeliveryConfirmation, bool, error) {
	txn := s.tracer.StartTransaction("capture-delivery")
	defer s.tracer.EndTransaction(txn)

	if err := validatePayload(payload); err != nil {
		s.observe(metrics.CaptureRejected, "rejected")
		return nil, false, err
	}

	if payload.ClientReference != "" {
		existing, err := s.store.GetByClientReference(ctx, payload.ClientReference)
		if err == nil {
			log.Info().
				Str("client_reference", payload.ClientReference).
				Str("delivery_id", existing.ID.String()).
				Msg("Capture already persisted, returning existing confirmation")
			return existing, false, nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			s.tracer.RecordError(txn, err)
			return nil, false, err
		}
	}

	c := &models.DeliveryConfirmation{
		ID:              uuid.New(),
		ClientReference: payload.ClientReference,
		ShipmentRef:     payload.ShipmentRef,
		DelivererID:     payload.DelivererID,
		DeliveredAt:     payload.DeliveredAt.UTC(),
		RecipientName:   payload.RecipientName,
		Notes:           payload.Notes,
		Status:          models.StatusConfirmed,
		SignatureWaived: payload.SignatureWaived,
		WaiverReason:    payload.WaiverReason,
	}
	if c.ClientReference == "" {
		c.ClientReference = c.ID.String()
	}
	if c.DeliveredAt.IsZero() {
		c.DeliveredAt = s.now()
	}
	c.DeliveredAt = models.NormalizeTimestamp(c.DeliveredAt)
	if payload.GPS != nil {
		lat, lng, acc := payload.GPS.Latitude, payload.GPS.Longitude, payload.GPS.Accuracy
		c.Latitude, c.Longitude, c.GPSAccuracy = &lat, &lng, &acc
	}

	if payload.Signature != nil {
		seg := s.tracer.StartSegment(txn, "assess-signature")
		sig, err := s.assessSignature(payload.Signature)
		seg.End()
		if err != nil {
			s.observe(metrics.CaptureRejected, "rejected")
			return nil, false, err
		}
		c.Signature = sig
	}

	for i, photo := range payload.Photos {
		if _, err := storage.DecodePhoto(photo.Data); err != nil {
			s.observe(metrics.CaptureRejected, "rejected")
			return nil, false, apperrors.NewValidationError(fmt.Sprintf("%s:%d", KindInvalidPhoto, i))
		}
	}
	if len(payload.Photos) > 0 {
		if s.photos == nil {
			return nil, false, errors.New("photo store not configured")
		}
		seg := s.tracer.StartSegment(txn, "store-photos")
		for i, photo := range payload.Photos {
			stored, err := s.photos.Store(ctx, c.ID, i, photo)
			if err != nil {
				seg.End()
				s.tracer.RecordError(txn, err)
				return nil, false, errors.Wrap(err, "failed to store photo evidence")
			}
			c.Photos = append(c.Photos, stored)
		}
		seg.End()
	}

	if err := c.RefreshIntegrityHash(); err != nil {
		return nil, false, err
	}

	if err := s.store.Create(ctx, c); err != nil {
		// a concurrent replay of the same capture may have won the insert
		if existing, gerr := s.store.GetByClientReference(ctx, c.ClientReference); gerr == nil {
			return existing, false, nil
		}
		s.tracer.RecordError(txn, err)
		return nil, false, err
	}

	s.observe(metrics.CaptureAccepted, "accepted")
	log.Info().
		Str("delivery_id", c.ID.String()).
		Str("shipment_ref", c.ShipmentRef).
		Str("deliverer_id", c.DelivererID).
		Bool("signature_waived", c.SignatureWaived).
		Int("photos", len(c.Photos)).
		Msg("Delivery confirmation captured")

	s.schedule(c.ID)
	s.index(ctx, c)
	return c, true, nil
}

// Replay submits a payload buffered by the offline queue through the
// normal capture path
func (s *ConfirmationService) Replay(ctx context.Context, userID string, payload models.CapturePayload) error {
	c, created, err := s.Capture(ctx, payload)
	if err != nil {
		return err
	}
	log.Info().
		Str("user_id", userID).
		Str("delivery_id", c.ID.String()).
		Bool("created", created).
		Msg("Offline capture replayed")
	return nil
}

func validatePayload(payload models.CapturePayload) error {
	if err := models.ValidateStruct(payload); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			kinds := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				kinds = append(kinds, fmt.Sprintf("%s:%s", fe.Namespace(), fe.Tag()))
			}
			return apperrors.NewValidationError(kinds...)
		}
		return apperrors.NewValidationError(err.Error())
	}
	if payload.Signature == nil && !payload.SignatureWaived {
		return apperrors.NewValidationError(KindSignatureRequired)
	}
	return nil
}

// assessSignature rejects invalid signatures and builds the stored record
// of valid ones. A valid signature below the legal threshold is kept with
// LegallyValid unset.
func (s *ConfirmationService) assessSignature(capture *models.SignatureCapture) (*models.Signature, error) {
	strokes := signature.Strokes{
		Paths:        capture.Strokes,
		CanvasWidth:  capture.CanvasWidth,
		CanvasHeight: capture.CanvasHeight,
	}
	assessment := s.engine.Assess(capture.Data, strokes, "")
	if !assessment.Valid {
		kinds := make([]string, 0, len(assessment.Errors))
		for _, k := range assessment.Errors {
			kinds = append(kinds, string(k))
		}
		return nil, apperrors.NewValidationError(kinds...)
	}

	deviceClass := capture.DeviceClass
	if deviceClass == "" {
		deviceClass = "unknown"
	}
	return &models.Signature{
		Data:          capture.Data,
		CanvasWidth:   capture.CanvasWidth,
		CanvasHeight:  capture.CanvasHeight,
		DeviceClass:   deviceClass,
		QualityScore:  assessment.Score,
		IntegrityHash: assessment.Hash,
		LegallyValid:  assessment.LegallyValid,
	}, nil
}

// Get loads a confirmation
func (s *ConfirmationService) Get(ctx context.Context, id uuid.UUID) (*models.DeliveryConfirmation, error) {
	c, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.VerifyIntegrity() {
		log.Warn().Str("delivery_id", id.String()).Msg("Integrity hash mismatch on read")
	}
	return c, nil
}

// ListByDeliverer returns a deliverer's confirmations with their
// completeness, newest first
func (s *ConfirmationService) ListByDeliverer(ctx context.Context, delivererID string, limit, offset int) ([]Workflow, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	list, err := s.store.ListByDeliverer(ctx, delivererID, limit, offset)
	if err != nil {
		return nil, err
	}

	out := make([]Workflow, 0, len(list))
	for i := range list {
		out = append(out, Workflow{Confirmation: &list[i], Completeness: CompletenessOf(&list[i])})
	}
	return out, nil
}

// Workflow loads a confirmation together with its completeness
func (s *ConfirmationService) Workflow(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Workflow{Confirmation: c, Completeness: CompletenessOf(c)}, nil
}

// CompletenessOf scores the workflow completeness of a confirmation
func CompletenessOf(c *models.DeliveryConfirmation) Completeness {
	out := Completeness{
		SignatureValid: c.SignatureWaived || (c.Signature != nil && c.Signature.LegallyValid && c.Signature.VerifyPayload()),
		HasPhotos:      len(c.Photos) > 0,
		HasGPS:         c.HasGPS(),
		Synced:         c.Synced,
		IntegrityValid: c.VerifyIntegrity(),
		Complete:       c.IsComplete(),
	}
	for _, ok := range []bool{out.SignatureValid, out.HasPhotos, out.HasGPS, out.Synced} {
		if ok {
			out.Percent += 25
		}
	}
	return out
}

// UpdateStatus moves a confirmation along its lifecycle. Keeping the
// current status is allowed when only the notes change. Every change
// recomputes the integrity hash and schedules a new sync.
func (s *ConfirmationService) UpdateStatus(ctx context.Context, id uuid.UUID, update models.StatusUpdate) (*models.DeliveryConfirmation, error) {
	if err := models.ValidateStruct(update); err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}

	c, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	notesChanged := update.Notes != nil && *update.Notes != c.Notes
	if update.Status == c.Status {
		if !notesChanged {
			return nil, errors.Wrapf(apperrors.ErrInvalidTransition, "delivery is already %s", c.Status)
		}
	} else if !c.Status.CanTransitionTo(update.Status) {
		return nil, errors.Wrapf(apperrors.ErrInvalidTransition, "cannot move delivery from %s to %s", c.Status, update.Status)
	}

	previous := c.Status
	c.Status = update.Status
	if update.Notes != nil {
		c.Notes = *update.Notes
	}
	if err := c.RefreshIntegrityHash(); err != nil {
		return nil, err
	}
	if err := s.store.UpdateStatus(ctx, c); err != nil {
		return nil, err
	}

	log.Info().
		Str("delivery_id", id.String()).
		Str("from", string(previous)).
		Str("to", string(c.Status)).
		Msg("Delivery status updated")

	s.schedule(c.ID)
	s.index(ctx, c)
	return c, nil
}

func (s *ConfirmationService) schedule(id uuid.UUID) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.Enqueue(id); err != nil && !errors.Is(err, apperrors.ErrAlreadyQueued) {
		log.Error().Err(err).Str("delivery_id", id.String()).Msg("Failed to schedule ERP sync, reconciliation will pick it up")
	}
}

func (s *ConfirmationService) index(ctx context.Context, c *models.DeliveryConfirmation) {
	if err := s.indexer.IndexConfirmation(ctx, c); err != nil {
		log.Warn().Err(err).Str("delivery_id", c.ID.String()).Msg("Failed to index confirmation")
	}
}
