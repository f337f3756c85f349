package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// DeliveryStatus is the lifecycle state of a confirmation
type DeliveryStatus string

// Delivery statuses
const (
	StatusConfirmed DeliveryStatus = "confirmed"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
	StatusReturned  DeliveryStatus = "returned"
)

var allowedTransitions = map[DeliveryStatus][]DeliveryStatus{
	StatusConfirmed: {StatusDelivered, StatusFailed, StatusReturned},
	StatusDelivered: {StatusFailed, StatusReturned},
}

// CanTransitionTo reports whether a confirmation in status s may move to next
func (s DeliveryStatus) CanTransitionTo(next DeliveryStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsValid reports whether s is a known status
func (s DeliveryStatus) IsValid() bool {
	switch s {
	case StatusConfirmed, StatusDelivered, StatusFailed, StatusReturned:
		return true
	}
	return false
}

// DeliveryConfirmation is the durable record of one delivery event
type DeliveryConfirmation struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	ClientReference string         `gorm:"not null;uniqueIndex" json:"client_reference"`
	ShipmentRef     string         `gorm:"not null;index" json:"shipment_ref"`
	DelivererID     string         `gorm:"not null;index" json:"deliverer_id"`
	DeliveredAt     time.Time      `gorm:"not null" json:"delivered_at"`
	RecipientName   string         `gorm:"not null" json:"recipient_name"`
	Notes           string         `json:"notes"`
	Latitude        *float64       `json:"latitude,omitempty"`
	Longitude       *float64       `json:"longitude,omitempty"`
	GPSAccuracy     *float64       `json:"gps_accuracy,omitempty"`
	Status          DeliveryStatus `gorm:"not null;default:confirmed;index" json:"status"`
	SignatureWaived bool           `gorm:"not null;default:false" json:"signature_waived"`
	WaiverReason    string         `json:"waiver_reason,omitempty"`
	IntegrityHash   string         `gorm:"not null" json:"integrity_hash"`
	Synced          bool           `gorm:"not null;default:false;index" json:"synced"`
	SyncedAt        *time.Time     `json:"synced_at,omitempty"`
	SyncAttempts    int            `gorm:"not null;default:0" json:"sync_attempts"`
	LastSyncError   string         `json:"last_sync_error,omitempty"`
	ManualReview    bool           `gorm:"not null;default:false;index" json:"manual_review"`
	Signature       *Signature     `gorm:"foreignKey:ConfirmationID" json:"signature,omitempty"`
	Photos          []Photo        `gorm:"foreignKey:ConfirmationID" json:"photos,omitempty"`
}

// HasGPS reports whether the confirmation carries GPS coordinates
func (c *DeliveryConfirmation) HasGPS() bool {
	return c.Latitude != nil && c.Longitude != nil
}

// Signature is the captured signature owned by a single confirmation
type Signature struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	ConfirmationID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"confirmation_id"`
	Data           string    `gorm:"type:text;not null" json:"-"`
	CanvasWidth    int       `json:"canvas_width"`
	CanvasHeight   int       `json:"canvas_height"`
	DeviceClass    string    `json:"device_class"`
	QualityScore   float64   `gorm:"not null;default:0" json:"quality_score"`
	IntegrityHash  string    `gorm:"not null" json:"integrity_hash"`
	LegallyValid   bool      `gorm:"not null;default:false" json:"legally_valid"`
}

// Photo references one piece of photo evidence held by the photo store
type Photo struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	ConfirmationID uuid.UUID `gorm:"type:uuid;not null;index" json:"confirmation_id"`
	Position       int       `gorm:"not null" json:"position"`
	ObjectKey      string    `gorm:"not null" json:"object_key"`
	Filename       string    `json:"filename"`
	ContentType    string    `json:"content_type"`
	SizeBytes      int64     `json:"size_bytes"`
	Checksum       string    `json:"checksum"`
}

// FailedSyncStatus is the state of a manual review ledger row
type FailedSyncStatus string

// Ledger statuses
const (
	FailedSyncPendingReview FailedSyncStatus = "pending_manual_review"
	FailedSyncResolved      FailedSyncStatus = "resolved"
)

// FailedSync is a manual review ledger row for a delivery whose automatic
// ERP sync has been exhausted
type FailedSync struct {
	ID         uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt  time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
	DeliveryID uuid.UUID        `gorm:"type:uuid;not null;index" json:"delivery_id"`
	Attempts   int              `gorm:"not null" json:"attempts"`
	LastError  string           `gorm:"type:text" json:"last_error"`
	Status     FailedSyncStatus `gorm:"not null;index" json:"status"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy string           `json:"resolved_by,omitempty"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&DeliveryConfirmation{},
		&Signature{},
		&Photo{},
		&FailedSync{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
