package models

import (
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Point is a single sampled position of a signature stroke. T is the
// capture time in milliseconds when the client supplies it.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	T int64   `json:"t,omitempty"`
}

// Stroke is one continuous pen-down path
type Stroke []Point

// GPSFix is the position reported by the field device
type GPSFix struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
	Accuracy  float64 `json:"accuracy" validate:"gte=0"`
}

// SignatureCapture is the signature part of a capture submission
type SignatureCapture struct {
	Data         string   `json:"data" validate:"required,max=1048576"`
	CanvasWidth  int      `json:"canvas_width" validate:"gte=0"`
	CanvasHeight int      `json:"canvas_height" validate:"gte=0"`
	DeviceClass  string   `json:"device_class" validate:"omitempty,oneof=phone tablet desktop stylus unknown"`
	Strokes      []Stroke `json:"strokes,omitempty"`
}

// PhotoCapture is one base64 encoded photo of a capture submission
type PhotoCapture struct {
	Filename    string `json:"filename" validate:"required,max=255"`
	ContentType string `json:"content_type" validate:"required,oneof=image/jpeg image/png image/webp"`
	Data        string `json:"data" validate:"required,max=8388608"`
}

// CapturePayload is a delivery confirmation as submitted by the field app,
// either online or replayed from the offline queue
type CapturePayload struct {
	ClientReference string            `json:"client_reference" validate:"omitempty,max=64"`
	ShipmentRef     string            `json:"shipment_ref" validate:"required,max=128"`
	DelivererID     string            `json:"deliverer_id" validate:"required,max=128"`
	DeliveredAt     time.Time         `json:"delivered_at"`
	RecipientName   string            `json:"recipient_name" validate:"required,max=255"`
	Notes           string            `json:"notes" validate:"max=2000"`
	GPS             *GPSFix           `json:"gps,omitempty"`
	Signature       *SignatureCapture `json:"signature,omitempty"`
	SignatureWaived bool              `json:"signature_waived"`
	WaiverReason    string            `json:"waiver_reason" validate:"required_if=SignatureWaived true,max=500"`
	Photos          []PhotoCapture    `json:"photos" validate:"max=10,dive"`
}

// StatusUpdate is a request to move a confirmation to a new status
type StatusUpdate struct {
	Status DeliveryStatus `json:"status" validate:"required,oneof=confirmed delivered failed returned"`
	Notes  *string        `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// ValidateStruct validates a struct using its validate tags
func ValidateStruct(s interface{}) error {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate.Struct(s)
}
