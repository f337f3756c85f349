package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// TimestampPrecision is the finest time resolution kept by the confirmation
// store. Postgres timestamptz stores microseconds.
const TimestampPrecision = time.Microsecond

// NormalizeTimestamp converts t to UTC at store precision, so a value
// hashed before saving still matches after it is read back
func NormalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(TimestampPrecision)
}

// CoreFields are the confirmation fields covered by the integrity hash.
// Status, sync bookkeeping and timestamps managed by the database are not
// part of it.
type CoreFields struct {
	ID              string   `json:"id"`
	ShipmentRef     string   `json:"shipment_ref"`
	DelivererID     string   `json:"deliverer_id"`
	DeliveredAt     string   `json:"delivered_at"`
	RecipientName   string   `json:"recipient_name"`
	Notes           string   `json:"notes"`
	Latitude        *float64 `json:"latitude"`
	Longitude       *float64 `json:"longitude"`
	GPSAccuracy     *float64 `json:"gps_accuracy"`
	SignatureHash   string   `json:"signature_hash"`
	SignatureWaived bool     `json:"signature_waived"`
	PhotoKeys       []string `json:"photo_keys"`
}

// CoreFields extracts the hashed fields of the confirmation
func (c *DeliveryConfirmation) CoreFields() CoreFields {
	fields := CoreFields{
		ID:              c.ID.String(),
		ShipmentRef:     c.ShipmentRef,
		DelivererID:     c.DelivererID,
		DeliveredAt:     NormalizeTimestamp(c.DeliveredAt).Format(time.RFC3339Nano),
		RecipientName:   c.RecipientName,
		Notes:           c.Notes,
		Latitude:        c.Latitude,
		Longitude:       c.Longitude,
		GPSAccuracy:     c.GPSAccuracy,
		SignatureWaived: c.SignatureWaived,
		PhotoKeys:       []string{},
	}
	if c.Signature != nil {
		fields.SignatureHash = c.Signature.IntegrityHash
	}

	photos := make([]Photo, len(c.Photos))
	copy(photos, c.Photos)
	sort.SliceStable(photos, func(i, j int) bool { return photos[i].Position < photos[j].Position })
	for _, p := range photos {
		fields.PhotoKeys = append(fields.PhotoKeys, p.ObjectKey)
	}

	return fields
}

// EncodeCoreFields produces the canonical byte encoding that is hashed
func EncodeCoreFields(fields CoreFields) ([]byte, error) {
	if fields.PhotoKeys == nil {
		fields.PhotoKeys = []string{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode core fields")
	}
	return data, nil
}

// DecodeCoreFields parses an encoding produced by EncodeCoreFields
func DecodeCoreFields(data []byte) (CoreFields, error) {
	var fields CoreFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return CoreFields{}, errors.Wrap(err, "failed to decode core fields")
	}
	return fields, nil
}

// HashCoreFields returns the hex SHA-256 of the canonical encoding
func HashCoreFields(fields CoreFields) (string, error) {
	data, err := EncodeCoreFields(fields)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ComputeIntegrityHash hashes the current core fields
func (c *DeliveryConfirmation) ComputeIntegrityHash() (string, error) {
	return HashCoreFields(c.CoreFields())
}

// RefreshIntegrityHash recomputes and stores the integrity hash. Call it
// after every change to a core field.
func (c *DeliveryConfirmation) RefreshIntegrityHash() error {
	hash, err := c.ComputeIntegrityHash()
	if err != nil {
		return err
	}
	c.IntegrityHash = hash
	return nil
}

// VerifyIntegrity reports whether the stored hash matches the core fields
func (c *DeliveryConfirmation) VerifyIntegrity() bool {
	if c.IntegrityHash == "" {
		return false
	}
	hash, err := c.ComputeIntegrityHash()
	if err != nil {
		return false
	}
	return hash == c.IntegrityHash
}

// IsComplete reports whether the confirmation has a signature or an
// explicit waiver and an intact integrity hash
func (c *DeliveryConfirmation) IsComplete() bool {
	if c.Signature == nil && !c.SignatureWaived {
		return false
	}
	return c.VerifyIntegrity()
}

// HashSignaturePayload returns the hex SHA-256 of a raw signature payload
func HashSignaturePayload(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// VerifyPayload reports whether the signature's stored hash matches its data
func (s *Signature) VerifyPayload() bool {
	return s.IntegrityHash != "" && s.IntegrityHash == HashSignaturePayload(s.Data)
}
