// Package signature validates captured signature images and scores how
// plausible they are as a hand-drawn signature.
//
// Validation rejects payloads that are too short, not an image, visually
// blank or a single straight line, or byte-wise degenerate. Scoring combines
// five bounded factors into a value in [0,1]:
//
//	length          0..25  payload size ramp
//	stroke richness 0..25  stroke count and direction variety (16 sectors)
//	complexity      0..25  payload entropy
//	canvas usage    0..25  stroke bounding box over canvas area
//	anti-forgery  -10..+10 straight/duplicate strokes vs natural drawing
//
// A signature is legally valid when it validates, its stored hash matches
// the payload and the score reaches LegalValidityThreshold.
package signature

import (
	"github.com/Omer1970/ShippingAPP-sub001/internal/models"
)

// ErrorKind identifies a failed validation check
type ErrorKind string

// Validation failures
const (
	ErrPayloadTooShort ErrorKind = "payload_too_short"
	ErrInvalidImage    ErrorKind = "invalid_image"
	ErrBlankCanvas     ErrorKind = "blank_canvas"
	ErrStraightLine    ErrorKind = "straight_line"
	ErrLowEntropy      ErrorKind = "low_entropy"
	ErrPayloadTooLarge ErrorKind = "payload_too_large"
)

// Hard limits checked before a payload is decoded
const (
	MaxPayloadLength = 1 << 20
	MaxImagePixels   = 4 << 20
)

// LegalValidityThreshold is the minimum score of a legally valid signature
const LegalValidityThreshold = 0.85

// Config tunes the validation and scoring thresholds
type Config struct {
	MinPayloadLength        int
	SaturationPayloadLength int
	MinDarkRatio            float64
	StraightRunRatio        float64
	EntropyFloor            float64
	EntropySaturation       float64
	CanvasSaturation        float64
	StrokeCountCap          int
	DirectionVarietyCap     int
	DuplicateStrokeRatio    float64
	MinPlausibleStrokes     int
	MaxPlausibleStrokes     int
	MinDrawingTimeMs        int64
	SampleIntervalMs        int64
}

// DefaultConfig returns the production thresholds
func DefaultConfig() Config {
	return Config{
		MinPayloadLength:        100,
		SaturationPayloadLength: 1000,
		MinDarkRatio:            0.01,
		StraightRunRatio:        0.6,
		EntropyFloor:            3.0,
		EntropySaturation:       4.5,
		CanvasSaturation:        0.5,
		StrokeCountCap:          10,
		DirectionVarietyCap:     8,
		DuplicateStrokeRatio:    0.30,
		MinPlausibleStrokes:     3,
		MaxPlausibleStrokes:     20,
		MinDrawingTimeMs:        500,
		SampleIntervalMs:        10,
	}
}

// Strokes are the pen paths captured with a signature and the canvas they
// were drawn on. Zero canvas dimensions fall back to the image bounds.
type Strokes struct {
	Paths        []models.Stroke
	CanvasWidth  int
	CanvasHeight int
}

// Breakdown is the per-factor contribution to a score, in points
type Breakdown struct {
	Length      float64 `json:"length"`
	Strokes     float64 `json:"strokes"`
	Complexity  float64 `json:"complexity"`
	Canvas      float64 `json:"canvas"`
	AntiForgery float64 `json:"anti_forgery"`
	Score       float64 `json:"score"`
}

// Assessment is the full verdict on a signature
type Assessment struct {
	Valid        bool        `json:"valid"`
	Errors       []ErrorKind `json:"errors,omitempty"`
	Score        float64     `json:"score"`
	Breakdown    Breakdown   `json:"breakdown"`
	Hash         string      `json:"hash"`
	HashMatches  bool        `json:"hash_matches"`
	LegallyValid bool        `json:"legally_valid"`
}

// Engine validates and scores signatures. It holds no mutable state and is
// safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine with the default thresholds
func NewEngine() *Engine {
	return &Engine{cfg: DefaultConfig()}
}

// NewEngineWithConfig creates an engine with custom thresholds
func NewEngineWithConfig(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Assess validates and scores raw, and checks it against storedHash. An
// empty storedHash is treated as a fresh capture and compared against the
// hash computed here.
func (e *Engine) Assess(raw string, strokes Strokes, storedHash string) Assessment {
	valid, errs := e.Validate(raw)
	breakdown := e.Breakdown(raw, strokes)

	hash := models.HashSignaturePayload(raw)
	if storedHash == "" {
		storedHash = hash
	}
	hashMatches := storedHash == hash

	return Assessment{
		Valid:        valid,
		Errors:       errs,
		Score:        breakdown.Score,
		Breakdown:    breakdown,
		Hash:         hash,
		HashMatches:  hashMatches,
		LegallyValid: valid && hashMatches && breakdown.Score >= LegalValidityThreshold,
	}
}

// IsLegallyValid reports whether a persisted signature still meets the
// legal validity rule
func (e *Engine) IsLegallyValid(sig *models.Signature, strokes Strokes) bool {
	if sig == nil {
		return false
	}
	return e.Assess(sig.Data, strokes, sig.IntegrityHash).LegallyValid
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
