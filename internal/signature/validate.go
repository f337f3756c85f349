package signature

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Validate runs every applicable check against a raw signature payload and
// returns all failures. Image heuristics are skipped when the payload does
// not decode.
func (e *Engine) Validate(raw string) (bool, []ErrorKind) {
	if len(raw) > MaxPayloadLength {
		return false, []ErrorKind{ErrPayloadTooLarge}
	}

	var errs []ErrorKind

	if len(raw) < e.cfg.MinPayloadLength {
		errs = append(errs, ErrPayloadTooShort)
	}

	img, err := DecodeImage(raw)
	if err != nil {
		errs = append(errs, ErrInvalidImage)
	} else {
		errs = append(errs, e.detectFake(img)...)
	}

	if ShannonEntropy([]byte(raw)) <= e.cfg.EntropyFloor {
		errs = append(errs, ErrLowEntropy)
	}

	return len(errs) == 0, errs
}

// DecodePayload strips an optional data-URL header and base64 decodes the
// signature payload
func DecodePayload(raw string) ([]byte, error) {
	data := strings.TrimSpace(raw)
	if strings.HasPrefix(data, "data:") {
		idx := strings.Index(data, ",")
		if idx < 0 {
			return nil, errors.New("malformed data URL")
		}
		data = data[idx+1:]
	}

	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(data)
		if err != nil {
			return nil, errors.Wrap(err, "payload is not base64")
		}
	}
	return decoded, nil
}

// DecodeImageConfig reads the image header of a raw payload without
// decoding pixels. Images above MaxImagePixels are rejected.
func DecodeImageConfig(raw string) (image.Config, []byte, error) {
	data, err := DecodePayload(raw)
	if err != nil {
		return image.Config{}, nil, err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Config{}, nil, errors.Wrap(err, "payload is not a supported image")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return image.Config{}, nil, errors.New("image has no pixels")
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxImagePixels {
		return image.Config{}, nil, errors.Errorf("image of %dx%d pixels exceeds the limit", cfg.Width, cfg.Height)
	}
	return cfg, data, nil
}

// DecodeImage decodes the payload into an image
func DecodeImage(raw string) (image.Image, error) {
	_, data, err := DecodeImageConfig(raw)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "payload is not a supported image")
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, errors.New("image has no pixels")
	}
	return img, nil
}

// detectFake samples the image on a grid. A near-empty canvas or a sampled
// scanline crossed by one long uniform run marks a fake signature.
func (e *Engine) detectFake(img image.Image) []ErrorKind {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	stepX := maxInt(1, w/100)
	stepY := maxInt(1, h/50)

	var samples, dark int
	longestRun := 0
	for y := b.Min.Y; y < b.Max.Y; y += stepY {
		for x := b.Min.X; x < b.Max.X; x += stepX {
			samples++
			if isInk(img.At(x, y)) {
				dark++
			}
		}

		run := 0
		for x := b.Min.X; x < b.Max.X; x++ {
			if isInk(img.At(x, y)) {
				run++
				if run > longestRun {
					longestRun = run
				}
			} else {
				run = 0
			}
		}
	}

	var errs []ErrorKind
	if samples == 0 || float64(dark)/float64(samples) < e.cfg.MinDarkRatio {
		errs = append(errs, ErrBlankCanvas)
	}
	if float64(longestRun) >= e.cfg.StraightRunRatio*float64(w) {
		errs = append(errs, ErrStraightLine)
	}
	return errs
}

// isInk reports whether a pixel is an opaque dark stroke pixel.
// Transparent pixels count as background.
func isInk(c color.Color) bool {
	_, _, _, a := c.RGBA()
	if a < 0x8000 {
		return false
	}
	gray := color.GrayModel.Convert(c).(color.Gray)
	return gray.Y < 128
}

// ShannonEntropy returns the byte-level entropy of data in bits per byte
func ShannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var freq [256]int
	for _, b := range data {
		freq[b]++
	}
	n := float64(len(data))
	var entropy float64
	for _, count := range freq {
		if count == 0 {
			continue
		}
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
