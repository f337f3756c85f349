package signature

import (
	"math"

	"github.com/Omer1970/ShippingAPP-sub001/internal/models"
)

const (
	factorMax        = 25.0
	strokeCountMax   = 15.0
	strokeVarietyMax = 10.0
	forgeryStep      = 5.0
	sectors          = 16
	straightness     = 0.98
)

// Score returns the signature quality in [0,1]. It is a pure function of
// its inputs.
func (e *Engine) Score(raw string, strokes Strokes) float64 {
	return e.Breakdown(raw, strokes).Score
}

// Breakdown computes every scoring factor and the resulting score
func (e *Engine) Breakdown(raw string, strokes Strokes) Breakdown {
	paths := nonEmpty(strokes.Paths)

	b := Breakdown{
		Length:      e.lengthPoints(len(raw)),
		Strokes:     e.strokePoints(paths),
		Complexity:  e.complexityPoints(raw),
		Canvas:      e.canvasPoints(raw, paths, strokes.CanvasWidth, strokes.CanvasHeight),
		AntiForgery: e.antiForgeryPoints(paths),
	}
	total := b.Length + b.Strokes + b.Complexity + b.Canvas + b.AntiForgery
	b.Score = clamp01(total / 100)
	return b
}

func (e *Engine) lengthPoints(n int) float64 {
	span := float64(e.cfg.SaturationPayloadLength - e.cfg.MinPayloadLength)
	if span <= 0 {
		if n >= e.cfg.SaturationPayloadLength {
			return factorMax
		}
		return 0
	}
	return clamp01(float64(n-e.cfg.MinPayloadLength)/span) * factorMax
}

func (e *Engine) strokePoints(paths []models.Stroke) float64 {
	count := len(paths)
	if count > e.cfg.StrokeCountCap {
		count = e.cfg.StrokeCountCap
	}
	countPts := float64(count) / float64(e.cfg.StrokeCountCap) * strokeCountMax

	variety := len(directionSectors(paths))
	if variety > e.cfg.DirectionVarietyCap {
		variety = e.cfg.DirectionVarietyCap
	}
	varietyPts := float64(variety) / float64(e.cfg.DirectionVarietyCap) * strokeVarietyMax

	return countPts + varietyPts
}

func (e *Engine) complexityPoints(raw string) float64 {
	if e.cfg.EntropySaturation <= 0 {
		return 0
	}
	return clamp01(ShannonEntropy([]byte(raw))/e.cfg.EntropySaturation) * factorMax
}

func (e *Engine) canvasPoints(raw string, paths []models.Stroke, width, height int) float64 {
	if len(paths) == 0 {
		return 0
	}
	if width <= 0 || height <= 0 {
		cfg, _, err := DecodeImageConfig(raw)
		if err != nil {
			return 0
		}
		width, height = cfg.Width, cfg.Height
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, path := range paths {
		for _, p := range path {
			minX = math.Min(minX, p.X)
			minY = math.Min(minY, p.Y)
			maxX = math.Max(maxX, p.X)
			maxY = math.Max(maxY, p.Y)
		}
	}

	area := float64(width) * float64(height)
	ratio := clamp01((maxX - minX) * (maxY - minY) / area)
	if e.cfg.CanvasSaturation <= 0 {
		return ratio * factorMax
	}
	return clamp01(ratio/e.cfg.CanvasSaturation) * factorMax
}

// antiForgeryPoints rewards a plausible stroke count and drawing time, and
// penalises mostly straight strokes and repeated stroke fingerprints.
func (e *Engine) antiForgeryPoints(paths []models.Stroke) float64 {
	if len(paths) == 0 {
		return 0
	}
	var pts float64

	straight := 0
	fingerprints := make(map[[2]int]int, len(paths))
	for _, path := range paths {
		if isStraight(path) {
			straight++
		}
		fingerprints[fingerprint(path)]++
	}
	if straight*2 > len(paths) {
		pts -= forgeryStep
	}

	duplicated := 0
	for _, n := range fingerprints {
		if n > 1 {
			duplicated += n
		}
	}
	if float64(duplicated)/float64(len(paths)) > e.cfg.DuplicateStrokeRatio {
		pts -= forgeryStep
	}

	if len(paths) >= e.cfg.MinPlausibleStrokes && len(paths) <= e.cfg.MaxPlausibleStrokes {
		pts += forgeryStep
	}
	if e.drawingTimeMs(paths) > e.cfg.MinDrawingTimeMs {
		pts += forgeryStep
	}

	return pts
}

// drawingTimeMs uses point timestamps when a stroke has them and otherwise
// extrapolates from the number of sampled points
func (e *Engine) drawingTimeMs(paths []models.Stroke) int64 {
	var total int64
	for _, path := range paths {
		first, last := path[0], path[len(path)-1]
		if first.T != 0 || last.T != 0 {
			if d := last.T - first.T; d > 0 {
				total += d
			}
			continue
		}
		total += int64(len(path)) * e.cfg.SampleIntervalMs
	}
	return total
}

func nonEmpty(paths []models.Stroke) []models.Stroke {
	out := make([]models.Stroke, 0, len(paths))
	for _, p := range paths {
		if len(p) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// sector buckets a direction vector into one of 16 angular sectors
func sector(dx, dy float64) int {
	angle := math.Atan2(dy, dx) + math.Pi
	s := int(angle / (2 * math.Pi / sectors))
	if s >= sectors {
		s = sectors - 1
	}
	return s
}

func directionSectors(paths []models.Stroke) map[int]struct{} {
	seen := make(map[int]struct{}, sectors)
	for _, path := range paths {
		for i := 1; i < len(path); i++ {
			dx, dy := path[i].X-path[i-1].X, path[i].Y-path[i-1].Y
			if dx == 0 && dy == 0 {
				continue
			}
			seen[sector(dx, dy)] = struct{}{}
		}
	}
	return seen
}

func pathLength(path models.Stroke) float64 {
	var length float64
	for i := 1; i < len(path); i++ {
		length += math.Hypot(path[i].X-path[i-1].X, path[i].Y-path[i-1].Y)
	}
	return length
}

func isStraight(path models.Stroke) bool {
	if len(path) < 2 {
		return false
	}
	length := pathLength(path)
	if length == 0 {
		return false
	}
	first, last := path[0], path[len(path)-1]
	chord := math.Hypot(last.X-first.X, last.Y-first.Y)
	return chord/length >= straightness
}

// fingerprint is the overall direction sector and length bucket of a stroke
func fingerprint(path models.Stroke) [2]int {
	first, last := path[0], path[len(path)-1]
	dir := -1
	if dx, dy := last.X-first.X, last.Y-first.Y; dx != 0 || dy != 0 {
		dir = sector(dx, dy)
	}
	return [2]int{dir, int(math.Round(pathLength(path) / 10))}
}
