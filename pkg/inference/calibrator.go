package inference

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Calibrator maps raw model probabilities onto observed outcome
// frequencies. Fitted with isotonic regression, so the mapping is
// monotone non-decreasing by construction.
type Calibrator struct {
	X []float64 `json:"x"`
	Y []float64 `json:"y"`
}

// LoadCalibrator reads a calibrator artifact from disk.
func LoadCalibrator(path string) (*Calibrator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibrator: %w", err)
	}
	var c Calibrator
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode calibrator: %w", err)
	}
	if len(c.X) != len(c.Y) {
		return nil, fmt.Errorf("calibrator artifact inconsistent: %d x for %d y", len(c.X), len(c.Y))
	}
	return &c, nil
}

// Save writes the calibrator artifact to disk.
func (c *Calibrator) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode calibrator: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write calibrator: %w", err)
	}
	return nil
}

// Calibrate maps a raw probability through the fitted curve with linear
// interpolation between breakpoints. Inputs outside the fitted range
// take the boundary value.
func (c *Calibrator) Calibrate(p float64) float64 {
	if len(c.X) == 0 {
		return p
	}
	if p <= c.X[0] {
		return c.Y[0]
	}
	last := len(c.X) - 1
	if p >= c.X[last] {
		return c.Y[last]
	}
	i := sort.SearchFloat64s(c.X, p)
	// c.X[i-1] < p <= c.X[i]
	x0, x1 := c.X[i-1], c.X[i]
	y0, y1 := c.Y[i-1], c.Y[i]
	if x1 == x0 {
		return y1
	}
	return y0 + (y1-y0)*(p-x0)/(x1-x0)
}

// FitIsotonic fits an isotonic calibration curve with the
// pool-adjacent-violators algorithm. Predictions and labels pair up by
// index; labels are 0 or 1.
func FitIsotonic(predictions, labels []float64) (*Calibrator, error) {
	if len(predictions) != len(labels) {
		return nil, fmt.Errorf("isotonic fit: %d predictions for %d labels", len(predictions), len(labels))
	}
	if len(predictions) == 0 {
		return nil, fmt.Errorf("isotonic fit: no data")
	}

	type pair struct{ x, y float64 }
	pairs := make([]pair, len(predictions))
	for i := range predictions {
		pairs[i] = pair{predictions[i], labels[i]}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].x < pairs[j].x })

	// Pool adjacent violators: merge blocks until means are
	// non-decreasing.
	type block struct {
		sum    float64
		weight float64
		minX   float64
		maxX   float64
	}
	blocks := make([]block, 0, len(pairs))
	for _, p := range pairs {
		blocks = append(blocks, block{sum: p.y, weight: 1, minX: p.x, maxX: p.x})
		for len(blocks) > 1 {
			n := len(blocks)
			a, b := blocks[n-2], blocks[n-1]
			if a.sum/a.weight <= b.sum/b.weight {
				break
			}
			blocks = blocks[:n-2]
			blocks = append(blocks, block{
				sum:    a.sum + b.sum,
				weight: a.weight + b.weight,
				minX:   a.minX,
				maxX:   b.maxX,
			})
		}
	}

	c := &Calibrator{
		X: make([]float64, 0, len(blocks)),
		Y: make([]float64, 0, len(blocks)),
	}
	for _, b := range blocks {
		mean := b.sum / b.weight
		// One breakpoint per block edge keeps the curve piecewise flat
		// across the block and interpolating between blocks.
		c.X = append(c.X, b.minX)
		c.Y = append(c.Y, mean)
		if b.maxX != b.minX {
			c.X = append(c.X, b.maxX)
			c.Y = append(c.Y, mean)
		}
	}
	return c, nil
}
