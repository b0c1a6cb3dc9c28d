// Package postprocess cleans up binary segmentation masks produced by a
// model: overlap measurement, non-max suppression, area filtering and
// removal of small islands or holes.
package postprocess

import (
	"fmt"
	"sort"
)

// Mask is a binary mask of W×H pixels stored row-major.
type Mask struct {
	W, H int
	Bits []bool
}

// NewMask returns an empty mask of the given size.
func NewMask(w, h int) Mask {
	return Mask{W: w, H: h, Bits: make([]bool, w*h)}
}

// At reports whether pixel (x, y) is set.
func (m Mask) At(x, y int) bool { return m.Bits[y*m.W+x] }

// Set sets pixel (x, y) to v.
func (m Mask) Set(x, y int, v bool) { m.Bits[y*m.W+x] = v }

// Area returns the number of set pixels.
func (m Mask) Area() int {
	n := 0
	for _, b := range m.Bits {
		if b {
			n++
		}
	}
	return n
}

// Validate checks that Bits matches the declared size.
func (m Mask) Validate() error {
	if m.W <= 0 || m.H <= 0 || len(m.Bits) != m.W*m.H {
		return fmt.Errorf("%dx%d with %d pixels: %w", m.W, m.H, len(m.Bits), ErrInvalidMask)
	}
	return nil
}

func sameShape(a, b Mask) error {
	if a.W != b.W || a.H != b.H {
		return fmt.Errorf("%dx%d vs %dx%d: %w", a.W, a.H, b.W, b.H, ErrShapeMismatch)
	}
	return nil
}

// validateAll checks every mask and that they share one shape.
func validateAll(masks []Mask) error {
	for i, m := range masks {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("mask %d: %w", i, err)
		}
		if i > 0 {
			if err := sameShape(masks[0], m); err != nil {
				return fmt.Errorf("mask %d: %w", i, err)
			}
		}
	}
	return nil
}

// MaskIoU returns the intersection over union of two masks.
// Two empty masks have an IoU of zero.
func MaskIoU(a, b Mask) (float64, error) {
	if err := validateAll([]Mask{a, b}); err != nil {
		return 0, err
	}
	inter, union := 0, 0
	for i := range a.Bits {
		if a.Bits[i] && b.Bits[i] {
			inter++
		}
		if a.Bits[i] || b.Bits[i] {
			union++
		}
	}
	if union == 0 {
		return 0, nil
	}
	return float64(inter) / float64(union), nil
}

// PairwiseMaskIoU returns the symmetric N×N IoU matrix of masks.
func PairwiseMaskIoU(masks []Mask) ([][]float64, error) {
	if err := validateAll(masks); err != nil {
		return nil, err
	}
	n := len(masks)
	areas := make([]int, n)
	for i, m := range masks {
		areas[i] = m.Area()
	}
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			inter := 0
			for p := range masks[i].Bits {
				if masks[i].Bits[p] && masks[j].Bits[p] {
					inter++
				}
			}
			union := areas[i] + areas[j] - inter
			iou := 0.0
			if union > 0 {
				iou = float64(inter) / float64(union)
			}
			out[i][j], out[j][i] = iou, iou
		}
	}
	return out, nil
}

// MaskNonMaxSuppression visits masks by descending area and drops every
// mask whose IoU with a kept one exceeds iouThreshold. The returned flags
// are in input order.
func MaskNonMaxSuppression(masks []Mask, iouThreshold float64) ([]bool, error) {
	iou, err := PairwiseMaskIoU(masks)
	if err != nil {
		return nil, err
	}
	n := len(masks)
	order := make([]int, n)
	areas := make([]int, n)
	for i := range order {
		order[i] = i
		areas[i] = masks[i].Area()
	}
	sort.SliceStable(order, func(a, b int) bool { return areas[order[a]] > areas[order[b]] })

	keep := make([]bool, n)
	for i := range keep {
		keep[i] = true
	}
	for _, i := range order {
		if !keep[i] {
			continue
		}
		for j := 0; j < n; j++ {
			if j != i && iou[i][j] > iouThreshold {
				keep[j] = false
			}
		}
	}
	return keep, nil
}

// FilterMasksByRelativeArea keeps masks whose area relative to the image
// lies within [minArea, maxArea].
func FilterMasksByRelativeArea(masks []Mask, minArea, maxArea float64) ([]Mask, error) {
	if minArea < 0 || maxArea > 1 || minArea > maxArea {
		return nil, fmt.Errorf("[%v, %v]: %w", minArea, maxArea, ErrInvalidRange)
	}
	if err := validateAll(masks); err != nil {
		return nil, err
	}
	out := make([]Mask, 0, len(masks))
	for _, m := range masks {
		rel := float64(m.Area()) / float64(m.W*m.H)
		if rel >= minArea && rel <= maxArea {
			out = append(out, m)
		}
	}
	return out, nil
}
