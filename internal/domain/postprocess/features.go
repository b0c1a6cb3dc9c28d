package postprocess

import "fmt"

// FeatureType selects which connected regions AdjustMaskFeatures edits.
type FeatureType string

// Feature types.
const (
	// FeatureIsland is a connected region of set pixels.
	FeatureIsland FeatureType = "island"
	// FeatureHole is a region of unset pixels enclosed by the mask.
	FeatureHole FeatureType = "hole"
)

// AdjustMaskFeatures removes islands, or fills holes, whose area relative
// to the image is below areaThreshold. The input mask is not modified.
// Islands are 8-connected; holes are 4-connected and never touch the border.
func AdjustMaskFeatures(m Mask, areaThreshold float64, feature FeatureType) (Mask, error) {
	if err := m.Validate(); err != nil {
		return Mask{}, err
	}
	if areaThreshold < 0 || areaThreshold > 1 {
		return Mask{}, fmt.Errorf("threshold %v: %w", areaThreshold, ErrInvalidRange)
	}

	var target bool
	var neighbours [][2]int
	switch feature {
	case FeatureIsland:
		target = true
		neighbours = [][2]int{{-1, -1}, {0, -1}, {1, -1}, {-1, 0}, {1, 0}, {-1, 1}, {0, 1}, {1, 1}}
	case FeatureHole:
		target = false
		neighbours = [][2]int{{0, -1}, {-1, 0}, {1, 0}, {0, 1}}
	default:
		return Mask{}, fmt.Errorf("%q: %w", feature, ErrInvalidFeature)
	}

	out := Mask{W: m.W, H: m.H, Bits: append([]bool(nil), m.Bits...)}
	total := float64(m.W * m.H)
	seen := make([]bool, len(m.Bits))
	stack := make([]int, 0, 64)
	region := make([]int, 0, 64)

	for start := range m.Bits {
		if seen[start] || m.Bits[start] != target {
			continue
		}
		region = region[:0]
		touchesBorder := false
		stack = append(stack[:0], start)
		seen[start] = true
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			region = append(region, p)
			x, y := p%m.W, p/m.W
			if x == 0 || y == 0 || x == m.W-1 || y == m.H-1 {
				touchesBorder = true
			}
			for _, d := range neighbours {
				nx, ny := x+d[0], y+d[1]
				if nx < 0 || ny < 0 || nx >= m.W || ny >= m.H {
					continue
				}
				q := ny*m.W + nx
				if !seen[q] && m.Bits[q] == target {
					seen[q] = true
					stack = append(stack, q)
				}
			}
		}
		if feature == FeatureHole && touchesBorder {
			continue
		}
		if float64(len(region))/total < areaThreshold {
			for _, p := range region {
				out.Bits[p] = !target
			}
		}
	}
	return out, nil
}
