package geo

import (
	"drone-delivery-service/internal/domain"
	"errors"
)

// degenerateKm is the length under which a path is treated as zero length.
const degenerateKm = 1e-9

// Sample is the interpolated state of a path at a time fraction.
type Sample struct {
	Position    domain.Coordinates
	TravelledKm float64
	RemainingKm float64
	Percent     float64
}

// Path is an ordered polyline with precomputed great-circle segment lengths.
type Path struct {
	points  []domain.Coordinates
	lengths []float64
	total   float64
}

// NewPath precomputes segment lengths. A single point is accepted and yields a
// degenerate path.
func NewPath(points []domain.Coordinates) (*Path, error) {
	if len(points) == 0 {
		return nil, errors.New("new path: at least one point is required")
	}

	p := &Path{
		points:  append([]domain.Coordinates(nil), points...),
		lengths: make([]float64, 0, len(points)),
	}
	for i := 1; i < len(points); i++ {
		d := HaversineKm(points[i-1], points[i])
		p.lengths = append(p.lengths, d)
		p.total += d
	}

	return p, nil
}

func (p *Path) TotalKm() float64 { return p.total }

func (p *Path) Start() domain.Coordinates { return p.points[0] }

func (p *Path) End() domain.Coordinates { return p.points[len(p.points)-1] }

func (p *Path) Degenerate() bool { return p.total < degenerateKm }

// At samples the path at time fraction t of the total duration.
//
// The target distance t*total is located by walking segments and interpolating
// within the segment that contains it, so uneven segment lengths keep the
// position continuous. At t >= 1, or for a degenerate path, the position snaps
// to the final point at exactly 100%.
func (p *Path) At(t float64) Sample {
	if t >= 1 || p.Degenerate() {
		return Sample{
			Position:    p.End(),
			TravelledKm: p.total,
			RemainingKm: 0,
			Percent:     100,
		}
	}
	if t <= 0 {
		return Sample{
			Position:    p.Start(),
			RemainingKm: p.total,
		}
	}

	target := t * p.total
	walked := 0.0
	for i, seg := range p.lengths {
		if walked+seg >= target {
			f := 0.0
			if seg > 0 {
				f = (target - walked) / seg
			}
			return Sample{
				Position:    Lerp(p.points[i], p.points[i+1], f),
				TravelledKm: target,
				RemainingKm: p.total - target,
				Percent:     t * 100,
			}
		}
		walked += seg
	}

	// Float drift can leave target a hair past the summed lengths.
	return Sample{
		Position:    p.End(),
		TravelledKm: p.total,
		Percent:     t * 100,
	}
}
