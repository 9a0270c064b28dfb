// Package geo implements the pure spatial-math kernel shared by the
// registry and federation engines: distance, bounding boxes, containment,
// intersection and volume over WGS-84 geometry.
//
// Geometry is modeled as a tagged variant (Kind) rather than open
// polymorphism so callers can switch on it exhaustively and so capability
// advertisement (the well-known surface) can list supported kinds.
package geo

import "math"

// EarthRadiusMeters is the WGS-84 mean radius used for all great-circle math.
const EarthRadiusMeters = 6_371_000.0

// Kind discriminates the Geometry tagged union.
type Kind string

const (
	KindSphere  Kind = "sphere"
	KindPolygon Kind = "polygon"
)

// Point is a WGS-84 coordinate in degrees (lat/lon) and meters (ele).
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Ele float64 `json:"ele"`
}

// Geometry is the tagged-variant interface implemented by Sphere and Polygon.
type Geometry interface {
	Kind() Kind
}

// Sphere is a ball of the given radius (meters) centered at Center.
type Sphere struct {
	Center Point   `json:"center"`
	Radius float64 `json:"radius"`
}

func (Sphere) Kind() Kind { return KindSphere }

// Polygon is a vertical prism: a footprint polygon extruded from the
// minimum vertex elevation up by Height meters.
type Polygon struct {
	Vertices []Point `json:"vertices"`
	Height   float64 `json:"height"`
}

func (Polygon) Kind() Kind { return KindPolygon }

// MinVertexEle returns the minimum elevation among the polygon's vertices,
// the base of the extruded prism.
func (p Polygon) MinVertexEle() float64 {
	min := math.Inf(1)
	for _, v := range p.Vertices {
		if v.Ele < min {
			min = v.Ele
		}
	}
	return min
}

// BBox is an axis-aligned bounding box, precomputed and persisted alongside
// each registration for coarse index lookup. Wraps indicates the box
// straddles the antimeridian: in that case [MinLon, 180] ∪ [-180, MaxLon]
// is the represented range, not [MinLon, MaxLon].
type BBox struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
	Wraps  bool    `json:"wraps,omitempty"`
}

// ContainsLon reports whether lon falls within the box's longitude range,
// accounting for antimeridian wrap.
func (b BBox) ContainsLon(lon float64) bool {
	if !b.Wraps {
		return lon >= b.MinLon && lon <= b.MaxLon
	}
	return lon >= b.MinLon || lon <= b.MaxLon
}
