package geo

import "math"

// ComputeBBox derives the axis-aligned envelope of a geometry.
func ComputeBBox(g Geometry) BBox {
	switch v := g.(type) {
	case Sphere:
		return sphereBBox(v)
	case Polygon:
		return polygonBBox(v)
	default:
		return BBox{}
	}
}

// sphereBBox converts the sphere's radius into degrees of latitude and
// longitude around its center, clamping latitude to [-90, 90] and widening
// the longitude range to the full circle when the clamp engages (the
// sphere then necessarily covers every longitude at that latitude band).
func sphereBBox(s Sphere) BBox {
	latDelta := (s.Radius / EarthRadiusMeters) * (180 / math.Pi)

	minLat := s.Center.Lat - latDelta
	maxLat := s.Center.Lat + latDelta
	clamped := minLat < -90 || maxLat > 90
	if minLat < -90 {
		minLat = -90
	}
	if maxLat > 90 {
		maxLat = 90
	}

	if clamped {
		return BBox{MinLat: minLat, MaxLat: maxLat, MinLon: -180, MaxLon: 180}
	}

	cosLat := math.Cos(s.Center.Lat * math.Pi / 180)
	var lonDelta float64
	if cosLat < 0.001 {
		lonDelta = 180
	} else {
		lonDelta = latDelta / cosLat
	}
	if lonDelta >= 180 {
		return BBox{MinLat: minLat, MaxLat: maxLat, MinLon: -180, MaxLon: 180}
	}

	minLon := s.Center.Lon - lonDelta
	maxLon := s.Center.Lon + lonDelta
	return normalizeLon(minLat, maxLat, minLon, maxLon)
}

func polygonBBox(p Polygon) BBox {
	if len(p.Vertices) == 0 {
		return BBox{}
	}
	minLat, maxLat := p.Vertices[0].Lat, p.Vertices[0].Lat
	minLon, maxLon := p.Vertices[0].Lon, p.Vertices[0].Lon
	for _, v := range p.Vertices[1:] {
		if v.Lat < minLat {
			minLat = v.Lat
		}
		if v.Lat > maxLat {
			maxLat = v.Lat
		}
		if v.Lon < minLon {
			minLon = v.Lon
		}
		if v.Lon > maxLon {
			maxLon = v.Lon
		}
	}
	return normalizeLon(minLat, maxLat, minLon, maxLon)
}

// normalizeLon wraps min/max longitude into [-180, 180] and flags Wraps
// when the box straddles the antimeridian: either the raw range runs past
// ±180 (a sphere near the antimeridian), in which case the wrapped ends
// already describe [MinLon, 180] ∪ [-180, MaxLon], or the raw range spans
// more than 180 degrees (vertices on both sides), in which case the box is
// represented as its complement.
func normalizeLon(minLat, maxLat, minLon, maxLon float64) BBox {
	if minLon < -180 || maxLon > 180 {
		return BBox{MinLat: minLat, MaxLat: maxLat, MinLon: wrapLon(minLon), MaxLon: wrapLon(maxLon), Wraps: true}
	}
	wraps := maxLon-minLon > 180
	minLon = wrapLon(minLon)
	maxLon = wrapLon(maxLon)
	if wraps {
		// Represent as the complement: everything NOT between minLon and
		// maxLon on the non-wrapping side becomes the wrapping range.
		minLon, maxLon = maxLon, minLon
	}
	return BBox{MinLat: minLat, MaxLat: maxLat, MinLon: minLon, MaxLon: maxLon, Wraps: wraps}
}

func wrapLon(lon float64) float64 {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}

// SearchBBox computes the bounding box for a search query: a sphere of the
// given range centered at location, using the same math as registration
// bboxes.
func SearchBBox(center Point, rangeM float64) BBox {
	return sphereBBox(Sphere{Center: center, Radius: rangeM})
}

// SplitAntimeridian returns one or two non-wrapping rectangles equivalent
// to the box, for consumption by a plain rectangular bbox index query.
func SplitAntimeridian(b BBox) []BBox {
	if !b.Wraps {
		return []BBox{b}
	}
	return []BBox{
		{MinLat: b.MinLat, MaxLat: b.MaxLat, MinLon: b.MinLon, MaxLon: 180},
		{MinLat: b.MinLat, MaxLat: b.MaxLat, MinLon: -180, MaxLon: b.MaxLon},
	}
}

// Intersects reports whether two bounding boxes overlap, correctly
// accounting for antimeridian wrap on either side.
func (b BBox) Intersects(o BBox) bool {
	if b.MaxLat < o.MinLat || b.MinLat > o.MaxLat {
		return false
	}
	for _, bb := range SplitAntimeridian(b) {
		for _, oo := range SplitAntimeridian(o) {
			if bb.MaxLon >= oo.MinLon && bb.MinLon <= oo.MaxLon {
				return true
			}
		}
	}
	return false
}
