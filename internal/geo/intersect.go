package geo

import "math"

// ContainsPoint reports whether point lies within geometry.
func ContainsPoint(g Geometry, point Point) bool {
	switch v := g.(type) {
	case Sphere:
		return Distance(v.Center, point) <= v.Radius
	case Polygon:
		return polygonContainsPoint(v, point)
	default:
		return false
	}
}

func polygonContainsPoint(p Polygon, point Point) bool {
	minEle := p.MinVertexEle()
	if point.Ele < minEle || point.Ele > minEle+p.Height {
		return false
	}
	return rayCast(p.Vertices, point)
}

// rayCast is the standard even-odd point-in-polygon test over the 2-D
// (lat, lon) footprint.
func rayCast(vertices []Point, point Point) bool {
	inside := false
	n := len(vertices)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		vi, vj := vertices[i], vertices[j]
		if (vi.Lon > point.Lon) != (vj.Lon > point.Lon) {
			latAtX := (vj.Lat-vi.Lat)*(point.Lon-vi.Lon)/(vj.Lon-vi.Lon) + vi.Lat
			if point.Lat < latAtX {
				inside = !inside
			}
		}
	}
	return inside
}

// Intersects treats the query as a sphere of the given range centered at
// center and tests it against geometry.
func Intersects(g Geometry, center Point, rangeM float64) bool {
	switch v := g.(type) {
	case Sphere:
		return Distance(v.Center, center) <= v.Radius+rangeM
	case Polygon:
		return polygonIntersectsSphere(v, center, rangeM)
	default:
		return false
	}
}

// polygonIntersectsSphere tests a query sphere against the extruded prism:
// distance from the query center to the nearest point of the prism must be
// within rangeM. We approximate the nearest horizontal point via the
// polygon's nearest edge/vertex distance and combine it with the vertical
// clearance to the prism's elevation band.
func polygonIntersectsSphere(p Polygon, center Point, rangeM float64) bool {
	minEle := p.MinVertexEle()
	maxEle := minEle + p.Height

	vEle := 0.0
	if center.Ele < minEle {
		vEle = minEle - center.Ele
	} else if center.Ele > maxEle {
		vEle = center.Ele - maxEle
	}

	if rayCast(p.Vertices, center) {
		// Horizontally inside the footprint: only the vertical gap matters.
		return vEle <= rangeM
	}

	hDist := nearestEdgeDistance(p.Vertices, center)
	total := math.Sqrt(hDist*hDist + vEle*vEle)
	return total <= rangeM
}

// nearestEdgeDistance returns the surface distance (meters) from point to
// the nearest edge of the polygon footprint.
func nearestEdgeDistance(vertices []Point, point Point) float64 {
	if len(vertices) == 0 {
		return math.Inf(1)
	}
	min := math.Inf(1)
	n := len(vertices)
	for i := 0; i < n; i++ {
		a := vertices[i]
		b := vertices[(i+1)%n]
		d := pointToSegmentDistance(point, a, b)
		if d < min {
			min = d
		}
	}
	return min
}

// pointToSegmentDistance projects point onto segment a-b in an
// equirectangular approximation centered at the segment, adequate for the
// short distances this coarse check is used for, then converts the planar
// offset back into a surface distance via the haversine formula between
// the point and its projection.
func pointToSegmentDistance(point, a, b Point) float64 {
	cosLat := math.Cos(a.Lat * math.Pi / 180)
	ax, ay := a.Lon*cosLat, a.Lat
	bx, by := b.Lon*cosLat, b.Lat
	px, py := point.Lon*cosLat, point.Lat

	dx, dy := bx-ax, by-ay
	var t float64
	if dx != 0 || dy != 0 {
		t = ((px-ax)*dx + (py-ay)*dy) / (dx*dx + dy*dy)
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
	}
	projLon := (ax + t*dx) / cosLat
	projLat := ay + t*dy

	return SurfaceDistance(point, Point{Lat: projLat, Lon: projLon})
}
