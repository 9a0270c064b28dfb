package validation

import (
	"github.com/mrs-federation/mrs/internal/apierr"
	"github.com/mrs-federation/mrs/internal/geo"
)

// Coordinate validates a WGS-84 point: lat in [-90, 90], lon in [-180, 180].
func Coordinate(p geo.Point) error {
	if p.Lat < -90 || p.Lat > 90 {
		return apierr.ErrInvalidGeometry.WithDetail("lat must be in [-90, 90]")
	}
	if p.Lon < -180 || p.Lon > 180 {
		return apierr.ErrInvalidGeometry.WithDetail("lon must be in [-180, 180]")
	}
	return nil
}

// SearchRange validates a search radius against the server's configured
// ceiling: 0 <= rangeM <= maxRadius.
func SearchRange(rangeM, maxRadius float64) error {
	if rangeM < 0 {
		return apierr.ErrInvalidGeometry.WithDetail("range must be >= 0")
	}
	if rangeM > maxRadius {
		return apierr.ErrInvalidGeometry.WithDetail("range exceeds max_radius")
	}
	return nil
}

// Geometry validates a Geometry value's coordinates and radius/vertex
// ranges before it reaches the registry.
func Geometry(g geo.Geometry, maxRadius float64) error {
	switch v := g.(type) {
	case geo.Sphere:
		if err := Coordinate(v.Center); err != nil {
			return err
		}
		if v.Radius < 0 || v.Radius > maxRadius {
			return apierr.ErrInvalidGeometry.WithDetail("radius out of range")
		}
	case geo.Polygon:
		if len(v.Vertices) < 3 {
			return apierr.ErrInvalidGeometry.WithDetail("polygon requires at least 3 vertices")
		}
		for _, vert := range v.Vertices {
			if err := Coordinate(vert); err != nil {
				return err
			}
		}
	default:
		return apierr.ErrInvalidGeometry.WithDetail("unsupported geometry kind")
	}
	return nil
}
