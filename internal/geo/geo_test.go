package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSurfaceDistance_SydneyOperaHouse(t *testing.T) {
	a := Point{Lat: -33.8568, Lon: 151.2153}
	b := Point{Lat: -33.8570, Lon: 151.2155}
	d := SurfaceDistance(a, b)
	assert.InDelta(t, 24.6, d, 2.0, "expected roughly 24.6m per spec scenario 1")
}

func TestSphereBBox_ContainsCenter(t *testing.T) {
	s := Sphere{Center: Point{Lat: -33.8568, Lon: 151.2153}, Radius: 50}
	box := ComputeBBox(s)
	require.True(t, box.MinLat <= s.Center.Lat && s.Center.Lat <= box.MaxLat)
	require.True(t, box.ContainsLon(s.Center.Lon))
}

func TestSphereBBox_PoleClampWidensLongitude(t *testing.T) {
	s := Sphere{Center: Point{Lat: 89.9, Lon: 0}, Radius: 50_000}
	box := ComputeBBox(s)
	assert.Equal(t, -180.0, box.MinLon)
	assert.Equal(t, 180.0, box.MaxLon)
	assert.Equal(t, 90.0, box.MaxLat)
}

func TestSphereBBox_Antimeridian(t *testing.T) {
	s := Sphere{Center: Point{Lat: 0, Lon: 179.99}, Radius: 10_000}
	box := ComputeBBox(s)
	require.True(t, box.Wraps, "box should wrap across the antimeridian")
	assert.True(t, box.ContainsLon(-179.99))
	assert.True(t, box.ContainsLon(179.99))
	assert.False(t, box.ContainsLon(0))
}

func TestIntersects_Antimeridian(t *testing.T) {
	s := Sphere{Center: Point{Lat: 0, Lon: 179.99}, Radius: 10_000}
	ok := Intersects(s, Point{Lat: 0, Lon: -179.99}, 1000)
	assert.True(t, ok, "scenario 8: search across antimeridian must find the registration")
}

func TestContainsPoint_Sphere(t *testing.T) {
	s := Sphere{Center: Point{Lat: 0, Lon: 0}, Radius: 100}
	assert.True(t, ContainsPoint(s, Point{Lat: 0, Lon: 0}))
	assert.False(t, ContainsPoint(s, Point{Lat: 10, Lon: 10}))
}

func TestContainsPoint_Polygon(t *testing.T) {
	square := Polygon{
		Vertices: []Point{
			{Lat: 0, Lon: 0, Ele: 0},
			{Lat: 0, Lon: 0.01, Ele: 0},
			{Lat: 0.01, Lon: 0.01, Ele: 0},
			{Lat: 0.01, Lon: 0, Ele: 0},
		},
		Height: 10,
	}
	assert.True(t, ContainsPoint(square, Point{Lat: 0.005, Lon: 0.005, Ele: 5}))
	assert.False(t, ContainsPoint(square, Point{Lat: 0.005, Lon: 0.005, Ele: 20}))
	assert.False(t, ContainsPoint(square, Point{Lat: 1, Lon: 1, Ele: 5}))
}

func TestVolume_OrderingInsideOut(t *testing.T) {
	small := Sphere{Center: Point{Lat: 0, Lon: 0}, Radius: 10}
	large := Sphere{Center: Point{Lat: 0, Lon: 0}, Radius: 1000}
	assert.Less(t, Volume(small), Volume(large))
}

func TestVolume_Polygon(t *testing.T) {
	square := Polygon{
		Vertices: []Point{
			{Lat: 0, Lon: 0}, {Lat: 0, Lon: 0.01}, {Lat: 0.01, Lon: 0.01}, {Lat: 0.01, Lon: 0},
		},
		Height: 10,
	}
	v := Volume(square)
	assert.Greater(t, v, 0.0)
	assert.False(t, math.IsNaN(v))
}

func TestSplitAntimeridian_NonWrapping(t *testing.T) {
	b := BBox{MinLat: -10, MaxLat: 10, MinLon: -10, MaxLon: 10}
	parts := SplitAntimeridian(b)
	require.Len(t, parts, 1)
	assert.Equal(t, b, parts[0])
}
