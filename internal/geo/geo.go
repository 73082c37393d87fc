// Package geo holds the spherical geometry used by the analyzers.
package geo

import "math"

const EarthRadiusKm = 6371.0

type Point struct {
	Lat float64 `json:"latitude"`
	Lng float64 `json:"longitude"`
}

// Valid reports whether p is a finite coordinate inside the usual ranges.
func Valid(p Point) bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

func rad(deg float64) float64 { return deg * math.Pi / 180 }
func deg(r float64) float64   { return r * 180 / math.Pi }

// HaversineKm is the great-circle distance in kilometres. The result is
// symmetric in its arguments bit for bit.
func HaversineKm(a, b Point) float64 {
	lat1, lat2 := rad(a.Lat), rad(b.Lat)
	sdLat := math.Sin((lat2 - lat1) / 2)
	sdLng := math.Sin(rad(b.Lng-a.Lng) / 2)
	h := sdLat*sdLat + math.Cos(lat1)*math.Cos(lat2)*sdLng*sdLng
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Centroid averages unit vectors and projects the mean back onto the sphere.
// ok is false for an empty set or when the vectors cancel out.
func Centroid(pts []Point) (Point, bool) {
	if len(pts) == 0 {
		return Point{}, false
	}
	var x, y, z float64
	for _, p := range pts {
		lat, lng := rad(p.Lat), rad(p.Lng)
		x += math.Cos(lat) * math.Cos(lng)
		y += math.Cos(lat) * math.Sin(lng)
		z += math.Sin(lat)
	}
	n := float64(len(pts))
	x, y, z = x/n, y/n, z/n
	hyp := math.Hypot(x, y)
	if hyp < 1e-12 && math.Abs(z) < 1e-12 {
		return Point{}, false
	}
	return Point{Lat: deg(math.Atan2(z, hyp)), Lng: deg(math.Atan2(y, x))}, true
}

// WrapLng folds a longitude into [-180, 180).
func WrapLng(lng float64) float64 {
	w := math.Mod(lng+180, 360)
	if w < 0 {
		w += 360
	}
	return w - 180
}
