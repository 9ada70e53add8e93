// Package geo holds small geodesic helpers used by the fleet summary.
package geo

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/kilianp07/buoyfleet/core/model"
)

// EarthRadius is the mean Earth radius in meters.
const EarthRadius = 6371000.0

// Point is a position in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Centroid returns the arithmetic mean position of vehicles. It reports false
// for an empty fleet.
func Centroid(vehicles []model.Vehicle) (Point, bool) {
	if len(vehicles) == 0 {
		return Point{}, false
	}
	lats := make([]float64, len(vehicles))
	lons := make([]float64, len(vehicles))
	for i, v := range vehicles {
		lats[i] = v.Lat
		lons[i] = v.Lon
	}
	return Point{Lat: stat.Mean(lats, nil), Lon: stat.Mean(lons, nil)}, true
}

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b Point) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Pow(math.Sin(dLat/2), 2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Pow(math.Sin(dLon/2), 2)
	return 2 * EarthRadius * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
