package domain

import "math"

// Immutable geographic coordinates (longitude, latitude) in decimal degrees.
type Coordinates struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// Return coordinates as [lon, lat] for external API compatibility.
func (c Coordinates) CoordsToList() []float64 { return []float64{c.Lon, c.Lat} }

// Valid reports whether the pair is a finite point on the globe.
func (c Coordinates) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// CoordsFromList parses an ORS style [lon, lat] pair.
func CoordsFromList(v []float64) (Coordinates, bool) {
	if len(v) < 2 {
		return Coordinates{}, false
	}
	c := Coordinates{Lon: v[0], Lat: v[1]}
	return c, c.Valid()
}
