package geo

import (
	"drone-delivery-service/internal/domain"
	"math"
)

// EarthRadiusKm is the mean Earth radius used for great-circle distances.
const EarthRadiusKm = 6371.0

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

// HaversineKm returns the great-circle distance between a and b in kilometers.
func HaversineKm(a, b domain.Coordinates) float64 {
	lat1 := toRad(a.Lat)
	lat2 := toRad(b.Lat)
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// Clamp guards asin against rounding just above 1 for antipodal points.
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// HaversineMeters is HaversineKm in meters.
func HaversineMeters(a, b domain.Coordinates) float64 {
	return HaversineKm(a, b) * 1000
}

// Within reports whether a lies inside the radius (meters) around b.
func Within(a, b domain.Coordinates, radiusMeters float64) bool {
	return HaversineMeters(a, b) <= radiusMeters
}

// Lerp interpolates linearly between a and b at fraction f in [0,1].
func Lerp(a, b domain.Coordinates, f float64) domain.Coordinates {
	if f <= 0 {
		return a
	}
	if f >= 1 {
		return b
	}
	return domain.Coordinates{
		Lat: a.Lat + (b.Lat-a.Lat)*f,
		Lon: a.Lon + (b.Lon-a.Lon)*f,
	}
}
