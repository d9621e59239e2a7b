package geofence

import "math"

const (
	earthRadiusMeters = 6371000.0
	// boundaryToleranceMeters is the resolution of a five-decimal coordinate.
	// Fixes that far past the edge still count as inside.
	boundaryToleranceMeters = 1.0
	minPolygonVertices      = 3
)

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lng float64 `json:"lng" validate:"longitude"`
}

// HaversineMeters returns the great-circle distance between two coordinates.
func HaversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLng/2)*math.Sin(deltaLng/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// InCircle reports whether the point lies within radiusMeters of the center.
func InCircle(center Point, radiusMeters float64, point Point) bool {
	if radiusMeters <= 0 {
		return false
	}
	return HaversineMeters(center.Lat, center.Lng, point.Lat, point.Lng) <= radiusMeters+boundaryToleranceMeters
}

// InPolygon reports whether the point lies inside the polygon using ray casting.
// Polygons with fewer than three vertices contain nothing.
func InPolygon(vertices []Point, point Point) bool {
	if len(vertices) < minPolygonVertices {
		return false
	}
	inside := false
	for i, j := 0, len(vertices)-1; i < len(vertices); j, i = i, i+1 {
		vi, vj := vertices[i], vertices[j]
		if (vi.Lat > point.Lat) != (vj.Lat > point.Lat) {
			crossingLng := (vj.Lng-vi.Lng)*(point.Lat-vi.Lat)/(vj.Lat-vi.Lat) + vi.Lng
			if point.Lng < crossingLng {
				inside = !inside
			}
		}
	}
	return inside
}
