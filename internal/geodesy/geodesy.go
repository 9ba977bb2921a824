// Package geodesy provides the small set of earth-geometry helpers the
// geolocation pipeline needs: great-circle distance, local-tangent-plane
// offsets and angle interpolation.
package geodesy

import "math"

// EarthRadiusM is the mean earth radius used for spherical calculations.
const EarthRadiusM = 6371000.0

// DegToRad converts degrees to radians.
func DegToRad(deg float64) float64 { return deg * math.Pi / 180 }

// RadToDeg converts radians to degrees.
func RadToDeg(rad float64) float64 { return rad * 180 / math.Pi }

// HaversineM returns the great-circle distance in metres between two
// latitude/longitude points given in degrees.
func HaversineM(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := DegToRad(lat1)
	phi2 := DegToRad(lat2)
	dPhi := DegToRad(lat2 - lat1)
	dLambda := DegToRad(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusM * c
}

// Offset displaces a latitude/longitude point (degrees) by north/east metres
// on the local tangent plane. Accurate for the sub-kilometre displacements a
// ground projection produces.
func Offset(lat, lon, northM, eastM float64) (float64, float64) {
	dLat := northM / EarthRadiusM
	dLon := eastM / (EarthRadiusM * math.Cos(DegToRad(lat)))
	return lat + RadToDeg(dLat), lon + RadToDeg(dLon)
}

// WrapAngle normalises an angle in radians to (-pi, pi].
func WrapAngle(rad float64) float64 {
	for rad > math.Pi {
		rad -= 2 * math.Pi
	}
	for rad <= -math.Pi {
		rad += 2 * math.Pi
	}
	return rad
}

// LerpAngle interpolates between two angles in radians taking the shortest
// angular path. t=0 returns a, t=1 returns b.
func LerpAngle(a, b, t float64) float64 {
	return WrapAngle(a + WrapAngle(b-a)*t)
}

// Lerp linearly interpolates between a and b.
func Lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// ToE7 converts a coordinate in degrees to the 1e7-scaled integer form the
// competition scoring format and MAVLink both use.
func ToE7(deg float64) int64 {
	return int64(math.Round(deg * 1e7))
}
