/*
	Timelinize
	Copyright (c) 2013 Matthew Holt

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package cluster

import "math"

// Location is a point on earth's surface in decimal degrees.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// haversineDistanceMeters returns the approximate number of meters between two points on earth's surface.
func haversineDistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := degreesToRadians(lat1)
	phi2 := degreesToRadians(lat2)
	lambda1 := degreesToRadians(lon1)
	lambda2 := degreesToRadians(lon2)
	h := haversin(phi2-phi1) + math.Cos(phi1)*math.Cos(phi2)*haversin(lambda2-lambda1)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(min(h, 1)))
}

func haversin(theta float64) float64 {
	return 0.5 * (1 - math.Cos(theta))
}

func degreesToRadians(d float64) float64 {
	return d * (math.Pi / 180)
}

const earthRadiusMeters = 6_371_000
