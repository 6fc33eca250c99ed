// Package geo maps postal codes to coordinates and computes great-circle
// distances between them.
//
// An Index is built once at startup and is read-only afterwards, so it is
// safe for unsynchronized concurrent use. Lookups that miss report ok=false;
// there is no default coordinate.
package geo

import (
	"math"
	"strconv"
	"strings"
)

// kmPerDegree converts an arc in degrees to kilometers: 60 nautical miles per
// degree, 1.1515 statute miles per nautical mile, 1.609344 km per mile.
const kmPerDegree = 60 * 1.1515 * 1.609344

// Coordinate is a latitude/longitude pair in degrees.
type Coordinate struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

// Valid reports whether both components are finite and within range.
func (c Coordinate) Valid() bool {
	return !math.IsNaN(c.Lat) && !math.IsNaN(c.Long) &&
		c.Lat >= -90 && c.Lat <= 90 &&
		c.Long >= -180 && c.Long <= 180
}

// DistanceKm returns the great-circle distance between a and b using the
// spherical law of cosines. ok is false when either coordinate is invalid.
func DistanceKm(a, b Coordinate) (km float64, ok bool) {
	if !a.Valid() || !b.Valid() {
		return 0, false
	}
	if a == b {
		return 0, true
	}

	lat1, lat2 := deg2rad(a.Lat), deg2rad(b.Lat)
	theta := deg2rad(a.Long - b.Long)

	cosTheta := math.Sin(lat1)*math.Sin(lat2) + math.Cos(lat1)*math.Cos(lat2)*math.Cos(theta)
	// Rounding can push identical or antipodal points just outside [-1, 1].
	cosTheta = math.Max(-1, math.Min(1, cosTheta))

	return rad2deg(math.Acos(cosTheta)) * kmPerDegree, true
}

// Index is a read-only postal code → coordinate table.
type Index struct {
	coords map[int]Coordinate
}

// NewIndex copies coords into a new Index. Entries with out-of-range
// coordinates are kept so that lookups still hit, but any distance involving
// them is invalid.
func NewIndex(coords map[int]Coordinate) *Index {
	m := make(map[int]Coordinate, len(coords))
	for pc, c := range coords {
		m[pc] = c
	}
	return &Index{coords: m}
}

// Len returns the number of postal codes in the index.
func (ix *Index) Len() int {
	return len(ix.coords)
}

// Lookup returns the coordinate for a postal code.
func (ix *Index) Lookup(postcode int) (Coordinate, bool) {
	c, ok := ix.coords[postcode]
	return c, ok
}

// LookupString is Lookup for textual postal codes. Anything that is not an
// integer is a miss.
func (ix *Index) LookupString(raw string) (Coordinate, bool) {
	pc, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return Coordinate{}, false
	}
	return ix.Lookup(pc)
}

// Distance returns the distance in kilometers between two postal codes.
// ok is false if either code is unknown or maps to an invalid coordinate.
func (ix *Index) Distance(from, to int) (km float64, ok bool) {
	a, ok := ix.Lookup(from)
	if !ok {
		return 0, false
	}
	b, ok := ix.Lookup(to)
	if !ok {
		return 0, false
	}
	return DistanceKm(a, b)
}

func deg2rad(deg float64) float64 { return deg * math.Pi / 180 }

func rad2deg(rad float64) float64 { return rad * 180 / math.Pi }
