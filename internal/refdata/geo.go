package refdata

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mbd888/cardguard/internal/geo"
)

// LoadGeo reads postcode,lat,long[,city,state] rows without a header. Rows
// whose postcode, latitude or longitude is not numeric are skipped. A later
// row for the same postcode replaces an earlier one.
func LoadGeo(r io.Reader) (*geo.Index, Stats, error) {
	var stats Stats
	coords := make(map[int]geo.Coordinate)
	cr := newReader(r)
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, stats, fmt.Errorf("refdata: read geo row %d: %w", stats.Rows+1, err)
		}
		stats.Rows++
		if len(record) < 3 {
			stats.Skipped++
			continue
		}
		postcode, err := parseInt(record[0])
		if err != nil {
			stats.Skipped++
			continue
		}
		lat, latErr := parseFloat(record[1])
		long, longErr := parseFloat(record[2])
		if latErr != nil || longErr != nil {
			stats.Skipped++
			continue
		}
		coords[int(postcode)] = geo.Coordinate{Lat: lat, Long: long}
		stats.Loaded++
	}
	return geo.NewIndex(coords), stats, nil
}

// LoadGeoFile opens path and calls LoadGeo.
func LoadGeoFile(path string) (*geo.Index, Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("refdata: open geo file: %w", err)
	}
	defer f.Close()
	return LoadGeo(f)
}
