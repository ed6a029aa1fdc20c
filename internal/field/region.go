package field

import "fmt"

// Region is a latitude/longitude bounding box. Flip marks regions that
// straddle the prime meridian: their bounds are expressed on a [-180,180)
// axis and the field's longitude origin is rotated before subsetting so
// the selection stays contiguous.
type Region struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
	Flip           bool
}

// Regions maps region names accepted in configuration to bounding boxes.
var Regions = map[string]Region{
	"global":        {MinLat: -90, MaxLat: 90, MinLon: 0, MaxLon: 360},
	"nh":            {MinLat: 0, MaxLat: 90, MinLon: 0, MaxLon: 360},
	"arctic":        {MinLat: 60, MaxLat: 90, MinLon: 0, MaxLon: 360},
	"northamerica":  {MinLat: 20, MaxLat: 75, MinLon: 190, MaxLon: 310},
	"northpacific":  {MinLat: 20, MaxLat: 70, MinLon: 120, MaxLon: 250},
	"europe":        {MinLat: 35, MaxLat: 72, MinLon: -15, MaxLon: 45, Flip: true},
	"northatlantic": {MinLat: 20, MaxLat: 75, MinLon: -80, MaxLon: 20, Flip: true},
}

// LookupRegion resolves a region name; unknown names are a configuration
// error surfaced before any numerical work.
func LookupRegion(name string) (Region, error) {
	r, ok := Regions[name]
	if !ok {
		return Region{}, fmt.Errorf("unknown region %q", name)
	}
	return r, nil
}

// Subset returns the part of f inside r as a new field. For Flip regions
// the returned field's longitudes are on the rotated [-180,180) axis.
func (f *Field) Subset(r Region) (*Field, error) {
	// Longitude axis, possibly rotated so the selection is contiguous.
	type lonPt struct {
		idx int
		lon float64
	}
	axis := make([]lonPt, 0, len(f.Lons))
	if r.Flip {
		for i, lon := range f.Lons {
			if lon >= 180 {
				axis = append(axis, lonPt{i, lon - 360})
			}
		}
		for i, lon := range f.Lons {
			if lon < 180 {
				axis = append(axis, lonPt{i, lon})
			}
		}
	} else {
		for i, lon := range f.Lons {
			axis = append(axis, lonPt{i, lon})
		}
	}

	var lonSel []lonPt
	for _, p := range axis {
		if p.lon >= r.MinLon && p.lon <= r.MaxLon {
			lonSel = append(lonSel, p)
		}
	}
	var latSel []int
	for j, lat := range f.Lats {
		if lat >= r.MinLat && lat <= r.MaxLat {
			latSel = append(latSel, j)
		}
	}
	if len(lonSel) == 0 || len(latSel) == 0 {
		return nil, fmt.Errorf("region selects no grid cells (lat %g..%g lon %g..%g)",
			r.MinLat, r.MaxLat, r.MinLon, r.MaxLon)
	}

	lats := make([]float64, len(latSel))
	for k, j := range latSel {
		lats[k] = f.Lats[j]
	}
	lons := make([]float64, len(lonSel))
	for k, p := range lonSel {
		lons[k] = p.lon
	}

	out := New(f.Name, f.NTime(), lats, lons, f.StartYear)
	out.Units = f.Units
	for t := 0; t < f.NTime(); t++ {
		for jj, j := range latSel {
			for ii, p := range lonSel {
				out.Set(f.At(t, j, p.idx), t, jj, ii)
			}
		}
	}
	return out, nil
}
