// Package h3cell labels geographic centers with H3 cell indexes so cluster and
// hotspot results can be joined against other cell-keyed data.
package h3cell

import (
	"fmt"

	h3 "github.com/uber/h3-go/v4"
)

const DefaultResolution = 5

// average hexagon edge length in km per resolution
var edgeKm = [...]float64{
	1281.256011, 483.0568391, 182.5129565, 68.97922179, 26.07175968,
	9.854090990, 3.724532667, 1.406475763, 0.531414010, 0.200786148,
	0.075863783, 0.028663897, 0.010830188, 0.004092010, 0.001546100,
	0.000584169,
}

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}

// Label returns the cell containing lat/lng at res.
func Label(lat, lng float64, res int) (string, error) {
	if err := validateRes(res); err != nil {
		return "", err
	}
	c, err := h3.LatLngToCell(h3.NewLatLng(lat, lng), res)
	if err != nil {
		return "", fmt.Errorf("h3 cell for (%.5f,%.5f): %w", lat, lng, err)
	}
	return c.String(), nil
}

// Center parses cell and returns its center point.
func Center(cell string) (lat, lng float64, err error) {
	c, err := parse(cell)
	if err != nil {
		return 0, 0, err
	}
	ll, err := c.LatLng()
	if err != nil {
		return 0, 0, fmt.Errorf("h3 center of %q: %w", cell, err)
	}
	return ll.Lat, ll.Lng, nil
}

func Parent(cell string, parentRes int) (string, error) {
	if err := validateRes(parentRes); err != nil {
		return "", err
	}
	c, err := parse(cell)
	if err != nil {
		return "", err
	}
	curRes := c.Resolution()
	if parentRes > curRes {
		return "", fmt.Errorf("parentRes %d must be <= cell resolution %d", parentRes, curRes)
	}
	if parentRes == curRes {
		return cell, nil
	}
	p, err := c.Parent(parentRes)
	if err != nil {
		return "", fmt.Errorf("h3 parent: %w", err)
	}
	return p.String(), nil
}

// ResolutionForRadius picks the finest resolution whose cells are still at
// least as wide as a region of the given radius, clamped to [0, maxRes].
func ResolutionForRadius(radiusKm float64, maxRes int) int {
	if maxRes < 0 {
		maxRes = 0
	}
	if maxRes > 15 {
		maxRes = 15
	}
	res := 0
	for r := 1; r <= maxRes; r++ {
		if edgeKm[r] < radiusKm {
			break
		}
		res = r
	}
	return res
}

func parse(cell string) (h3.Cell, error) {
	var c h3.Cell
	if err := c.UnmarshalText([]byte(cell)); err != nil {
		return 0, fmt.Errorf("parse cell %q: %w", cell, err)
	}
	if !c.IsValid() {
		return 0, fmt.Errorf("invalid h3 cell %q", cell)
	}
	return c, nil
}
