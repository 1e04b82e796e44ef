// Package geo maps coordinates and bounding boxes onto H3 cells. The
// cells key the invalidation index: an area-statistics response is
// registered under every cell its viewport covers, and a ride event
// at a point invalidates the entries registered under that point's
// cell.
package geo

import (
	"fmt"
	"sort"

	h3 "github.com/uber/h3-go/v4"

	"github.com/bikenow/ridestats/internal/model"
)

// DefaultRes is coarse on purpose: viewports span whole neighborhoods
// and the index only has to over-approximate coverage.
const DefaultRes = 7

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}

// CellForPoint returns the cell containing a lat/lng point.
func CellForPoint(lat, lng float64, res int) (string, error) {
	if err := validateRes(res); err != nil {
		return "", err
	}
	cell, err := h3.LatLngToCell(h3.LatLng{Lat: lat, Lng: lng}, res)
	if err != nil {
		return "", fmt.Errorf("h3 cell: %w", err)
	}
	return cell.String(), nil
}

// CellsForBBox returns the unique cells covering a bounding box,
// sorted for determinism.
func CellsForBBox(bb model.BBox, res int) ([]string, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}
	outer := h3.GeoLoop{
		{Lat: bb.SWLat, Lng: bb.SWLng},
		{Lat: bb.SWLat, Lng: bb.NELng},
		{Lat: bb.NELat, Lng: bb.NELng},
		{Lat: bb.NELat, Lng: bb.SWLng},
	}
	indexes, err := h3.PolygonToCells(h3.GeoPolygon{GeoLoop: outer}, res)
	if err != nil {
		return nil, fmt.Errorf("h3 polyfill: %w", err)
	}

	seen := make(map[string]struct{}, len(indexes))
	out := make([]string, 0, len(indexes))
	for _, idx := range indexes {
		s := idx.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}
