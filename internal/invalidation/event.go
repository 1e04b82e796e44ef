// Package invalidation defines the ride-ingest event that expires
// cached statistics touched by new data.
package invalidation

import (
	"fmt"
	"time"
)

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// RideEvent announces a ride written to the store. Station is the
// start station: its statistics key and any cached area covering its
// location are stale once the ride lands.
type RideEvent struct {
	Version  int       `json:"version"`
	Op       string    `json:"op"`
	Station  int       `json:"station"`
	Location Location  `json:"location"`
	TS       time.Time `json:"ts"`
	Source   string    `json:"source,omitempty"`
}

func (e RideEvent) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case "insert", "update", "delete":
	default:
		return fmt.Errorf("op must be insert|update|delete")
	}
	if e.Station <= 0 {
		return fmt.Errorf("station id is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if e.Location.Lat < -90 || e.Location.Lat > 90 {
		return fmt.Errorf("location latitude out of range")
	}
	if e.Location.Lng < -180 || e.Location.Lng > 180 {
		return fmt.Errorf("location longitude out of range")
	}
	return nil
}
