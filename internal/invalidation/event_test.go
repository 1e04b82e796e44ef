package invalidation

import (
	"testing"
	"time"
)

func validEvent() RideEvent {
	return RideEvent{
		Version:  1,
		Op:       "insert",
		Station:  72,
		Location: Location{Lat: 40.72, Lng: -73.99},
		TS:       time.Now().UTC(),
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := validEvent().Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*RideEvent){
		"version":       func(e *RideEvent) { e.Version = 2 },
		"op":            func(e *RideEvent) { e.Op = "upsert" },
		"station":       func(e *RideEvent) { e.Station = 0 },
		"ts":            func(e *RideEvent) { e.TS = time.Time{} },
		"lat too big":   func(e *RideEvent) { e.Location.Lat = 91 },
		"lng too small": func(e *RideEvent) { e.Location.Lng = -181 },
	}
	for name, mutate := range cases {
		ev := validEvent()
		mutate(&ev)
		if err := ev.Validate(); err == nil {
			t.Fatalf("case %q: expected validation error", name)
		}
	}
}
