package shape

import (
	"reflect"
	"testing"
	"time"

	"github.com/bikenow/ridestats/internal/model"
	"github.com/bikenow/ridestats/internal/pipeline"
	"github.com/bikenow/ridestats/internal/store"
)

func TestHourLabel(t *testing.T) {
	cases := map[int]string{
		0:  "12AM",
		1:  "1AM",
		5:  "5AM",
		11: "11AM",
		12: "12PM",
		13: "1PM",
		18: "6PM",
		23: "11PM",
	}
	for hour, want := range cases {
		if got := HourLabel(hour); got != want {
			t.Fatalf("HourLabel(%d)=%q want %q", hour, got, want)
		}
	}
}

func statisticsDoc() store.Document {
	return store.Document{
		pipeline.FacetBirthYear: []store.Document{
			{"_id": 20, "count": 14},
			{"_id": 30, "count": 9},
		},
		pipeline.FacetDayOfWeek: []store.Document{
			{"_id": 7, "count": 3},
			{"_id": 1, "count": 5},
			{"_id": 2, "count": 8},
		},
		pipeline.FacetStartHour: []store.Document{
			{"_id": 0, "count": 2},
			{"_id": 5, "count": 1},
			{"_id": 6, "count": 4},
			{"_id": 17, "count": 11},
		},
		pipeline.FacetRides: []store.Document{
			{"departureTime": time.UnixMilli(1443715200000).UTC(), "bike": 17109},
			{"departureTime": int64(1443718800000), "bike": 20000},
		},
	}
}

func TestStatisticsStationScope(t *testing.T) {
	got, err := Statistics(statisticsDoc(), pipeline.StationScope(72))
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}

	wantBirth := []model.FacetBucket{{Label: "20", Count: 14}, {Label: "30", Count: 9}}
	if !reflect.DeepEqual(got.BirthYear, wantBirth) {
		t.Fatalf("BirthYear=%+v want %+v", got.BirthYear, wantBirth)
	}

	// Day buckets come back sorted by code, then relabeled.
	wantDays := []model.FacetBucket{{Label: "Sun", Count: 5}, {Label: "Mon", Count: 8}, {Label: "Sat", Count: 3}}
	if !reflect.DeepEqual(got.DayOfWeek, wantDays) {
		t.Fatalf("DayOfWeek=%+v want %+v", got.DayOfWeek, wantDays)
	}

	// Station scope drops the small-hours buckets (hour <= 5).
	wantHours := []model.FacetBucket{{Label: "6AM", Count: 4}, {Label: "5PM", Count: 11}}
	if !reflect.DeepEqual(got.StartHour, wantHours) {
		t.Fatalf("StartHour=%+v want %+v", got.StartHour, wantHours)
	}

	wantRides := []model.RecentRide{
		{DepartureTime: 1443715200000, Bike: 17109},
		{DepartureTime: 1443718800000, Bike: 20000},
	}
	if !reflect.DeepEqual(got.Rides, wantRides) {
		t.Fatalf("Rides=%+v want %+v", got.Rides, wantRides)
	}
}

func TestStatisticsAreaScopeKeepsEarlyHoursAndDropsRides(t *testing.T) {
	doc := statisticsDoc()
	delete(doc, pipeline.FacetRides)
	got, err := Statistics(doc, pipeline.AreaScope(model.BBox{SWLat: 40, SWLng: -74, NELat: 41, NELng: -73}))
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	wantHours := []model.FacetBucket{
		{Label: "12AM", Count: 2},
		{Label: "5AM", Count: 1},
		{Label: "6AM", Count: 4},
		{Label: "5PM", Count: 11},
	}
	if !reflect.DeepEqual(got.StartHour, wantHours) {
		t.Fatalf("StartHour=%+v want %+v", got.StartHour, wantHours)
	}
	if got.Rides != nil {
		t.Fatalf("area scope must not shape rides, got %+v", got.Rides)
	}
}

func TestStatisticsRejectsBadDayCode(t *testing.T) {
	doc := statisticsDoc()
	doc[pipeline.FacetDayOfWeek] = []store.Document{{"_id": 8, "count": 1}}
	if _, err := Statistics(doc, pipeline.StationScope(1)); err == nil {
		t.Fatalf("expected error for day code 8")
	}
}

func TestStatisticsMissingFacet(t *testing.T) {
	doc := statisticsDoc()
	delete(doc, pipeline.FacetBirthYear)
	if _, err := Statistics(doc, pipeline.StationScope(1)); err == nil {
		t.Fatalf("expected error for missing facet")
	}
}

func station(id int) model.Station {
	return model.Station{ID: id, Name: "S", Location: model.NewPoint(-73.99, 40.72)}
}

func segDoc(from, to int, at int64) store.Document {
	return store.Document{
		"startLocation": store.Document{"id": from, "name": "S", "location": model.NewPoint(-73.99, 40.72)},
		"endLocation":   store.Document{"id": to, "name": "S", "location": model.NewPoint(-73.99, 40.72)},
		"departedAt":    at,
	}
}

func TestPathLinearizationTruncatesAtBreak(t *testing.T) {
	// Out of order on purpose; E->F departs last but does not connect.
	docs := []store.Document{
		segDoc(2, 3, 300),
		segDoc(1, 2, 100),
		segDoc(5, 6, 900),
		segDoc(3, 4, 500),
	}
	route, err := Path(docs)
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if len(route) != 3 {
		t.Fatalf("route len=%d want 3 (truncated before the break)", len(route))
	}
	wantOrder := [][2]int{{1, 2}, {2, 3}, {3, 4}}
	for i, seg := range route {
		if seg.StartLocation.ID != wantOrder[i][0] || seg.EndLocation.ID != wantOrder[i][1] {
			t.Fatalf("segment %d is %d->%d, want %d->%d",
				i, seg.StartLocation.ID, seg.EndLocation.ID, wantOrder[i][0], wantOrder[i][1])
		}
	}

	stations := PathStations(route)
	ids := make([]int, 0, len(stations))
	for _, s := range stations {
		ids = append(ids, s.ID)
	}
	if !reflect.DeepEqual(ids, []int{1, 2, 3, 4}) {
		t.Fatalf("visited stations %v want [1 2 3 4]", ids)
	}
}

func TestPathEmpty(t *testing.T) {
	route, err := Path(nil)
	if err != nil {
		t.Fatalf("Path(nil): %v", err)
	}
	if route != nil {
		t.Fatalf("expected nil route, got %+v", route)
	}
	if got := PathStations(nil); got != nil {
		t.Fatalf("expected nil stations, got %+v", got)
	}
}

func TestFeature(t *testing.T) {
	doc := store.Document{
		"type":       "Feature",
		"geometry":   model.NewPoint(-73.99, 40.72),
		"properties": store.Document{"id": 151},
	}
	f, err := Feature(doc)
	if err != nil {
		t.Fatalf("Feature: %v", err)
	}
	if f.Type != "Feature" || f.Properties.ID != 151 {
		t.Fatalf("unexpected feature: %+v", f)
	}
	if f.Geometry.Lng() != -73.99 || f.Geometry.Lat() != 40.72 {
		t.Fatalf("unexpected geometry: %+v", f.Geometry)
	}
}

func TestStationAcceptsStoreNativeID(t *testing.T) {
	doc := store.Document{
		"_id":  72,
		"name": "W 52 St & 11 Ave",
		"location": map[string]any{
			"type":        "Point",
			"coordinates": []any{-73.99393, 40.76727},
		},
	}
	s, err := Station(doc)
	if err != nil {
		t.Fatalf("Station: %v", err)
	}
	want := station(72)
	want.Name = "W 52 St & 11 Ave"
	want.Location = model.NewPoint(-73.99393, 40.76727)
	if !reflect.DeepEqual(s, want) {
		t.Fatalf("station=%+v want %+v", s, want)
	}
}
