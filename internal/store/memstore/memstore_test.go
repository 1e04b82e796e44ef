package memstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bikenow/ridestats/internal/model"
	"github.com/bikenow/ridestats/internal/pipeline"
	"github.com/bikenow/ridestats/internal/store"
)

func intp(v int) *int { return &v }

func station(id int, lng, lat float64) model.Station {
	return model.Station{ID: id, Name: "station", Location: model.NewPoint(lng, lat)}
}

// Fixture layout: stations 1-3 sit inside the test viewport, station 4
// outside. Rides chain 1->2->3 for bike 7; a second bike rides 4->1.
func fixture() ([]model.Station, []model.Ride) {
	day := int64(24 * 60 * 60 * 1000)
	base := time.Date(2016, 3, 6, 8, 0, 0, 0, time.UTC).UnixMilli() // a Sunday, 8AM

	stations := []model.Station{
		station(1, -73.99, 40.72),
		station(2, -73.98, 40.73),
		station(3, -73.97, 40.74),
		station(4, -70.00, 42.00),
	}
	rides := []model.Ride{
		{StartStation: stations[0], EndStation: stations[1], StartTime: base, EndTime: base + 600000, Bike: 7, BirthYear: intp(1990)},
		{StartStation: stations[1], EndStation: stations[2], StartTime: base + 3600000, EndTime: base + 4200000, Bike: 7, BirthYear: intp(1961)},
		{StartStation: stations[3], EndStation: stations[0], StartTime: base + day, EndTime: base + day + 600000, Bike: 9},
	}
	return stations, rides
}

func newStore() *Store {
	return New(fixture())
}

func TestStationByIDRoundTrip(t *testing.T) {
	s := newStore()
	b := pipeline.NewBuilder()

	docs, err := s.Aggregate(context.Background(), pipeline.Stations, b.StationByID(2))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("docs len=%d want 1", len(docs))
	}
	if got := docs[0]["id"]; got != 2 {
		t.Fatalf("id=%v want 2", got)
	}

	docs, err = s.Aggregate(context.Background(), pipeline.Stations, b.StationByID(999))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("unknown id should match nothing, got %d docs", len(docs))
	}
}

func TestStationListShapesFeatures(t *testing.T) {
	s := newStore()
	docs, err := s.Aggregate(context.Background(), pipeline.Stations, pipeline.NewBuilder().StationList())
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(docs) != 4 {
		t.Fatalf("docs len=%d want 4", len(docs))
	}
	if got := docs[0]["type"]; got != "Feature" {
		t.Fatalf("type=%v want Feature", got)
	}
	props, ok := docs[0]["properties"].(store.Document)
	if !ok {
		t.Fatalf("properties missing: %+v", docs[0])
	}
	if _, err := s.Aggregate(context.Background(), "nope", pipeline.NewBuilder().StationList()); err == nil {
		t.Fatalf("unknown collection should error")
	}
	if props["id"] == nil {
		t.Fatalf("properties.id missing")
	}
}

func TestStationStatisticsFacets(t *testing.T) {
	s := newStore()
	b := pipeline.NewBuilder()

	docs, err := s.Aggregate(context.Background(), pipeline.Rides, b.Statistics(pipeline.StationScope(1)))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("facet result len=%d want 1", len(docs))
	}
	doc := docs[0]

	// One ride starts at station 1, rider born 1990 -> age 26 -> bucket 20.
	by := doc[pipeline.FacetBirthYear].([]store.Document)
	if len(by) != 1 || by[0]["_id"] != 20 || by[0]["count"] != 1 {
		t.Fatalf("BirthYear=%+v", by)
	}

	// Sunday ride -> day code 1.
	dow := doc[pipeline.FacetDayOfWeek].([]store.Document)
	if len(dow) != 1 || dow[0]["_id"] != 1 || dow[0]["count"] != 1 {
		t.Fatalf("DayOfWeek=%+v", dow)
	}

	// 8AM departure -> hour bucket 8.
	sh := doc[pipeline.FacetStartHour].([]store.Document)
	if len(sh) != 1 || sh[0]["_id"] != 8 {
		t.Fatalf("StartHour=%+v", sh)
	}

	rides := doc[pipeline.FacetRides].([]store.Document)
	if len(rides) != 1 {
		t.Fatalf("Rides=%+v", rides)
	}
	if rides[0]["bike"] != 7 {
		t.Fatalf("ride bike=%v want 7", rides[0]["bike"])
	}
}

func TestAreaStatisticsFiltersByViewportAndBirthYear(t *testing.T) {
	s := newStore()
	b := pipeline.NewBuilder()
	bb := model.BBox{SWLat: 40.70, SWLng: -74.00, NELat: 40.80, NELng: -73.90}

	docs, err := s.Aggregate(context.Background(), pipeline.Rides, b.Statistics(pipeline.AreaScope(bb)))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	doc := docs[0]

	// Rides from stations 1 and 2 are inside; the bike-9 ride starts at
	// station 4, outside the box.
	dow := doc[pipeline.FacetDayOfWeek].([]store.Document)
	total := 0
	for _, d := range dow {
		total += d["count"].(int)
	}
	if total != 2 {
		t.Fatalf("in-viewport ride count=%d want 2", total)
	}

	// The bike-9 ride has no birth year; with it out of the viewport the
	// two remaining rides both carry one.
	by := doc[pipeline.FacetBirthYear].([]store.Document)
	byTotal := 0
	for _, d := range by {
		byTotal += d["count"].(int)
	}
	if byTotal != 2 {
		t.Fatalf("birth-year ride count=%d want 2", byTotal)
	}

	if _, ok := doc[pipeline.FacetRides]; ok {
		t.Fatalf("area scope should not produce a rides facet")
	}
}

func TestBirthYearFacetSkipsMissingValues(t *testing.T) {
	s := newStore()
	b := pipeline.NewBuilder()

	// Station 4 scope: only the bike-9 ride, which has no birth year.
	docs, err := s.Aggregate(context.Background(), pipeline.Rides, b.Statistics(pipeline.StationScope(4)))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	by := docs[0][pipeline.FacetBirthYear].([]store.Document)
	if len(by) != 0 {
		t.Fatalf("rides without birthYear must not bucket, got %+v", by)
	}
	dow := docs[0][pipeline.FacetDayOfWeek].([]store.Document)
	if len(dow) != 1 {
		t.Fatalf("the ride still counts elsewhere, got %+v", dow)
	}
}

func TestBikePathTraversal(t *testing.T) {
	s := newStore()
	b := pipeline.NewBuilder()
	base := time.Date(2016, 3, 6, 8, 0, 0, 0, time.UTC).UnixMilli()

	docs, err := s.Aggregate(context.Background(), pipeline.Stations, b.BikePath(1, 7, base))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("segments=%d want 2", len(docs))
	}
	first, ok := docs[0]["startLocation"].(store.Document)
	if !ok {
		t.Fatalf("startLocation missing: %+v", docs[0])
	}
	if first["id"] != 1 {
		t.Fatalf("first segment starts at %v want 1", first["id"])
	}
	second := docs[1]["startLocation"].(store.Document)
	if second["id"] != 2 {
		t.Fatalf("second segment starts at %v want 2", second["id"])
	}
	if _, isTime := docs[0]["departedAt"].(time.Time); !isTime {
		t.Fatalf("departedAt should be a timestamp, got %T", docs[0]["departedAt"])
	}
}

func TestBikePathTimeRestriction(t *testing.T) {
	s := newStore()
	b := pipeline.NewBuilder()
	base := time.Date(2016, 3, 6, 8, 0, 0, 0, time.UTC).UnixMilli()

	// Starting after the first leg departs leaves only the second leg,
	// which is unreachable from station 1 without the first.
	docs, err := s.Aggregate(context.Background(), pipeline.Stations, b.BikePath(1, 7, base+1))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("segments=%d want 0", len(docs))
	}
}

func TestTraversalFailsClosedAtDepthCap(t *testing.T) {
	s := newStore()
	b := pipeline.NewBuilder()
	b.MaxDepth = 1
	base := time.Date(2016, 3, 6, 8, 0, 0, 0, time.UTC).UnixMilli()

	// The chain 1->2->3 needs two hops; a cap of one must error rather
	// than return a silently shortened path.
	_, err := s.Aggregate(context.Background(), pipeline.Stations, b.BikePath(1, 7, base))
	if err == nil {
		t.Fatalf("expected depth error")
	}
	if !errors.Is(err, store.ErrTraversalDepth) {
		t.Fatalf("err=%v want ErrTraversalDepth", err)
	}
}

func TestNewFromFile(t *testing.T) {
	body := `{
	  "stations": [{"id": 1, "name": "A", "location": {"type": "Point", "coordinates": [-73.99, 40.72]}}],
	  "rides": []
	}`
	path := filepath.Join(t.TempDir(), "fixture.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	s, err := NewFromFile(path)
	if err != nil {
		t.Fatalf("NewFromFile: %v", err)
	}
	docs, err := s.Aggregate(context.Background(), pipeline.Stations, pipeline.NewBuilder().StationByID(1))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(docs) != 1 || docs[0]["name"] != "A" {
		t.Fatalf("fixture station missing: %+v", docs)
	}

	if _, err := NewFromFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing fixture")
	}
}

func TestAggregateHonorsContext(t *testing.T) {
	s := newStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Aggregate(ctx, pipeline.Stations, pipeline.NewBuilder().StationList()); err == nil {
		t.Fatalf("expected error for canceled context")
	}
}
