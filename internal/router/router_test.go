package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/bikenow/ridestats/internal/model"
	"github.com/bikenow/ridestats/internal/pipeline"
	"github.com/bikenow/ridestats/internal/service"
	"github.com/bikenow/ridestats/internal/store/memstore"
)

func intp(v int) *int { return &v }

func testServer(t *testing.T) *httptest.Server {
	t.Helper()

	stations := []model.Station{
		{ID: 1, Name: "A", Location: model.NewPoint(-73.99, 40.72)},
		{ID: 2, Name: "B", Location: model.NewPoint(-73.98, 40.73)},
	}
	base := time.Date(2016, 3, 6, 8, 0, 0, 0, time.UTC).UnixMilli()
	rides := []model.Ride{
		{StartStation: stations[0], EndStation: stations[1], StartTime: base, EndTime: base + 600000, Bike: 7, BirthYear: intp(1990)},
	}

	nop := zerolog.Nop()
	svc, err := service.New(memstore.New(stations, rides), pipeline.NewBuilder(), &nop, 8)
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}

	r := chi.NewRouter()
	New(svc, &nop).Mount(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	var body map[string]json.RawMessage
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp, body
}

func TestStationsEndpoint(t *testing.T) {
	srv := testServer(t)
	resp, body := get(t, srv.URL+"/stations")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var features []model.GeoFeature
	if err := json.Unmarshal(body["stations"], &features); err != nil {
		t.Fatalf("stations body: %v", err)
	}
	if len(features) != 2 || features[0].Type != "Feature" {
		t.Fatalf("features=%+v", features)
	}
}

func TestStationEndpoint(t *testing.T) {
	srv := testServer(t)

	resp, body := get(t, srv.URL+"/stations/2")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var st model.Station
	if err := json.Unmarshal(body["station"], &st); err != nil {
		t.Fatalf("station body: %v", err)
	}
	if st.ID != 2 || st.Name != "B" {
		t.Fatalf("station=%+v", st)
	}

	resp, body = get(t, srv.URL+"/stations/999")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unknown id status=%d want 200", resp.StatusCode)
	}
	if string(body["station"]) != "null" {
		t.Fatalf("unknown station body=%s want null", body["station"])
	}

	resp, _ = get(t, srv.URL+"/stations/abc")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-numeric id status=%d want 400", resp.StatusCode)
	}
}

func TestStationStatisticsEndpoint(t *testing.T) {
	srv := testServer(t)
	resp, body := get(t, srv.URL+"/stations/statistics/1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if _, ok := body["statistics"]; !ok {
		t.Fatalf("missing statistics key: %v", body)
	}
	var query pipeline.Pipeline
	if err := json.Unmarshal(body["query"], &query); err != nil {
		t.Fatalf("echoed query: %v", err)
	}
	if len(query) != 2 || query[0].Match == nil || query[1].Facet == nil {
		t.Fatalf("echoed query shape wrong: %+v", query)
	}
}

func TestAreaStatisticsEndpoint(t *testing.T) {
	srv := testServer(t)

	resp, body := get(t, srv.URL+"/stations/statistics?coordinates=40.70,-74.00,40.75,-73.95")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var stats model.Statistics
	if err := json.Unmarshal(body["statistics"], &stats); err != nil {
		t.Fatalf("statistics body: %v", err)
	}
	if stats.Rides != nil {
		t.Fatalf("area statistics must not carry rides: %+v", stats.Rides)
	}
	var query pipeline.Pipeline
	if err := json.Unmarshal(body["query"], &query); err != nil {
		t.Fatalf("echoed query: %v", err)
	}
	if query[0].GeoWithin == nil {
		t.Fatalf("area query should open with geoWithin: %+v", query)
	}
}

func TestAreaStatisticsValidation(t *testing.T) {
	srv := testServer(t)
	bad := []string{
		"coordinates=40.70,-74.00,40.75",            // three values
		"coordinates=40.70,-74.00,40.75,abc",        // non-numeric
		"coordinates=40.70,-74.00,40.75,-73.95,1.0", // five values
		"coordinates=140.70,-74.00,40.75,-73.95",    // latitude out of range
		"",                                          // missing entirely
	}
	for _, q := range bad {
		resp, _ := get(t, srv.URL+"/stations/statistics?"+q)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("query %q status=%d want 400", q, resp.StatusCode)
		}
	}
}

func TestBikesEndpoint(t *testing.T) {
	srv := testServer(t)
	base := time.Date(2016, 3, 6, 8, 0, 0, 0, time.UTC).UnixMilli()

	resp, body := get(t, srv.URL+"/bikes?bike=7&station=1&timestamp="+strconv.FormatInt(base, 10))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var path []model.PathSegment
	if err := json.Unmarshal(body["path"], &path); err != nil {
		t.Fatalf("path body: %v", err)
	}
	if len(path) != 1 || path[0].StartLocation.ID != 1 || path[0].EndLocation.ID != 2 {
		t.Fatalf("path=%+v", path)
	}
	if _, ok := body["query"]; !ok {
		t.Fatalf("missing echoed query")
	}
}

func TestBikesValidation(t *testing.T) {
	srv := testServer(t)
	bad := []string{
		"bike=x&station=1&timestamp=0",
		"bike=7&station=&timestamp=0",
		"bike=7&station=1&timestamp=later",
		"bike=7&station=1.5&timestamp=0",
	}
	for _, q := range bad {
		resp, _ := get(t, srv.URL+"/bikes?"+q)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("query %q status=%d want 400", q, resp.StatusCode)
		}
	}
}

type failingService struct{}

func (failingService) Stations(context.Context) ([]model.GeoFeature, error) {
	return nil, errors.New("store down")
}

func (failingService) Station(context.Context, int) (*model.Station, error) {
	return nil, errors.New("store down")
}

func (failingService) StationStatistics(context.Context, int) (service.StatisticsResult, error) {
	return service.StatisticsResult{}, errors.New("store down")
}

func (failingService) AreaStatistics(context.Context, model.BBox) (service.StatisticsResult, error) {
	return service.StatisticsResult{}, errors.New("store down")
}

func (failingService) BikePath(context.Context, int, int, int64) (service.PathResult, error) {
	return service.PathResult{}, errors.New("store down")
}

func TestStoreFailuresMapTo500(t *testing.T) {
	nop := zerolog.Nop()
	r := chi.NewRouter()
	New(failingService{}, &nop).Mount(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	urls := []string{
		"/stations",
		"/stations/1",
		"/stations/statistics/1",
		"/stations/statistics?coordinates=40.70,-74.00,40.75,-73.95",
		"/bikes?bike=7&station=1&timestamp=0",
	}
	for _, u := range urls {
		resp, _ := get(t, srv.URL+u)
		if resp.StatusCode != http.StatusInternalServerError {
			t.Fatalf("%s status=%d want 500", u, resp.StatusCode)
		}
	}
}
