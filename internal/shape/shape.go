// Package shape normalizes raw store results into the response types
// the map client consumes. Everything here is a pure function of the
// result document plus the query scope.
package shape

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/bikenow/ridestats/internal/model"
	"github.com/bikenow/ridestats/internal/pipeline"
	"github.com/bikenow/ridestats/internal/store"
)

var dayNames = [...]string{1: "Sun", 2: "Mon", 3: "Tue", 4: "Wed", 5: "Thu", 6: "Fri", 7: "Sat"}

// Hours at or below this are dropped from station-scoped StartHour
// facets. The per-station hourly chart excludes the 12AM-5AM window;
// the area-wide chart keeps it.
const stationHourCutoff = 5

// Statistics turns one faceted result document into the client bundle.
// The scope decides the StartHour asymmetry and whether a Rides sample
// is expected.
func Statistics(doc store.Document, scope pipeline.Scope) (model.Statistics, error) {
	var out model.Statistics

	by, err := facetBuckets(doc, pipeline.FacetBirthYear)
	if err != nil {
		return out, err
	}
	for _, b := range by.buckets {
		out.BirthYear = append(out.BirthYear, model.FacetBucket{
			Label: strconv.Itoa(b.key),
			Count: b.count,
		})
	}

	dow, err := facetBuckets(doc, pipeline.FacetDayOfWeek)
	if err != nil {
		return out, err
	}
	sort.SliceStable(dow.buckets, func(i, j int) bool { return dow.buckets[i].key < dow.buckets[j].key })
	for _, b := range dow.buckets {
		if b.key < 1 || b.key > 7 {
			return out, fmt.Errorf("shape: day of week code %d out of range", b.key)
		}
		out.DayOfWeek = append(out.DayOfWeek, model.FacetBucket{
			Label: dayNames[b.key],
			Count: b.count,
		})
	}

	sh, err := facetBuckets(doc, pipeline.FacetStartHour)
	if err != nil {
		return out, err
	}
	for _, b := range sh.buckets {
		if scope.IsStation() && b.key <= stationHourCutoff {
			continue
		}
		out.StartHour = append(out.StartHour, model.FacetBucket{
			Label: HourLabel(b.key),
			Count: b.count,
		})
	}

	if scope.IsStation() {
		rides, err := recentRides(doc)
		if err != nil {
			return out, err
		}
		out.Rides = rides
	}

	return out, nil
}

// HourLabel converts an hour of day (0-23) to its 12-hour clock label.
func HourLabel(hour int) string {
	switch {
	case hour == 0:
		return "12AM"
	case hour < 12:
		return strconv.Itoa(hour) + "AM"
	case hour == 12:
		return "12PM"
	default:
		return strconv.Itoa(hour%12) + "PM"
	}
}

// Path orders an unordered set of traversal segments into one
// contiguous route. The earliest-departing segment starts the route;
// each following segment is appended only while its start station
// matches the current end of the route. The first break truncates the
// path; a break is the natural path boundary, not an error.
func Path(docs []store.Document) ([]model.PathSegment, error) {
	type timedSegment struct {
		seg        model.PathSegment
		departedAt int64
	}

	segs := make([]timedSegment, 0, len(docs))
	for _, d := range docs {
		start, err := stationField(d, "startLocation")
		if err != nil {
			return nil, err
		}
		end, err := stationField(d, "endLocation")
		if err != nil {
			return nil, err
		}
		at, err := epochMillis(d["departedAt"])
		if err != nil {
			return nil, fmt.Errorf("shape: segment departedAt: %w", err)
		}
		segs = append(segs, timedSegment{
			seg:        model.PathSegment{StartLocation: start, EndLocation: end},
			departedAt: at,
		})
	}
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].departedAt < segs[j].departedAt })

	if len(segs) == 0 {
		return nil, nil
	}

	route := []model.PathSegment{segs[0].seg}
	at := segs[0].seg.EndLocation.ID
	for _, s := range segs[1:] {
		if s.seg.StartLocation.ID != at {
			break
		}
		route = append(route, s.seg)
		at = s.seg.EndLocation.ID
	}
	return route, nil
}

// PathStations flattens a contiguous route into the ordered list of
// stations visited.
func PathStations(route []model.PathSegment) []model.Station {
	if len(route) == 0 {
		return nil
	}
	out := make([]model.Station, 0, len(route)+1)
	out = append(out, route[0].StartLocation)
	for _, s := range route {
		out = append(out, s.EndLocation)
	}
	return out
}

// Feature decodes one projected station document into a GeoFeature.
func Feature(doc store.Document) (model.GeoFeature, error) {
	geom, err := pointValue(doc["geometry"])
	if err != nil {
		return model.GeoFeature{}, fmt.Errorf("shape: feature geometry: %w", err)
	}
	props, ok := asAnyMap(doc["properties"])
	if !ok {
		return model.GeoFeature{}, fmt.Errorf("shape: feature missing properties")
	}
	id, err := intValue(props["id"])
	if err != nil {
		return model.GeoFeature{}, fmt.Errorf("shape: feature id: %w", err)
	}
	return model.GeoFeature{Type: "Feature", Geometry: geom, Properties: model.FeatureProperties{ID: id}}, nil
}

// Station decodes one projected station document. Embedded station
// documents coming straight off a traversal keep their store-native
// "_id" key, so both spellings are accepted.
func Station(doc store.Document) (model.Station, error) {
	rawID, ok := doc["id"]
	if !ok {
		rawID = doc["_id"]
	}
	id, err := intValue(rawID)
	if err != nil {
		return model.Station{}, fmt.Errorf("shape: station id: %w", err)
	}
	name, _ := doc["name"].(string)
	loc, err := pointValue(doc["location"])
	if err != nil {
		return model.Station{}, fmt.Errorf("shape: station location: %w", err)
	}
	return model.Station{ID: id, Name: name, Location: loc}, nil
}

type rawBucket struct {
	key   int
	count int
}

type facetResult struct {
	buckets []rawBucket
}

func facetBuckets(doc store.Document, name string) (facetResult, error) {
	raw, ok := doc[name]
	if !ok {
		return facetResult{}, fmt.Errorf("shape: result missing facet %s", name)
	}
	items, err := asDocSlice(raw)
	if err != nil {
		return facetResult{}, fmt.Errorf("shape: facet %s: %w", name, err)
	}
	var out facetResult
	for _, item := range items {
		key, err := intValue(item["_id"])
		if err != nil {
			return facetResult{}, fmt.Errorf("shape: facet %s bucket key: %w", name, err)
		}
		count, err := intValue(item["count"])
		if err != nil {
			return facetResult{}, fmt.Errorf("shape: facet %s bucket count: %w", name, err)
		}
		out.buckets = append(out.buckets, rawBucket{key: key, count: count})
	}
	return out, nil
}

func recentRides(doc store.Document) ([]model.RecentRide, error) {
	raw, ok := doc[pipeline.FacetRides]
	if !ok {
		return nil, fmt.Errorf("shape: result missing facet %s", pipeline.FacetRides)
	}
	items, err := asDocSlice(raw)
	if err != nil {
		return nil, fmt.Errorf("shape: facet %s: %w", pipeline.FacetRides, err)
	}
	var out []model.RecentRide
	for _, item := range items {
		at, err := epochMillis(item["departureTime"])
		if err != nil {
			return nil, fmt.Errorf("shape: ride departureTime: %w", err)
		}
		bike, err := intValue(item["bike"])
		if err != nil {
			return nil, fmt.Errorf("shape: ride bike: %w", err)
		}
		out = append(out, model.RecentRide{DepartureTime: at, Bike: bike})
	}
	return out, nil
}

func stationField(doc store.Document, name string) (model.Station, error) {
	m, ok := asAnyMap(doc[name])
	if !ok {
		return model.Station{}, fmt.Errorf("shape: segment missing %s", name)
	}
	return Station(store.Document(m))
}

// --- value coercion ---
//
// Store adapters hand back loosely typed documents: the Mongo driver
// decodes numbers as int32/int64/float64 and dates as its own type,
// while the in-memory engine keeps native Go values. These helpers
// absorb that variance in one place.

func intValue(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int32:
		return int(t), nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

func floatValue(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

// epochMillis converts any timestamp representation a store may return
// into a numeric epoch value.
func epochMillis(v any) (int64, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UnixMilli(), nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		return int64(t), nil
	default:
		if m, ok := v.(interface{ Time() time.Time }); ok {
			return m.Time().UnixMilli(), nil
		}
		return 0, fmt.Errorf("not a timestamp: %T", v)
	}
}

func pointValue(v any) (model.Point, error) {
	if p, ok := v.(model.Point); ok {
		return p, nil
	}
	m, ok := asAnyMap(v)
	if !ok {
		return model.Point{}, fmt.Errorf("not a point: %T", v)
	}
	coords, ok := asAnySlice(m["coordinates"])
	if !ok || len(coords) != 2 {
		return model.Point{}, fmt.Errorf("point coordinates malformed")
	}
	lng, err := floatValue(coords[0])
	if err != nil {
		return model.Point{}, err
	}
	lat, err := floatValue(coords[1])
	if err != nil {
		return model.Point{}, err
	}
	return model.NewPoint(lng, lat), nil
}

func asDocSlice(v any) ([]store.Document, error) {
	if docs, ok := v.([]store.Document); ok {
		return docs, nil
	}
	items, ok := asAnySlice(v)
	if !ok {
		return nil, fmt.Errorf("not a list: %T", v)
	}
	out := make([]store.Document, 0, len(items))
	for _, it := range items {
		m, ok := asAnyMap(it)
		if !ok {
			return nil, fmt.Errorf("list item is not a document: %T", it)
		}
		out = append(out, m)
	}
	return out, nil
}

// asAnyMap accepts map[string]any, store.Document and any named map
// type a store driver decodes into (e.g. bson.M).
func asAnyMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case store.Document:
		return t, true
	case map[string]any:
		return t, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	for _, k := range rv.MapKeys() {
		out[k.String()] = rv.MapIndex(k).Interface()
	}
	return out, true
}

// asAnySlice accepts []any and named slice/array types (e.g. bson.A,
// the [2]float64 coordinate pair).
func asAnySlice(v any) ([]any, bool) {
	if t, ok := v.([]any); ok {
		return t, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
