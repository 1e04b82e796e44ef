package pipeline

import (
	"math"

	"github.com/bikenow/ridestats/internal/model"
)

// Defaults preserved from the dataset the service was built around.
// The reference year is the capture year of the ride data, not the
// current year; see config.
const (
	DefaultReferenceYear = 2016
	DefaultRecentRides   = 3
	DefaultMaxDepth      = 64
)

// Facet names of the statistics bundle.
const (
	FacetBirthYear = "BirthYear"
	FacetDayOfWeek = "DayOfWeek"
	FacetStartHour = "StartHour"
	FacetRides     = "Rides"
)

// Builder constructs pipelines from validated request parameters. All
// builder methods are pure: identical input yields a structurally
// identical pipeline, and no method fails on validated input.
type Builder struct {
	// ReferenceYear anchors age computation (age = ReferenceYear - birthYear).
	ReferenceYear int
	// RecentRides caps the ride sample of station-scoped statistics.
	RecentRides int
	// MaxDepth bounds bike path traversal.
	MaxDepth int
}

func NewBuilder() *Builder {
	return &Builder{
		ReferenceYear: DefaultReferenceYear,
		RecentRides:   DefaultRecentRides,
		MaxDepth:      DefaultMaxDepth,
	}
}

// StationList projects every station into a GeoJSON feature shape.
func (b *Builder) StationList() Pipeline {
	return Pipeline{
		{Project: &Project{Fields: []ProjectField{
			{Name: "type", Expr: Lit("Feature")},
			{Name: "geometry", Expr: FieldRef(FieldLocation)},
			{Name: "properties", Expr: Doc(DocField{Name: "id", Expr: FieldRef(FieldID)})},
		}}},
	}
}

// StationByID fetches a single station by exact id match.
func (b *Builder) StationByID(id int) Pipeline {
	return Pipeline{
		{Match: &Match{Conds: []Cond{{Field: FieldID, Op: OpEq, Value: id}}}},
		{Project: &Project{Fields: []ProjectField{
			{Name: "id", Expr: FieldRef(FieldID)},
			{Name: "name", Expr: FieldRef(FieldName)},
			{Name: "location", Expr: FieldRef(FieldLocation)},
		}}},
	}
}

// Scope selects the filtered input of a statistics query: either all
// rides starting at one station, or all rides starting inside a
// bounding box.
type Scope struct {
	StationID *int
	Area      *model.BBox
}

func StationScope(id int) Scope     { return Scope{StationID: &id} }
func AreaScope(bb model.BBox) Scope { return Scope{Area: &bb} }
func (s Scope) IsStation() bool     { return s.StationID != nil }

// Statistics builds the faceted statistics pipeline. Station scope
// adds a capped Rides sample facet; area scope omits it.
func (b *Builder) Statistics(scope Scope) Pipeline {
	var first Stage
	if scope.IsStation() {
		first = Stage{Match: &Match{Conds: []Cond{
			{Field: FieldStartStationID, Op: OpEq, Value: *scope.StationID},
		}}}
	} else {
		first = Stage{GeoWithin: &GeoWithin{
			Field: FieldStartStationLoc,
			Ring:  scope.Area.Ring(),
		}}
	}

	facets := []NamedPipeline{
		{Name: FacetBirthYear, Pipeline: Pipeline{
			{Match: &Match{Conds: []Cond{{Field: FieldBirthYear, Op: OpIsInt}}}},
			{Bucket: &Bucket{
				GroupBy:    Subtract(Lit(b.ReferenceYear), FieldRef(FieldBirthYear)),
				Boundaries: ageBoundaries(),
			}},
		}},
		{Name: FacetDayOfWeek, Pipeline: Pipeline{
			{Group: &Group{By: DayOfWeekOf(FieldStartTime)}},
			{Sort: &Sort{Field: "_id"}},
		}},
		{Name: FacetStartHour, Pipeline: Pipeline{
			{Bucket: &Bucket{
				GroupBy:    HourOf(FieldStartTime),
				Boundaries: hourBoundaries(),
			}},
		}},
	}

	if scope.IsStation() {
		facets = append(facets, NamedPipeline{Name: FacetRides, Pipeline: Pipeline{
			{Limit: &Limit{N: b.RecentRides}},
			{Project: &Project{Fields: []ProjectField{
				{Name: "departureTime", Expr: FieldRef(FieldStartTime)},
				{Name: "bike", Expr: FieldRef(FieldBike)},
			}}},
		}})
	}

	return Pipeline{first, {Facet: &Facet{Pipelines: facets}}}
}

// BikePath follows a bike forward from a station: rides by the given
// bike starting at or after minTS, chained end station to start
// station. The result is an unordered segment set; ordering and
// truncation at the first chain break are the shaper's job.
func (b *Builder) BikePath(stationID, bikeID int, minTS int64) Pipeline {
	return Pipeline{
		{Match: &Match{Conds: []Cond{{Field: FieldID, Op: OpEq, Value: stationID}}}},
		{Traverse: &Traverse{
			Collection:  Rides,
			StartField:  FieldID,
			ConnectTo:   FieldStartStationID,
			ConnectFrom: FieldEndStationID,
			As:          FieldTraversalResults,
			Restrict: []Cond{
				{Field: FieldBike, Op: OpEq, Value: bikeID},
				{Field: FieldStartTime, Op: OpGTE, Value: minTS},
			},
			MaxDepth: b.MaxDepth,
		}},
		{Unwind: &Unwind{Field: FieldTraversalResults}},
		{Sort: &Sort{Field: FieldPathStartTime}},
		{Project: &Project{Fields: []ProjectField{
			{Name: "startLocation", Expr: FieldRef(FieldPathStart)},
			{Name: "endLocation", Expr: FieldRef(FieldPathEnd)},
			{Name: "departedAt", Expr: FieldRef(FieldPathStartTime)},
		}}},
	}
}

// Decade buckets 0,10,..,80 with an open top.
func ageBoundaries() []Boundary {
	bs := make([]Boundary, 0, 10)
	for age := 0; age <= 80; age += 10 {
		bs = append(bs, Boundary(age))
	}
	return append(bs, Boundary(math.Inf(1)))
}

// One bucket per hour of day; the final [24,inf) bucket only closes
// the set and is unreachable for valid hours.
func hourBoundaries() []Boundary {
	bs := make([]Boundary, 0, 26)
	for h := 0; h <= 24; h++ {
		bs = append(bs, Boundary(h))
	}
	return append(bs, Boundary(math.Inf(1)))
}
