// Package pipeline describes aggregation queries as an ordered sequence
// of named stages, independent of any particular store's syntax. Store
// adapters translate a Pipeline into their native form; the full
// Pipeline is also echoed back to clients in statistics responses.
package pipeline

import (
	"encoding/json"
	"math"
)

// Collection names understood by store adapters.
const (
	Stations = "stations"
	Rides    = "rides"
)

// Logical field paths. Adapters map these onto their own schema.
const (
	FieldID               = "id"
	FieldName             = "name"
	FieldLocation         = "location"
	FieldBike             = "bike"
	FieldBirthYear        = "birthYear"
	FieldStartTime        = "startTime"
	FieldStartStationID   = "startStation.id"
	FieldStartStationLoc  = "startStation.location"
	FieldEndStationID     = "endStation.id"
	FieldPathStart        = "path.startStation"
	FieldPathEnd          = "path.endStation"
	FieldPathStartTime    = "path.startTime"
	FieldTraversalResults = "path"
)

type Pipeline []Stage

// Stage is a tagged union: exactly one member is set.
type Stage struct {
	Match     *Match     `json:"match,omitempty"`
	GeoWithin *GeoWithin `json:"geoWithin,omitempty"`
	Facet     *Facet     `json:"facet,omitempty"`
	Bucket    *Bucket    `json:"bucket,omitempty"`
	Group     *Group     `json:"group,omitempty"`
	Sort      *Sort      `json:"sort,omitempty"`
	Limit     *Limit     `json:"limit,omitempty"`
	Project   *Project   `json:"project,omitempty"`
	Traverse  *Traverse  `json:"traverse,omitempty"`
	Unwind    *Unwind    `json:"unwind,omitempty"`
}

type CondOp string

const (
	OpEq    CondOp = "eq"
	OpGTE   CondOp = "gte"
	OpIsInt CondOp = "isInt" // field holds a well-formed integer
)

type Cond struct {
	Field string `json:"field"`
	Op    CondOp `json:"op"`
	Value any    `json:"value,omitempty"`
}

// Match filters documents; all conditions must hold.
type Match struct {
	Conds []Cond `json:"conds"`
}

// GeoWithin keeps documents whose point field lies inside the closed
// polygon ring. Ring vertices are [lng, lat], first equal to last.
type GeoWithin struct {
	Field string       `json:"field"`
	Ring  [][2]float64 `json:"ring"`
}

// Facet runs several sub-pipelines over the same filtered input. The
// slice keeps facet order deterministic across marshals.
type Facet struct {
	Pipelines []NamedPipeline `json:"pipelines"`
}

type NamedPipeline struct {
	Name     string   `json:"name"`
	Pipeline Pipeline `json:"pipeline"`
}

// Boundary is a bucket edge. Positive infinity marshals as the string
// "Infinity" so echoed pipelines stay valid JSON.
type Boundary float64

func (b Boundary) MarshalJSON() ([]byte, error) {
	if math.IsInf(float64(b), 1) {
		return json.Marshal("Infinity")
	}
	return json.Marshal(float64(b))
}

func (b *Boundary) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "Infinity" {
			*b = Boundary(math.Inf(1))
			return nil
		}
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*b = Boundary(f)
	return nil
}

// Bucket groups documents into numeric ranges. A document whose
// GroupBy value is in [Boundaries[i], Boundaries[i+1]) lands in bucket
// i; buckets come back as {_id: lower bound, count}.
type Bucket struct {
	GroupBy    Expr       `json:"groupBy"`
	Boundaries []Boundary `json:"boundaries"`
}

// Group counts documents per distinct value of By, coming back as
// {_id: value, count}.
type Group struct {
	By Expr `json:"by"`
}

type Sort struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending,omitempty"`
}

type Limit struct {
	N int `json:"n"`
}

// Project reshapes each document into the named fields.
type Project struct {
	Fields []ProjectField `json:"fields"`
}

type ProjectField struct {
	Name string `json:"name"`
	Expr Expr   `json:"expr"`
}

// Traverse walks the "connects to" relation between rides: starting
// from rides leaving the matched station, it repeatedly follows rides
// whose start station equals a collected ride's end station, subject
// to Restrict. MaxDepth bounds the walk; adapters must not recurse
// past it. Collected rides land unordered under the As field.
type Traverse struct {
	Collection  string `json:"collection"`
	StartField  string `json:"startField"`  // field on the current doc seeding the walk
	ConnectTo   string `json:"connectTo"`   // ride field matched against the frontier
	ConnectFrom string `json:"connectFrom"` // ride field feeding the next frontier
	As          string `json:"as"`
	Restrict    []Cond `json:"restrict,omitempty"`
	MaxDepth    int    `json:"maxDepth"`
}

type Unwind struct {
	Field string `json:"field"`
}

// Expr is a small expression tree used by Bucket, Group and Project.
// Exactly one of Field, Literal, Op or Doc is meaningful.
type Expr struct {
	Field   string     `json:"field,omitempty"`
	Literal any        `json:"literal,omitempty"`
	Op      string     `json:"op,omitempty"` // subtract | hour | dayOfWeek
	Args    []Expr     `json:"args,omitempty"`
	Doc     []DocField `json:"doc,omitempty"`
}

type DocField struct {
	Name string `json:"name"`
	Expr Expr   `json:"expr"`
}

func FieldRef(name string) Expr { return Expr{Field: name} }
func Lit(v any) Expr            { return Expr{Literal: v} }

// Subtract evaluates a - b.
func Subtract(a, b Expr) Expr { return Expr{Op: "subtract", Args: []Expr{a, b}} }

// HourOf extracts the UTC hour of day (0-23) from a timestamp field.
func HourOf(field string) Expr { return Expr{Op: "hour", Args: []Expr{FieldRef(field)}} }

// DayOfWeekOf extracts the weekday (1=Sunday .. 7=Saturday) from a
// timestamp field.
func DayOfWeekOf(field string) Expr { return Expr{Op: "dayOfWeek", Args: []Expr{FieldRef(field)}} }

func Doc(fields ...DocField) Expr { return Expr{Doc: fields} }
