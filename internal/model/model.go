// Package model defines core domain types shared across the service.
package model

import "fmt"

// Point is a GeoJSON point. Coordinates are [lng, lat].
type Point struct {
	Type        string     `json:"type" bson:"type"`
	Coordinates [2]float64 `json:"coordinates" bson:"coordinates"`
}

func NewPoint(lng, lat float64) Point {
	return Point{Type: "Point", Coordinates: [2]float64{lng, lat}}
}

func (p Point) Lng() float64 { return p.Coordinates[0] }
func (p Point) Lat() float64 { return p.Coordinates[1] }

// Station is a dock location. Stations are immutable from this
// service's perspective; the store owns the canonical records.
type Station struct {
	ID       int    `json:"id" bson:"_id"`
	Name     string `json:"name" bson:"name"`
	Location Point  `json:"location" bson:"location"`
}

// Ride is one trip between two stations. BirthYear may be absent or
// non-integer in the source data and must be filtered, not coerced.
type Ride struct {
	StartStation Station `json:"startStation"`
	EndStation   Station `json:"endStation"`
	StartTime    int64   `json:"startTime"` // epoch millis
	EndTime      int64   `json:"endTime"`
	Bike         int     `json:"bike"`
	BirthYear    *int    `json:"birthYear,omitempty"`
}

// BBox is a rectangular map viewport. The canonical internal order is
// latitude before longitude, south-west corner before north-east, which
// matches the wire format the map client sends:
// coordinates=sw.lat,sw.lng,ne.lat,ne.lng.
type BBox struct {
	SWLat float64
	SWLng float64
	NELat float64
	NELng float64
}

func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.SWLat, b.SWLng, b.NELat, b.NELng)
}

// Ring returns the closed rectangular polygon for geo-containment
// queries: five [lng, lat] vertices, first equal to last.
func (b BBox) Ring() [][2]float64 {
	return [][2]float64{
		{b.SWLng, b.SWLat},
		{b.SWLng, b.NELat},
		{b.NELng, b.NELat},
		{b.NELng, b.SWLat},
		{b.SWLng, b.SWLat},
	}
}

// GeoFeature is one map marker in GeoJSON feature shape.
type GeoFeature struct {
	Type       string            `json:"type"`
	Geometry   Point             `json:"geometry"`
	Properties FeatureProperties `json:"properties"`
}

type FeatureProperties struct {
	ID int `json:"id"`
}

// FacetBucket is one labeled count in a statistics facet.
type FacetBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// RecentRide is one entry of the capped ride sample returned for
// single-station statistics. DepartureTime is epoch millis.
type RecentRide struct {
	DepartureTime int64 `json:"departureTime"`
	Bike          int   `json:"bike"`
}

// Statistics is the shaped facet bundle for one statistics query.
// Rides is only populated for station-scoped queries.
type Statistics struct {
	BirthYear []FacetBucket `json:"BirthYear"`
	DayOfWeek []FacetBucket `json:"DayOfWeek"`
	StartHour []FacetBucket `json:"StartHour"`
	Rides     []RecentRide  `json:"Rides,omitempty"`
}

// PathSegment is one leg of a bike's reconstructed route.
type PathSegment struct {
	StartLocation Station `json:"startLocation"`
	EndLocation   Station `json:"endLocation"`
}
