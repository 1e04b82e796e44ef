// Package memstore is an in-memory engine that interprets query
// pipelines over fixture data. It backs tests and the demo mode, and
// doubles as the reference semantics for the pipeline IR.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/bikenow/ridestats/internal/model"
	"github.com/bikenow/ridestats/internal/pipeline"
	"github.com/bikenow/ridestats/internal/store"
)

type Store struct {
	collections map[string][]store.Document
}

// New builds a store over the given stations and rides.
func New(stations []model.Station, rides []model.Ride) *Store {
	st := make([]store.Document, 0, len(stations))
	for _, s := range stations {
		st = append(st, stationDoc(s))
	}
	rd := make([]store.Document, 0, len(rides))
	for _, r := range rides {
		rd = append(rd, rideDoc(r))
	}
	return &Store{collections: map[string][]store.Document{
		pipeline.Stations: st,
		pipeline.Rides:    rd,
	}}
}

// Fixture is the on-disk dataset for demo mode.
type Fixture struct {
	Stations []model.Station `json:"stations"`
	Rides    []model.Ride    `json:"rides"`
}

func NewFromFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("memstore: read fixture: %w", err)
	}
	var fx Fixture
	if err := json.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("memstore: parse fixture: %w", err)
	}
	return New(fx.Stations, fx.Rides), nil
}

func stationDoc(s model.Station) store.Document {
	return store.Document{
		"id":       s.ID,
		"name":     s.Name,
		"location": s.Location,
	}
}

func rideDoc(r model.Ride) store.Document {
	d := store.Document{
		"startStation": stationDoc(r.StartStation),
		"endStation":   stationDoc(r.EndStation),
		"startTime":    time.UnixMilli(r.StartTime).UTC(),
		"endTime":      time.UnixMilli(r.EndTime).UTC(),
		"bike":         r.Bike,
	}
	if r.BirthYear != nil {
		d["birthYear"] = *r.BirthYear
	}
	return d
}

func (s *Store) Aggregate(ctx context.Context, collection string, p pipeline.Pipeline) ([]store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStore, err)
	}
	docs, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: unknown collection %q", store.ErrStore, collection)
	}
	cur := append([]store.Document(nil), docs...)

	var err error
	for _, stage := range p {
		switch {
		case stage.Match != nil:
			cur = filterDocs(cur, stage.Match.Conds)
		case stage.GeoWithin != nil:
			cur = geoFilter(cur, *stage.GeoWithin)
		case stage.Facet != nil:
			cur, err = s.runFacet(ctx, cur, *stage.Facet)
		case stage.Bucket != nil:
			cur, err = bucketDocs(cur, *stage.Bucket)
		case stage.Group != nil:
			cur, err = groupDocs(cur, *stage.Group)
		case stage.Sort != nil:
			sortDocs(cur, *stage.Sort)
		case stage.Limit != nil:
			if len(cur) > stage.Limit.N {
				cur = cur[:stage.Limit.N]
			}
		case stage.Project != nil:
			cur, err = projectDocs(cur, *stage.Project)
		case stage.Traverse != nil:
			cur, err = s.traverse(cur, *stage.Traverse)
		case stage.Unwind != nil:
			cur, err = unwindDocs(cur, *stage.Unwind)
		default:
			err = fmt.Errorf("%w: empty stage", store.ErrBadPipeline)
		}
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

func filterDocs(docs []store.Document, conds []pipeline.Cond) []store.Document {
	out := docs[:0:0]
	for _, d := range docs {
		if matchesAll(d, conds) {
			out = append(out, d)
		}
	}
	return out
}

func matchesAll(d store.Document, conds []pipeline.Cond) bool {
	for _, c := range conds {
		if !matches(d, c) {
			return false
		}
	}
	return true
}

func matches(d store.Document, c pipeline.Cond) bool {
	v, ok := lookup(d, c.Field)
	switch c.Op {
	case pipeline.OpIsInt:
		if !ok {
			return false
		}
		switch v.(type) {
		case int, int32, int64:
			return true
		}
		return false
	case pipeline.OpEq:
		if !ok {
			return false
		}
		a, aok := orderable(v)
		b, bok := orderable(c.Value)
		if aok && bok {
			return a == b
		}
		return v == c.Value
	case pipeline.OpGTE:
		if !ok {
			return false
		}
		a, aok := orderable(v)
		b, bok := orderable(c.Value)
		return aok && bok && a >= b
	}
	return false
}

func geoFilter(docs []store.Document, g pipeline.GeoWithin) []store.Document {
	out := docs[:0:0]
	for _, d := range docs {
		v, ok := lookup(d, g.Field)
		if !ok {
			continue
		}
		p, ok := v.(model.Point)
		if !ok {
			continue
		}
		if pointInRing(p.Lng(), p.Lat(), g.Ring) {
			out = append(out, d)
		}
	}
	return out
}

// Ray casting against the closed ring; vertices are [lng, lat].
func pointInRing(x, y float64, ring [][2]float64) bool {
	inside := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[i][0], ring[i][1]
		xj, yj := ring[j][0], ring[j][1]
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

func (s *Store) runFacet(ctx context.Context, docs []store.Document, f pipeline.Facet) ([]store.Document, error) {
	out := store.Document{}
	for _, np := range f.Pipelines {
		sub := &Store{collections: map[string][]store.Document{"": docs}}
		res, err := sub.Aggregate(ctx, "", np.Pipeline)
		if err != nil {
			return nil, fmt.Errorf("facet %s: %w", np.Name, err)
		}
		out[np.Name] = res
	}
	return []store.Document{out}, nil
}

func bucketDocs(docs []store.Document, b pipeline.Bucket) ([]store.Document, error) {
	if len(b.Boundaries) < 2 {
		return nil, fmt.Errorf("%w: bucket needs at least two boundaries", store.ErrBadPipeline)
	}
	counts := map[int]int{}
	for _, d := range docs {
		v, err := evalExpr(d, b.GroupBy)
		if err != nil {
			return nil, err
		}
		f, ok := numeric(v)
		if !ok {
			return nil, fmt.Errorf("%w: bucket value %T is not numeric", store.ErrBadPipeline, v)
		}
		lower, ok := bucketLower(f, b.Boundaries)
		if !ok {
			continue // below the first boundary
		}
		counts[lower]++
	}
	lowers := make([]int, 0, len(counts))
	for l := range counts {
		lowers = append(lowers, l)
	}
	sort.Ints(lowers)
	out := make([]store.Document, 0, len(lowers))
	for _, l := range lowers {
		out = append(out, store.Document{"_id": l, "count": counts[l]})
	}
	return out, nil
}

func bucketLower(v float64, bounds []pipeline.Boundary) (int, bool) {
	if v < float64(bounds[0]) {
		return 0, false
	}
	for i := len(bounds) - 1; i >= 0; i-- {
		if v >= float64(bounds[i]) {
			if math.IsInf(float64(bounds[i]), 1) {
				return 0, false
			}
			return int(bounds[i]), true
		}
	}
	return 0, false
}

func groupDocs(docs []store.Document, g pipeline.Group) ([]store.Document, error) {
	counts := map[int]int{}
	for _, d := range docs {
		v, err := evalExpr(d, g.By)
		if err != nil {
			return nil, err
		}
		f, ok := numeric(v)
		if !ok {
			return nil, fmt.Errorf("%w: group key %T is not numeric", store.ErrBadPipeline, v)
		}
		counts[int(f)]++
	}
	ks := make([]int, 0, len(counts))
	for k := range counts {
		ks = append(ks, k)
	}
	sort.Ints(ks)
	out := make([]store.Document, 0, len(ks))
	for _, k := range ks {
		out = append(out, store.Document{"_id": k, "count": counts[k]})
	}
	return out, nil
}

func sortDocs(docs []store.Document, s pipeline.Sort) {
	sort.SliceStable(docs, func(i, j int) bool {
		a, _ := lookup(docs[i], s.Field)
		b, _ := lookup(docs[j], s.Field)
		less := compareValues(a, b) < 0
		if s.Descending {
			return !less
		}
		return less
	})
}

func compareValues(a, b any) int {
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Compare(bt)
		}
	}
	af, aok := numeric(a)
	bf, bok := numeric(b)
	switch {
	case aok && bok && af < bf:
		return -1
	case aok && bok && af > bf:
		return 1
	default:
		return 0
	}
}

func projectDocs(docs []store.Document, p pipeline.Project) ([]store.Document, error) {
	out := make([]store.Document, 0, len(docs))
	for _, d := range docs {
		nd := store.Document{}
		for _, f := range p.Fields {
			v, err := evalExpr(d, f.Expr)
			if err != nil {
				return nil, err
			}
			nd[f.Name] = v
		}
		out = append(out, nd)
	}
	return out, nil
}

func (s *Store) traverse(docs []store.Document, t pipeline.Traverse) ([]store.Document, error) {
	rides, ok := s.collections[t.Collection]
	if !ok {
		return nil, fmt.Errorf("%w: unknown collection %q", store.ErrStore, t.Collection)
	}
	out := make([]store.Document, 0, len(docs))
	for _, d := range docs {
		seed, ok := lookup(d, t.StartField)
		if !ok {
			continue
		}
		collected, err := walk(rides, seed, t)
		if err != nil {
			return nil, err
		}
		nd := copyDoc(d)
		nd[t.As] = collected
		out = append(out, nd)
	}
	return out, nil
}

// Bounded breadth-first walk over the "connects to" relation. Fails
// closed once the frontier survives MaxDepth hops.
func walk(rides []store.Document, seed any, t pipeline.Traverse) ([]store.Document, error) {
	seedN, ok := numeric(seed)
	if !ok {
		return nil, fmt.Errorf("%w: traversal seed %T is not numeric", store.ErrBadPipeline, seed)
	}
	frontier := map[float64]struct{}{seedN: {}}
	taken := map[int]struct{}{}
	var collected []store.Document

	for depth := 0; len(frontier) > 0; depth++ {
		if depth > t.MaxDepth {
			return nil, fmt.Errorf("%w: after %d hops", store.ErrTraversalDepth, t.MaxDepth)
		}
		next := map[float64]struct{}{}
		for i, r := range rides {
			if _, done := taken[i]; done {
				continue
			}
			if !matchesAll(r, t.Restrict) {
				continue
			}
			fromV, ok := lookup(r, t.ConnectTo)
			if !ok {
				continue
			}
			from, ok := numeric(fromV)
			if !ok {
				continue
			}
			if _, hit := frontier[from]; !hit {
				continue
			}
			taken[i] = struct{}{}
			collected = append(collected, r)
			if toV, ok := lookup(r, t.ConnectFrom); ok {
				if to, ok := numeric(toV); ok {
					next[to] = struct{}{}
				}
			}
		}
		frontier = next
	}
	return collected, nil
}

func unwindDocs(docs []store.Document, u pipeline.Unwind) ([]store.Document, error) {
	var out []store.Document
	for _, d := range docs {
		v, ok := lookup(d, u.Field)
		if !ok {
			continue
		}
		items, ok := v.([]store.Document)
		if !ok {
			return nil, fmt.Errorf("%w: unwind field %q is not a list", store.ErrBadPipeline, u.Field)
		}
		for _, item := range items {
			nd := copyDoc(d)
			nd[u.Field] = item
			out = append(out, nd)
		}
	}
	return out, nil
}

func evalExpr(d store.Document, e pipeline.Expr) (any, error) {
	switch {
	case e.Field != "":
		v, _ := lookup(d, e.Field)
		return v, nil
	case e.Literal != nil:
		return e.Literal, nil
	case e.Op != "":
		return evalOp(d, e)
	case e.Doc != nil:
		nd := store.Document{}
		for _, f := range e.Doc {
			v, err := evalExpr(d, f.Expr)
			if err != nil {
				return nil, err
			}
			nd[f.Name] = v
		}
		return nd, nil
	default:
		return nil, fmt.Errorf("%w: empty expression", store.ErrBadPipeline)
	}
}

func evalOp(d store.Document, e pipeline.Expr) (any, error) {
	switch e.Op {
	case "subtract":
		if len(e.Args) != 2 {
			return nil, fmt.Errorf("%w: subtract wants 2 args", store.ErrBadPipeline)
		}
		a, err := evalNumeric(d, e.Args[0])
		if err != nil {
			return nil, err
		}
		b, err := evalNumeric(d, e.Args[1])
		if err != nil {
			return nil, err
		}
		return int(a - b), nil
	case "hour", "dayOfWeek":
		if len(e.Args) != 1 {
			return nil, fmt.Errorf("%w: %s wants 1 arg", store.ErrBadPipeline, e.Op)
		}
		v, err := evalExpr(d, e.Args[0])
		if err != nil {
			return nil, err
		}
		t, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("%w: %s on non-timestamp %T", store.ErrBadPipeline, e.Op, v)
		}
		if e.Op == "hour" {
			return t.UTC().Hour(), nil
		}
		return int(t.UTC().Weekday()) + 1, nil // 1=Sunday .. 7=Saturday
	default:
		return nil, fmt.Errorf("%w: unknown op %q", store.ErrBadPipeline, e.Op)
	}
}

func evalNumeric(d store.Document, e pipeline.Expr) (float64, error) {
	v, err := evalExpr(d, e)
	if err != nil {
		return 0, err
	}
	f, ok := numeric(v)
	if !ok {
		return 0, fmt.Errorf("%w: %T is not numeric", store.ErrBadPipeline, v)
	}
	return f, nil
}

func lookup(d store.Document, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = d
	for _, p := range parts {
		m, ok := cur.(store.Document)
		if !ok {
			mm, mok := cur.(map[string]any)
			if !mok {
				return nil, false
			}
			m = mm
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func copyDoc(d store.Document) store.Document {
	nd := make(store.Document, len(d))
	for k, v := range d {
		nd[k] = v
	}
	return nd
}

// orderable widens numeric to timestamps so pipeline conditions can
// compare epoch-millis values against stored time.Time fields.
func orderable(v any) (float64, bool) {
	if t, ok := v.(time.Time); ok {
		return float64(t.UnixMilli()), true
	}
	return numeric(v)
}

func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	default:
		return 0, false
	}
}
