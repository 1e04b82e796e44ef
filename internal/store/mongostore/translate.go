package mongostore

import (
	"fmt"
	"math"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/bikenow/ridestats/internal/pipeline"
	"github.com/bikenow/ridestats/internal/store"
)

// The dataset keeps a ride's time as an ordered [start, end] date pair
// and ids under _id, so logical paths need a mapping in both filter
// position (dotted path) and expression position (operator document).
var fieldPaths = map[string]string{
	pipeline.FieldID:              "_id",
	pipeline.FieldName:            "name",
	pipeline.FieldLocation:        "location",
	pipeline.FieldBike:            "bike",
	pipeline.FieldBirthYear:       "user.birthYear",
	pipeline.FieldStartTime:       "time.0",
	pipeline.FieldStartStationID:  "startStation._id",
	pipeline.FieldStartStationLoc: "startStation.location",
	pipeline.FieldEndStationID:    "endStation._id",
	pipeline.FieldPathStart:       "path.startStation",
	pipeline.FieldPathEnd:         "path.endStation",
	pipeline.FieldPathStartTime:   "path.time",
}

func condPath(field string) string {
	if p, ok := fieldPaths[field]; ok {
		return p
	}
	return field
}

// exprRef returns the expression-position form of a logical field.
// time.0 is not addressable in expressions; it becomes $arrayElemAt.
func exprRef(field string) any {
	p := condPath(field)
	if strings.HasSuffix(p, ".0") {
		return bson.D{{Key: "$arrayElemAt", Value: bson.A{"$" + strings.TrimSuffix(p, ".0"), 0}}}
	}
	return "$" + p
}

// Translate converts a pipeline into the driver's aggregation form.
func Translate(p pipeline.Pipeline) (mongo.Pipeline, error) {
	out := make(mongo.Pipeline, 0, len(p))
	for _, stage := range p {
		d, err := translateStage(stage)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func translateStage(s pipeline.Stage) (bson.D, error) {
	switch {
	case s.Match != nil:
		m, err := condsDoc(s.Match.Conds)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: "$match", Value: m}}, nil

	case s.GeoWithin != nil:
		ring := make(bson.A, 0, len(s.GeoWithin.Ring))
		for _, v := range s.GeoWithin.Ring {
			ring = append(ring, bson.A{v[0], v[1]})
		}
		return bson.D{{Key: "$match", Value: bson.D{{
			Key: condPath(s.GeoWithin.Field),
			Value: bson.D{{Key: "$geoWithin", Value: bson.D{{Key: "$geometry", Value: bson.D{
				{Key: "type", Value: "Polygon"},
				{Key: "coordinates", Value: bson.A{ring}},
			}}}}},
		}}}}, nil

	case s.Facet != nil:
		fd := bson.D{}
		for _, np := range s.Facet.Pipelines {
			sub, err := Translate(np.Pipeline)
			if err != nil {
				return nil, fmt.Errorf("facet %s: %w", np.Name, err)
			}
			fd = append(fd, bson.E{Key: np.Name, Value: sub})
		}
		return bson.D{{Key: "$facet", Value: fd}}, nil

	case s.Bucket != nil:
		groupBy, err := exprDoc(s.Bucket.GroupBy)
		if err != nil {
			return nil, err
		}
		bounds := make(bson.A, 0, len(s.Bucket.Boundaries))
		for _, b := range s.Bucket.Boundaries {
			if math.IsInf(float64(b), 1) {
				bounds = append(bounds, math.Inf(1))
				continue
			}
			bounds = append(bounds, int32(b))
		}
		return bson.D{{Key: "$bucket", Value: bson.D{
			{Key: "groupBy", Value: groupBy},
			{Key: "boundaries", Value: bounds},
		}}}, nil

	case s.Group != nil:
		by, err := exprDoc(s.Group.By)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: by},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}}, nil

	case s.Sort != nil:
		dir := 1
		if s.Sort.Descending {
			dir = -1
		}
		return bson.D{{Key: "$sort", Value: bson.D{{Key: sortPath(s.Sort.Field), Value: dir}}}}, nil

	case s.Limit != nil:
		return bson.D{{Key: "$limit", Value: s.Limit.N}}, nil

	case s.Project != nil:
		pd := bson.D{{Key: "_id", Value: 0}}
		for _, f := range s.Project.Fields {
			e, err := exprDoc(f.Expr)
			if err != nil {
				return nil, err
			}
			pd = append(pd, bson.E{Key: f.Name, Value: e})
		}
		return bson.D{{Key: "$project", Value: pd}}, nil

	case s.Traverse != nil:
		restrict, err := condsDoc(s.Traverse.Restrict)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: "$graphLookup", Value: bson.D{
			{Key: "from", Value: s.Traverse.Collection},
			{Key: "startWith", Value: exprRef(s.Traverse.StartField)},
			{Key: "connectToField", Value: condPath(s.Traverse.ConnectTo)},
			{Key: "connectFromField", Value: condPath(s.Traverse.ConnectFrom)},
			{Key: "as", Value: s.Traverse.As},
			{Key: "maxDepth", Value: s.Traverse.MaxDepth},
			{Key: "restrictSearchWithMatch", Value: restrict},
		}}}, nil

	case s.Unwind != nil:
		return bson.D{{Key: "$unwind", Value: "$" + s.Unwind.Field}}, nil

	default:
		return nil, fmt.Errorf("%w: empty stage", store.ErrBadPipeline)
	}
}

func condsDoc(conds []pipeline.Cond) (bson.D, error) {
	out := bson.D{}
	for _, c := range conds {
		path := condPath(c.Field)
		switch c.Op {
		case pipeline.OpEq:
			out = append(out, bson.E{Key: path, Value: condValue(c.Field, c.Value)})
		case pipeline.OpGTE:
			out = append(out, bson.E{Key: path, Value: bson.D{{Key: "$gte", Value: condValue(c.Field, c.Value)}}})
		case pipeline.OpIsInt:
			out = append(out, bson.E{Key: path, Value: bson.D{{Key: "$type", Value: "int"}}})
		default:
			return nil, fmt.Errorf("%w: condition op %q", store.ErrBadPipeline, c.Op)
		}
	}
	return out, nil
}

// Timestamp fields carry epoch millis in the IR but are stored as
// dates.
func condValue(field string, v any) any {
	if field != pipeline.FieldStartTime {
		return v
	}
	switch t := v.(type) {
	case int64:
		return time.UnixMilli(t).UTC()
	case int:
		return time.UnixMilli(int64(t)).UTC()
	default:
		return v
	}
}

func exprDoc(e pipeline.Expr) (any, error) {
	switch {
	case e.Field != "":
		return exprRef(e.Field), nil
	case e.Literal != nil:
		return bson.D{{Key: "$literal", Value: e.Literal}}, nil
	case e.Op != "":
		return opDoc(e)
	case e.Doc != nil:
		out := bson.D{}
		for _, f := range e.Doc {
			sub, err := exprDoc(f.Expr)
			if err != nil {
				return nil, err
			}
			out = append(out, bson.E{Key: f.Name, Value: sub})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: empty expression", store.ErrBadPipeline)
	}
}

func opDoc(e pipeline.Expr) (any, error) {
	args := make(bson.A, 0, len(e.Args))
	for _, a := range e.Args {
		sub, err := exprDoc(a)
		if err != nil {
			return nil, err
		}
		args = append(args, sub)
	}
	switch e.Op {
	case "subtract":
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: subtract wants 2 args", store.ErrBadPipeline)
		}
		return bson.D{{Key: "$subtract", Value: args}}, nil
	case "hour":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: hour wants 1 arg", store.ErrBadPipeline)
		}
		return bson.D{{Key: "$hour", Value: args[0]}}, nil
	case "dayOfWeek":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: dayOfWeek wants 1 arg", store.ErrBadPipeline)
		}
		return bson.D{{Key: "$dayOfWeek", Value: args[0]}}, nil
	default:
		return nil, fmt.Errorf("%w: unknown op %q", store.ErrBadPipeline, e.Op)
	}
}

func sortPath(field string) string {
	p := condPath(field)
	return strings.TrimSuffix(p, ".0")
}
