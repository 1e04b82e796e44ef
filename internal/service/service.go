// Package service orchestrates query construction, execution, shaping
// and caching for the HTTP layer.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/bikenow/ridestats/internal/cache"
	"github.com/bikenow/ridestats/internal/cache/cellindex"
	"github.com/bikenow/ridestats/internal/cache/keys"
	"github.com/bikenow/ridestats/internal/config"
	"github.com/bikenow/ridestats/internal/geo"
	"github.com/bikenow/ridestats/internal/model"
	"github.com/bikenow/ridestats/internal/observability"
	"github.com/bikenow/ridestats/internal/pipeline"
	"github.com/bikenow/ridestats/internal/shape"
	"github.com/bikenow/ridestats/internal/store"
)

// QueryService answers the read operations of the API. Every
// statistics-bearing result carries the pipeline that produced it so
// callers can echo it back.
type QueryService struct {
	store    store.Store
	builder  *pipeline.Builder
	log      *zerolog.Logger
	cache    cache.Interface // nil disables response caching
	index    cellindex.Index // nil disables area-key registration
	stations *lru.Cache[int, model.Station]
	cacheTTL time.Duration
	cellRes  int
}

type Option func(*QueryService)

// WithCache enables Redis-backed caching of statistics responses.
func WithCache(c cache.Interface, ix cellindex.Index, cfg config.Config) Option {
	return func(s *QueryService) {
		s.cache = c
		s.index = ix
		s.cacheTTL = cfg.CacheTTL
		s.cellRes = cfg.CellRes
	}
}

func New(st store.Store, b *pipeline.Builder, log *zerolog.Logger, lruSize int, opts ...Option) (*QueryService, error) {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	if lruSize <= 0 {
		lruSize = 1024
	}
	stations, err := lru.New[int, model.Station](lruSize)
	if err != nil {
		return nil, fmt.Errorf("station lru: %w", err)
	}
	s := &QueryService{
		store:    st,
		builder:  b,
		log:      log,
		stations: stations,
		cellRes:  geo.DefaultRes,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Stations lists every station as a GeoJSON feature.
func (s *QueryService) Stations(ctx context.Context) ([]model.GeoFeature, error) {
	p := s.builder.StationList()
	docs, err := s.store.Aggregate(ctx, pipeline.Stations, p)
	if err != nil {
		return nil, s.storeErr(ctx, "station list", err)
	}
	features := make([]model.GeoFeature, 0, len(docs))
	for _, doc := range docs {
		f, err := shape.Feature(doc)
		if err != nil {
			return nil, fmt.Errorf("shape station feature: %w", err)
		}
		features = append(features, f)
	}
	return features, nil
}

// Station fetches one station by id. Stations are immutable, so hits
// are served from the in-process LRU. A nil result means no such
// station.
func (s *QueryService) Station(ctx context.Context, id int) (*model.Station, error) {
	if st, ok := s.stations.Get(id); ok {
		return &st, nil
	}
	p := s.builder.StationByID(id)
	docs, err := s.store.Aggregate(ctx, pipeline.Stations, p)
	if err != nil {
		return nil, s.storeErr(ctx, "station fetch", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	st, err := shape.Station(docs[0])
	if err != nil {
		return nil, fmt.Errorf("shape station: %w", err)
	}
	s.stations.Add(id, st)
	return &st, nil
}

// StatisticsResult pairs shaped statistics with the pipeline that
// computed them.
type StatisticsResult struct {
	Statistics model.Statistics  `json:"statistics"`
	Query      pipeline.Pipeline `json:"query"`
}

// StationStatistics computes the facet bundle for rides departing one
// station.
func (s *QueryService) StationStatistics(ctx context.Context, id int) (StatisticsResult, error) {
	scope := pipeline.StationScope(id)
	return s.statistics(ctx, scope, keys.StationStatistics(id), nil)
}

// AreaStatistics computes the facet bundle for rides starting inside a
// bounding box. Cached entries are registered under the covering H3
// cells so ride events can expire them.
func (s *QueryService) AreaStatistics(ctx context.Context, bb model.BBox) (StatisticsResult, error) {
	scope := pipeline.AreaScope(bb)
	return s.statistics(ctx, scope, "", &bb)
}

func (s *QueryService) statistics(ctx context.Context, scope pipeline.Scope, cacheKey string, bb *model.BBox) (StatisticsResult, error) {
	p := s.builder.Statistics(scope)

	if s.cache != nil && cacheKey == "" {
		pj, err := json.Marshal(p)
		if err != nil {
			return StatisticsResult{}, fmt.Errorf("marshal pipeline: %w", err)
		}
		cacheKey = keys.AreaStatistics(pj)
	}

	if s.cache != nil {
		if body, ok, err := s.cache.Get(ctx, cacheKey); err != nil {
			s.log.Warn().Err(err).Str("key", cacheKey).Msg("cache get failed")
		} else if ok {
			var res StatisticsResult
			if uerr := json.Unmarshal(body, &res); uerr == nil {
				observability.IncCacheHit()
				return res, nil
			} else {
				s.log.Warn().Err(uerr).Str("key", cacheKey).Msg("cache entry corrupt, recomputing")
			}
		}
		observability.IncCacheMiss()
	}

	docs, err := s.store.Aggregate(ctx, pipeline.Rides, p)
	if err != nil {
		return StatisticsResult{}, s.storeErr(ctx, "statistics", err)
	}
	if len(docs) == 0 {
		return StatisticsResult{}, fmt.Errorf("statistics: empty facet result")
	}
	stats, err := shape.Statistics(docs[0], scope)
	if err != nil {
		return StatisticsResult{}, fmt.Errorf("shape statistics: %w", err)
	}
	res := StatisticsResult{Statistics: stats, Query: p}

	if s.cache != nil {
		s.storeInCache(ctx, cacheKey, res, bb)
	}
	return res, nil
}

func (s *QueryService) storeInCache(ctx context.Context, key string, res StatisticsResult, bb *model.BBox) {
	body, err := json.Marshal(res)
	if err != nil {
		s.log.Warn().Err(err).Msg("marshal statistics for cache")
		return
	}
	ttl := s.cacheTTL
	if err := s.cache.Set(ctx, key, body, ttl); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cache set failed")
		return
	}
	if bb == nil || s.index == nil {
		return
	}
	cells, err := geo.CellsForBBox(*bb, s.cellRes)
	if err != nil {
		s.log.Warn().Err(err).Msg("cell cover for cache registration")
		return
	}
	if err := s.index.Register(ctx, cells, key, ttl); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cell index register failed")
	}
}

// PathResult pairs an ordered bike path with the pipeline that
// traced it.
type PathResult struct {
	Path  []model.PathSegment `json:"path"`
	Query pipeline.Pipeline   `json:"query"`
}

// BikePath traces a bike forward from a station and timestamp.
func (s *QueryService) BikePath(ctx context.Context, stationID, bikeID int, minTS int64) (PathResult, error) {
	p := s.builder.BikePath(stationID, bikeID, minTS)
	docs, err := s.store.Aggregate(ctx, pipeline.Stations, p)
	if err != nil {
		return PathResult{}, s.storeErr(ctx, "bike path", err)
	}
	segs, err := shape.Path(docs)
	if err != nil {
		return PathResult{}, fmt.Errorf("shape bike path: %w", err)
	}
	return PathResult{Path: segs, Query: p}, nil
}

func (s *QueryService) storeErr(ctx context.Context, op string, err error) error {
	s.log.Error().Err(err).Str("op", op).Msg("store aggregation failed")
	return fmt.Errorf("%s: %w", op, err)
}
