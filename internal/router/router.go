// Package router validates request parameters and serves the API
// endpoints.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/bikenow/ridestats/internal/model"
	"github.com/bikenow/ridestats/internal/observability"
	"github.com/bikenow/ridestats/internal/service"
)

// Service is the query surface the handlers depend on.
type Service interface {
	Stations(ctx context.Context) ([]model.GeoFeature, error)
	Station(ctx context.Context, id int) (*model.Station, error)
	StationStatistics(ctx context.Context, id int) (service.StatisticsResult, error)
	AreaStatistics(ctx context.Context, bb model.BBox) (service.StatisticsResult, error)
	BikePath(ctx context.Context, stationID, bikeID int, minTS int64) (service.PathResult, error)
}

type Router struct {
	svc Service
	log *zerolog.Logger
}

func New(svc Service, log *zerolog.Logger) *Router {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &Router{svc: svc, log: log}
}

// Mount registers the API routes on a chi router.
func (rt *Router) Mount(r chi.Router) {
	r.Get("/stations", rt.handleStations)
	r.Get("/stations/statistics", rt.handleAreaStatistics)
	r.Get("/stations/statistics/{id}", rt.handleStationStatistics)
	r.Get("/stations/{id}", rt.handleStation)
	r.Get("/bikes", rt.handleBikePath)
}

func (rt *Router) handleStations(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	stations, err := rt.svc.Stations(r.Context())
	if err != nil {
		rt.fail(w, r, "/stations", start)
		return
	}
	rt.respond(w, r, "/stations", start, map[string]any{"stations": stations})
}

func (rt *Router) handleStation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		rt.reject(w, r, "/stations/{id}", start, err)
		return
	}
	station, err := rt.svc.Station(r.Context(), id)
	if err != nil {
		rt.fail(w, r, "/stations/{id}", start)
		return
	}
	// An unknown id yields {"station": null}, matching a lookup miss
	// rather than an error.
	rt.respond(w, r, "/stations/{id}", start, map[string]any{"station": station})
}

func (rt *Router) handleStationStatistics(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		rt.reject(w, r, "/stations/statistics/{id}", start, err)
		return
	}
	res, err := rt.svc.StationStatistics(r.Context(), id)
	if err != nil {
		rt.fail(w, r, "/stations/statistics/{id}", start)
		return
	}
	rt.respond(w, r, "/stations/statistics/{id}", start, res)
}

func (rt *Router) handleAreaStatistics(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	bb, err := parseCoordinates(r.URL.Query()["coordinates"])
	if err != nil {
		rt.reject(w, r, "/stations/statistics", start, err)
		return
	}
	res, err := rt.svc.AreaStatistics(r.Context(), bb)
	if err != nil {
		rt.fail(w, r, "/stations/statistics", start)
		return
	}
	rt.respond(w, r, "/stations/statistics", start, res)
}

func (rt *Router) handleBikePath(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()
	bikeID, err := parseID(q.Get("bike"))
	if err != nil {
		rt.reject(w, r, "/bikes", start, fmt.Errorf("bike: %w", err))
		return
	}
	stationID, err := parseID(q.Get("station"))
	if err != nil {
		rt.reject(w, r, "/bikes", start, fmt.Errorf("station: %w", err))
		return
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(q.Get("timestamp")), 10, 64)
	if err != nil {
		rt.reject(w, r, "/bikes", start, fmt.Errorf("timestamp: %w", err))
		return
	}
	res, err := rt.svc.BikePath(r.Context(), stationID, bikeID, ts)
	if err != nil {
		rt.fail(w, r, "/bikes", start)
		return
	}
	rt.respond(w, r, "/bikes", start, res)
}

func parseID(raw string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

// parseCoordinates accepts the viewport either as a repeated
// coordinates param or as one comma-separated value, in the order the
// map client sends it: sw.lat, sw.lng, ne.lat, ne.lng.
func parseCoordinates(vals []string) (model.BBox, error) {
	if len(vals) == 1 {
		vals = strings.Split(vals[0], ",")
	}
	if len(vals) != 4 {
		return model.BBox{}, fmt.Errorf("expected 4 coordinates, got %d", len(vals))
	}
	nums := make([]float64, 4)
	for i, v := range vals {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return model.BBox{}, fmt.Errorf("coordinate %d: %w", i, err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return model.BBox{}, fmt.Errorf("coordinate %d: not finite", i)
		}
		nums[i] = f
	}
	bb := model.BBox{SWLat: nums[0], SWLng: nums[1], NELat: nums[2], NELng: nums[3]}
	if bb.SWLat < -90 || bb.SWLat > 90 || bb.NELat < -90 || bb.NELat > 90 {
		return model.BBox{}, errors.New("latitude must be in [-90,90]")
	}
	if bb.SWLng < -180 || bb.SWLng > 180 || bb.NELng < -180 || bb.NELng > 180 {
		return model.BBox{}, errors.New("longitude must be in [-180,180]")
	}
	return bb, nil
}

func (rt *Router) respond(w http.ResponseWriter, r *http.Request, route string, start time.Time, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		rt.log.Error().Err(err).Str("route", route).Msg("encode response")
	}
	observability.ObserveHTTP(r.Method, route, http.StatusOK, time.Since(start).Seconds())
}

func (rt *Router) reject(w http.ResponseWriter, r *http.Request, route string, start time.Time, err error) {
	rt.log.Warn().Err(err).Str("route", route).Msg("request rejected")
	http.Error(w, err.Error(), http.StatusBadRequest)
	observability.ObserveHTTP(r.Method, route, http.StatusBadRequest, time.Since(start).Seconds())
}

// fail hides store detail from clients; the service already logged the
// cause.
func (rt *Router) fail(w http.ResponseWriter, r *http.Request, route string, start time.Time) {
	http.Error(w, "internal error", http.StatusInternalServerError)
	observability.ObserveHTTP(r.Method, route, http.StatusInternalServerError, time.Since(start).Seconds())
}
