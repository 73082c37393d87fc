// Package cluster finds the largest group of mutually close predictions for one
// image and raises the confidence of its members.
//
// Selection tries every prediction as a candidate center and keeps the first
// largest group within the radius. This is not density-based clustering:
// overlapping or chained groups are not merged.
package cluster

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mohammed-shakir/geolens-cache/internal/core/model"
	"github.com/mohammed-shakir/geolens-cache/internal/core/observability"
	"github.com/mohammed-shakir/geolens-cache/internal/geo"
	"github.com/mohammed-shakir/geolens-cache/internal/geo/h3cell"
)

type Config struct {
	RadiusKm    float64
	BoostFactor float64
	MinMembers  int
	// CellResolution is the H3 resolution of Result.CenterCell; negative disables it.
	CellResolution int
}

func DefaultConfig() Config {
	return Config{
		RadiusKm:       100,
		BoostFactor:    0.15,
		MinMembers:     2,
		CellResolution: h3cell.DefaultResolution,
	}
}

type Result struct {
	IsClustered       bool    `json:"is_clustered"`
	RadiusKm          float64 `json:"cluster_radius_km"`
	AverageDistanceKm float64 `json:"average_distance_km"`
	ConfidenceBoost   float64 `json:"confidence_boost"`
	CenterLatitude    float64 `json:"center_latitude"`
	CenterLongitude   float64 `json:"center_longitude"`
	CenterCell        string  `json:"center_cell,omitempty"`
	// Members are indexes into the analyzed slice.
	Members []int `json:"members,omitempty"`
}

type Option func(*Analyzer)

func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) { a.log = l }
}

type Analyzer struct {
	cfg Config
	log *slog.Logger
}

// New builds an Analyzer. The zero Config means DefaultConfig; otherwise a
// zero BoostFactor disables boosting and CellResolution is taken as given.
func New(cfg Config, opts ...Option) *Analyzer {
	def := DefaultConfig()
	if cfg == (Config{}) {
		cfg = def
	}
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = def.RadiusKm
	}
	if cfg.BoostFactor < 0 {
		cfg.BoostFactor = def.BoostFactor
	}
	if cfg.MinMembers < 2 {
		cfg.MinMembers = def.MinMembers
	}
	a := &Analyzer{cfg: cfg, log: slog.Default()}
	for _, f := range opts {
		f(a)
	}
	return a
}

func (a *Analyzer) Config() Config { return a.cfg }

// Analyze returns the cluster found in preds and, when there is one, boosts
// its members in place. Anything unusable yields the zero Result and leaves
// preds untouched.
func (a *Analyzer) Analyze(preds []model.Prediction) (res Result) {
	start := time.Now()
	outcome := "error"
	defer func() {
		if r := recover(); r != nil {
			a.log.Warn("cluster analysis failed; treating as unclustered", "panic", fmt.Sprint(r))
			res = Result{}
		}
		observability.ObserveAnalysis("cluster", time.Since(start).Seconds())
		observability.IncClusterOutcome(outcome)
	}()

	res, outcome = a.compute(preds)
	if !res.IsClustered {
		return res
	}
	for _, i := range res.Members {
		p := &preds[i]
		p.AdjustedProbability = math.Min(1, p.AdjustedProbability+res.ConfidenceBoost)
		p.IsPartOfCluster = true
		p.Confidence = model.ClassifyConfidence(p.AdjustedProbability)
	}
	return res
}

// compute is pure; it never touches preds.
func (a *Analyzer) compute(preds []model.Prediction) (Result, string) {
	if len(preds) < 2 {
		return Result{}, "too_few"
	}
	pts := make([]geo.Point, len(preds))
	for i, p := range preds {
		pts[i] = geo.Point{Lat: p.Latitude, Lng: p.Longitude}
		if !geo.Valid(pts[i]) || math.IsNaN(p.AdjustedProbability) || math.IsInf(p.AdjustedProbability, 0) {
			return Result{}, "invalid"
		}
	}

	var best []int
	for i := range pts {
		var group []int
		for j := range pts {
			if geo.HaversineKm(pts[i], pts[j]) <= a.cfg.RadiusKm {
				group = append(group, j)
			}
		}
		if len(group) > len(best) {
			best = group
		}
	}
	if len(best) < a.cfg.MinMembers {
		return Result{}, "no_cluster"
	}

	members := make([]geo.Point, len(best))
	for k, i := range best {
		members[k] = pts[i]
	}
	center, ok := geo.Centroid(members)
	if !ok {
		return Result{}, "degenerate"
	}

	var maxD, sumD float64
	for _, m := range members {
		d := geo.HaversineKm(center, m)
		maxD = math.Max(maxD, d)
		sumD += d
	}

	res := Result{
		IsClustered:       true,
		RadiusKm:          maxD,
		AverageDistanceKm: sumD / float64(len(members)),
		ConfidenceBoost:   a.cfg.BoostFactor * float64(len(best)) / float64(len(preds)),
		CenterLatitude:    center.Lat,
		CenterLongitude:   center.Lng,
		Members:           best,
	}
	if a.cfg.CellResolution >= 0 {
		cell, err := h3cell.Label(center.Lat, center.Lng, a.cfg.CellResolution)
		if err != nil {
			a.log.Debug("no h3 label for cluster center", "err", err)
		}
		res.CenterCell = cell
	}
	return res, "clustered"
}
