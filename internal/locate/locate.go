// Package locate runs one image through inference, the predictions cache and
// the cluster analyzer.
package locate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/mohammed-shakir/geolens-cache/internal/artifacts"
	"github.com/mohammed-shakir/geolens-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geolens-cache/internal/cluster"
	"github.com/mohammed-shakir/geolens-cache/internal/core/model"
)

// Inferrer produces raw location candidates for an image, most likely first.
type Inferrer interface {
	Infer(ctx context.Context, imagePath string) ([]model.Candidate, error)
}

type InferrerFunc func(ctx context.Context, imagePath string) ([]model.Candidate, error)

func (f InferrerFunc) Infer(ctx context.Context, imagePath string) ([]model.Candidate, error) {
	return f(ctx, imagePath)
}

type Input struct {
	ImagePath string        `json:"image_path"`
	EXIF      *model.GPSFix `json:"exif,omitempty"`
}

type Result struct {
	Image     model.ImageResult `json:"image"`
	Cluster   cluster.Result    `json:"cluster"`
	FromCache bool              `json:"from_cache"`
}

type Service struct {
	preds    *artifacts.Predictions
	inf      Inferrer
	analyzer *cluster.Analyzer
	log      *slog.Logger
}

func New(preds *artifacts.Predictions, inf Inferrer, analyzer *cluster.Analyzer, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if analyzer == nil {
		analyzer = cluster.New(cluster.DefaultConfig(), cluster.WithLogger(log))
	}
	return &Service{preds: preds, inf: inf, analyzer: analyzer, log: log.With("component", "locate")}
}

// Locate returns ranked predictions for the image, boosted by the cluster
// analysis. The cache only ever holds the unboosted predictions.
func (s *Service) Locate(ctx context.Context, imagePath string, exif *model.GPSFix) (Result, error) {
	key, err := keys.File(imagePath)
	if err != nil {
		return Result{}, err
	}

	raw, fromCache := s.lookup(ctx, key)
	if !fromCache {
		cands, err := s.inf.Infer(ctx, imagePath)
		if err != nil {
			return Result{}, fmt.Errorf("locate %q: infer: %w", imagePath, err)
		}
		raw = model.PredictionsFromCandidates(cands)
		if s.preds != nil {
			if err := s.preds.Put(ctx, key, imagePath, raw); err != nil {
				s.log.Warn("could not cache predictions", "key", key, "err", err)
			}
		}
	}

	preds := model.ClonePredictions(raw)
	cl := s.analyzer.Analyze(preds)
	return Result{
		Image: model.ImageResult{
			ImagePath:   imagePath,
			Key:         key,
			EXIF:        exif,
			Predictions: preds,
		},
		Cluster:   cl,
		FromCache: fromCache,
	}, nil
}

func (s *Service) lookup(ctx context.Context, key string) ([]model.Prediction, bool) {
	if s.preds == nil {
		return nil, false
	}
	raw, ok, err := s.preds.Get(ctx, key)
	if err != nil {
		s.log.Warn("predictions lookup failed; running inference", "key", key, "err", err)
		return nil, false
	}
	return raw, ok
}

// Batch locates every input in order. A failed image leaves a zero Result at
// its index and its error in the matching slot of errs.
func (s *Service) Batch(ctx context.Context, in []Input) ([]Result, []error) {
	out := make([]Result, len(in))
	errs := make([]error, len(in))
	for i, img := range in {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		r, err := s.Locate(ctx, img.ImagePath, img.EXIF)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				s.log.Info("image skipped", "path", img.ImagePath, "err", err)
			} else {
				s.log.Warn("image failed", "path", img.ImagePath, "err", err)
			}
			errs[i] = err
			continue
		}
		out[i] = r
	}
	return out, errs
}

// Images collects the successful results in input order, ready for the
// heatmap generator.
func Images(results []Result, errs []error) []model.ImageResult {
	out := make([]model.ImageResult, 0, len(results))
	for i, r := range results {
		if i < len(errs) && errs[i] != nil {
			continue
		}
		out = append(out, r.Image)
	}
	return out
}
