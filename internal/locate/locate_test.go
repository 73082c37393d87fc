package locate

import (
	"context"
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/geolens-cache/internal/artifacts"
	"github.com/mohammed-shakir/geolens-cache/internal/cache"
	"github.com/mohammed-shakir/geolens-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/geolens-cache/internal/cluster"
	"github.com/mohammed-shakir/geolens-cache/internal/core/model"
)

var parisish = []model.Candidate{
	{Latitude: 48.8566, Longitude: 2.3522, Probability: 0.4, City: "Paris", Country: "France"},
	{Latitude: 48.8049, Longitude: 2.1204, Probability: 0.2, City: "Versailles", Country: "France"},
	{Latitude: 35.6762, Longitude: 139.6503, Probability: 0.1, City: "Tokyo", Country: "Japan"},
}

type countingInferrer struct {
	calls atomic.Int32
	cands []model.Candidate
	err   error
}

func (c *countingInferrer) Infer(context.Context, string) ([]model.Candidate, error) {
	c.calls.Add(1)
	return c.cands, c.err
}

func newPredictions(t *testing.T) *artifacts.Predictions {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rc, err := redisstore.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	p, err := artifacts.NewPredictions(cache.Config{}, redisstore.NewStore(rc, "predictions"))
	if err != nil {
		t.Fatalf("NewPredictions: %v", err)
	}
	t.Cleanup(func() {
		_ = p.Close()
		_ = rc.Close()
	})
	return p
}

func writeImage(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestLocate_InfersOnceThenServesFromCache(t *testing.T) {
	inf := &countingInferrer{cands: parisish}
	svc := New(newPredictions(t), inf, cluster.New(cluster.DefaultConfig()), nil)
	img := writeImage(t, t.TempDir(), "eiffel.jpg", "pixels")
	ctx := context.Background()

	first, err := svc.Locate(ctx, img, nil)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if first.FromCache || inf.calls.Load() != 1 {
		t.Fatalf("first call fromCache=%v calls=%d", first.FromCache, inf.calls.Load())
	}
	if !first.Cluster.IsClustered || len(first.Cluster.Members) != 2 {
		t.Fatalf("cluster=%+v", first.Cluster)
	}
	p := first.Image.Predictions
	if !near(p[0].AdjustedProbability, 0.5) || !near(p[1].AdjustedProbability, 0.3) || p[2].IsPartOfCluster {
		t.Fatalf("boosted predictions=%+v", p)
	}
	if p[0].BaseProbability != 0.4 || p[0].Confidence != model.ConfidenceMedium {
		t.Fatalf("base or confidence wrong: %+v", p[0])
	}

	second, err := svc.Locate(ctx, img, &model.GPSFix{Latitude: 48.85, Longitude: 2.29})
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if !second.FromCache || inf.calls.Load() != 1 {
		t.Fatalf("second call fromCache=%v calls=%d", second.FromCache, inf.calls.Load())
	}
	// the boost is applied to a copy, never compounded through the cache
	if !near(second.Image.Predictions[0].AdjustedProbability, 0.5) {
		t.Fatalf("boost compounded: %+v", second.Image.Predictions[0])
	}
	if second.Image.EXIF == nil || second.Image.Key != first.Image.Key {
		t.Fatalf("image=%+v", second.Image)
	}
}

func TestLocate_SameContentDifferentPathHitsCache(t *testing.T) {
	inf := &countingInferrer{cands: parisish}
	svc := New(newPredictions(t), inf, nil, nil)
	dir := t.TempDir()
	ctx := context.Background()

	if _, err := svc.Locate(ctx, writeImage(t, dir, "a.jpg", "same"), nil); err != nil {
		t.Fatal(err)
	}
	r, err := svc.Locate(ctx, writeImage(t, dir, "b.jpg", "same"), nil)
	if err != nil || !r.FromCache || inf.calls.Load() != 1 {
		t.Fatalf("fromCache=%v calls=%d err=%v", r.FromCache, inf.calls.Load(), err)
	}
}

func TestLocate_UnreadableImageFailsWithoutInference(t *testing.T) {
	inf := &countingInferrer{cands: parisish}
	svc := New(newPredictions(t), inf, nil, nil)
	_, err := svc.Locate(context.Background(), filepath.Join(t.TempDir(), "gone.jpg"), nil)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err=%v", err)
	}
	if inf.calls.Load() != 0 {
		t.Fatalf("inference ran for an unreadable image")
	}
}

func TestLocate_InferenceErrorPropagatesAndCachesNothing(t *testing.T) {
	boom := errors.New("model offline")
	inf := &countingInferrer{err: boom}
	preds := newPredictions(t)
	svc := New(preds, inf, nil, nil)
	img := writeImage(t, t.TempDir(), "x.jpg", "x")

	if _, err := svc.Locate(context.Background(), img, nil); !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	st, err := preds.Engine().Statistics(context.Background())
	if err != nil || st.Entries != 0 {
		t.Fatalf("stats=%+v err=%v", st, err)
	}
}

func TestLocate_WorksWithoutCache(t *testing.T) {
	inf := &countingInferrer{cands: parisish[:1]}
	svc := New(nil, inf, nil, nil)
	img := writeImage(t, t.TempDir(), "x.jpg", "x")
	r, err := svc.Locate(context.Background(), img, nil)
	if err != nil || r.FromCache || r.Cluster.IsClustered || len(r.Image.Predictions) != 1 {
		t.Fatalf("r=%+v err=%v", r, err)
	}
}

func TestBatch_KeepsGoingPastFailures(t *testing.T) {
	svc := New(newPredictions(t), &countingInferrer{cands: parisish}, nil, nil)
	dir := t.TempDir()
	in := []Input{
		{ImagePath: writeImage(t, dir, "1.jpg", "one")},
		{ImagePath: filepath.Join(dir, "missing.jpg")},
		{ImagePath: writeImage(t, dir, "3.jpg", "three"), EXIF: &model.GPSFix{Latitude: 1, Longitude: 2}},
	}
	res, errs := svc.Batch(context.Background(), in)
	if errs[0] != nil || errs[1] == nil || errs[2] != nil {
		t.Fatalf("errs=%v", errs)
	}
	imgs := Images(res, errs)
	if len(imgs) != 2 || imgs[0].ImagePath != in[0].ImagePath || imgs[1].EXIF == nil {
		t.Fatalf("images=%+v", imgs)
	}
}

func TestBatch_CanceledContext(t *testing.T) {
	inf := &countingInferrer{cands: parisish}
	svc := New(nil, inf, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, errs := svc.Batch(ctx, []Input{{ImagePath: "a"}, {ImagePath: "b"}})
	for i, err := range errs {
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("errs[%d]=%v", i, err)
		}
	}
	if inf.calls.Load() != 0 {
		t.Fatalf("inference ran after cancel")
	}
}
