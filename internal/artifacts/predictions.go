package artifacts

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/mohammed-shakir/geolens-cache/internal/cache"
	"github.com/mohammed-shakir/geolens-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geolens-cache/internal/core/model"
)

const predictionsVersion = 1

type predictionsPayload struct {
	Version     int                `json:"v"`
	Predictions []model.Prediction `json:"predictions"`
}

// Predictions caches raw inference output per image, keyed by file content.
type Predictions struct {
	eng *cache.Engine[string]
}

// FileIdentity fingerprints the image at path.
var FileIdentity = cache.IdentifierFunc[string](func(path string) (cache.Identity, error) {
	k, err := keys.File(path)
	if err != nil {
		return cache.Identity{}, err
	}
	return cache.Identity{Key: k, Subject: path}, nil
})

func NewPredictions(cfg cache.Config, store cache.Store, opts ...cache.Option) (*Predictions, error) {
	if cfg.Name == "" {
		cfg.Name = "predictions"
	}
	eng, err := cache.New[string](cfg, FileIdentity, store, opts...)
	if err != nil {
		return nil, err
	}
	return &Predictions{eng: eng}, nil
}

func (p *Predictions) Engine() *cache.Engine[string] { return p.eng }

func (p *Predictions) Get(ctx context.Context, key string) ([]model.Prediction, bool, error) {
	a, ok, err := p.eng.GetKey(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	var pl predictionsPayload
	if err := json.Unmarshal(a.Data, &pl); err != nil {
		return nil, false, fmt.Errorf("predictions %s: decode: %w", key, err)
	}
	if pl.Version != predictionsVersion {
		return nil, false, nil
	}
	return pl.Predictions, true, nil
}

func (p *Predictions) Put(ctx context.Context, key, imagePath string, preds []model.Prediction) error {
	b, err := json.Marshal(predictionsPayload{Version: predictionsVersion, Predictions: preds})
	if err != nil {
		return fmt.Errorf("predictions %s: encode: %w", key, err)
	}
	return p.eng.PutIdentity(ctx, cache.Identity{Key: key, Subject: imagePath}, cache.Artifact{Data: b})
}

func (p *Predictions) Close() error { return p.eng.Close() }
