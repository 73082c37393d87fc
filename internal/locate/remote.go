package locate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/mohammed-shakir/geolens-cache/internal/core/model"
)

var ErrInference = errors.New("inference failed")

// RemoteInferrer calls an inference service that answers POST /infer with
// ranked candidates for images on a shared filesystem.
type RemoteInferrer struct {
	BaseURL string
	TopK    int
	Device  string
	Client  *http.Client
}

type inferItem struct {
	Path string `json:"path"`
}

type inferRequest struct {
	Items  []inferItem `json:"items"`
	TopK   int         `json:"top_k"`
	Device string      `json:"device,omitempty"`
}

type inferCandidate struct {
	model.Candidate
	Rank int `json:"rank"`
}

type inferResult struct {
	Path        string           `json:"path"`
	Predictions []inferCandidate `json:"predictions"`
	Warnings    []string         `json:"warnings"`
	Error       *string          `json:"error"`
}

type inferResponse struct {
	Device  string        `json:"device"`
	Results []inferResult `json:"results"`
}

func (ri RemoteInferrer) Infer(ctx context.Context, imagePath string) ([]model.Candidate, error) {
	topK := ri.TopK
	if topK <= 0 {
		topK = 5
	}
	body, err := json.Marshal(inferRequest{Items: []inferItem{{Path: imagePath}}, TopK: topK, Device: ri.Device})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %w", ErrInference, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(ri.BaseURL, "/")+"/infer", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrInference, err)
	}
	req.Header.Set("Content-Type", "application/json")

	c := ri.Client
	if c == nil {
		c = http.DefaultClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrInference, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrInference, resp.StatusCode, bytes.TrimSpace(raw))
	}
	var out inferResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrInference, err)
	}
	if len(out.Results) == 0 {
		return nil, fmt.Errorf("%w: no result for %q", ErrInference, imagePath)
	}
	r := out.Results[0]
	if r.Error != nil && *r.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrInference, *r.Error)
	}

	sort.SliceStable(r.Predictions, func(i, j int) bool { return r.Predictions[i].Rank < r.Predictions[j].Rank })
	cands := make([]model.Candidate, len(r.Predictions))
	for i, p := range r.Predictions {
		cands[i] = p.Candidate
	}
	return cands, nil
}
