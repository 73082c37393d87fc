// Package model defines the domain types shared by the cache, the analyzers and
// the HTTP surface.
package model

import (
	"fmt"
	"strings"
)

type Confidence int

const (
	ConfidenceLow Confidence = iota
	ConfidenceMedium
	ConfidenceHigh
)

const (
	mediumFloor = 0.30
	highFloor   = 0.60
)

// ClassifyConfidence maps a probability to its tier: below 0.30 is low, below
// 0.60 medium, anything else high.
func ClassifyConfidence(p float64) Confidence {
	switch {
	case p >= highFloor:
		return ConfidenceHigh
	case p >= mediumFloor:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func (c Confidence) String() string {
	switch c {
	case ConfidenceHigh:
		return "high"
	case ConfidenceMedium:
		return "medium"
	default:
		return "low"
	}
}

func (c Confidence) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Confidence) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "high":
		*c = ConfidenceHigh
	case "medium":
		*c = ConfidenceMedium
	case "low", "":
		*c = ConfidenceLow
	default:
		return fmt.Errorf("unknown confidence %q", b)
	}
	return nil
}

// Candidate is one raw location returned by the inference service, best first.
type Candidate struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Probability float64 `json:"probability"`
	City        string  `json:"city,omitempty"`
	State       string  `json:"state,omitempty"`
	County      string  `json:"county,omitempty"`
	Country     string  `json:"country,omitempty"`
}

// Label joins the non-empty place names, most specific first.
func (c Candidate) Label() string {
	parts := make([]string, 0, 4)
	for _, p := range []string{c.City, c.State, c.County, c.Country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

type Prediction struct {
	Rank                int        `json:"rank"`
	Latitude            float64    `json:"latitude"`
	Longitude           float64    `json:"longitude"`
	BaseProbability     float64    `json:"base_probability"`
	AdjustedProbability float64    `json:"adjusted_probability"`
	LocationLabel       string     `json:"location,omitempty"`
	IsPartOfCluster     bool       `json:"is_part_of_cluster"`
	Confidence          Confidence `json:"confidence"`
}

// PredictionsFromCandidates ranks candidates in their given order starting at 1.
func PredictionsFromCandidates(cands []Candidate) []Prediction {
	out := make([]Prediction, len(cands))
	for i, c := range cands {
		out[i] = Prediction{
			Rank:                i + 1,
			Latitude:            c.Latitude,
			Longitude:           c.Longitude,
			BaseProbability:     c.Probability,
			AdjustedProbability: c.Probability,
			LocationLabel:       c.Label(),
			Confidence:          ClassifyConfidence(c.Probability),
		}
	}
	return out
}

// ClonePredictions returns an independent copy.
func ClonePredictions(p []Prediction) []Prediction {
	if p == nil {
		return nil
	}
	out := make([]Prediction, len(p))
	copy(out, p)
	return out
}

// GPSFix is a position read from image metadata.
type GPSFix struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type ImageResult struct {
	ImagePath   string       `json:"image_path"`
	Key         string       `json:"key,omitempty"`
	EXIF        *GPSFix      `json:"exif,omitempty"`
	Predictions []Prediction `json:"predictions"`
}
