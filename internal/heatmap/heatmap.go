// Package heatmap rasterizes predictions from many images onto a 1° world grid
// and extracts the high-intensity regions.
package heatmap

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/mohammed-shakir/geolens-cache/internal/core/model"
	"github.com/mohammed-shakir/geolens-cache/internal/core/observability"
	"github.com/mohammed-shakir/geolens-cache/internal/geo"
	"github.com/mohammed-shakir/geolens-cache/internal/geo/h3cell"
)

const (
	Width  = 360
	Height = 180

	kmPerDegree = 111.32
)

type Config struct {
	Sigma float64 // kernel standard deviation in cells
	// Truncate is the kernel cut-off radius in multiples of Sigma.
	Truncate   float64
	Threshold  float64
	ExifWeight float64
	// LabelMaxResolution caps the H3 resolution of hotspot labels.
	LabelMaxResolution int
}

func DefaultConfig() Config {
	return Config{
		Sigma:              3,
		Truncate:           3,
		Threshold:          0.7,
		ExifWeight:         2.0,
		LabelMaxResolution: 6,
	}
}

type Hotspot struct {
	Latitude          float64 `json:"latitude"`
	Longitude         float64 `json:"longitude"`
	Intensity         float64 `json:"intensity"`
	CellCount         int     `json:"cell_count"`
	EstimatedRadiusKm float64 `json:"estimated_radius_km"`
	Cell              string  `json:"cell,omitempty"`
}

type Stats struct {
	ExifPoints       int     `json:"exif_points"`
	PredictionPoints int     `json:"prediction_points"`
	SkippedPoints    int     `json:"skipped_points"`
	TotalWeight      float64 `json:"total_weight"`
	PeakDensity      float64 `json:"peak_density"`
	CoveredCells     int     `json:"covered_cells"`
	MeanIntensity    float64 `json:"mean_intensity"`
}

// Data is a fresh result per call. Grid is indexed Grid[x][y] where x counts
// degrees east of -180 and y degrees south of +90.
type Data struct {
	Width            int         `json:"width"`
	Height           int         `json:"height"`
	Grid             [][]float64 `json:"grid,omitempty"`
	Hotspots         []Hotspot   `json:"hotspots"`
	ImageCount       int         `json:"image_count"`
	TotalPredictions int         `json:"total_predictions"`
	Stats            Stats       `json:"statistics"`
}

type Option func(*Generator)

func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.log = l }
}

type Generator struct {
	cfg    Config
	log    *slog.Logger
	kernel []tap
}

type tap struct {
	dx, dy int
	w      float64
}

func New(cfg Config, opts ...Option) *Generator {
	def := DefaultConfig()
	if cfg.Sigma <= 0 {
		cfg.Sigma = def.Sigma
	}
	if cfg.Truncate <= 0 {
		cfg.Truncate = def.Truncate
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = def.Threshold
	}
	if cfg.ExifWeight <= 0 {
		cfg.ExifWeight = def.ExifWeight
	}
	if cfg.LabelMaxResolution <= 0 {
		cfg.LabelMaxResolution = def.LabelMaxResolution
	}
	g := &Generator{cfg: cfg, log: slog.Default()}
	for _, f := range opts {
		f(g)
	}
	g.kernel = buildKernel(cfg.Sigma, cfg.Truncate)
	return g
}

func buildKernel(sigma, truncate float64) []tap {
	r := int(math.Ceil(sigma * truncate))
	limit := sigma * truncate
	var taps []tap
	for dx := -r; dx <= r; dx++ {
		for dy := -r; dy <= r; dy++ {
			d2 := float64(dx*dx + dy*dy)
			if d2 > limit*limit {
				continue
			}
			taps = append(taps, tap{dx: dx, dy: dy, w: math.Exp(-d2 / (2 * sigma * sigma))})
		}
	}
	return taps
}

// Cell returns the grid indexes of a coordinate. Longitude wraps, latitude clamps.
func Cell(lat, lng float64) (x, y int) {
	x = int(math.Floor(lng + 180))
	x = ((x % Width) + Width) % Width
	y = int(math.Floor(90 - lat))
	y = max(0, min(Height-1, y))
	return x, y
}

// CellCenter is the coordinate at the middle of grid cell (x, y).
func CellCenter(x, y int) (lat, lng float64) {
	return 90 - float64(y) - 0.5, float64(x) - 180 + 0.5
}

func newGrid() [][]float64 {
	back := make([]float64, Width*Height)
	g := make([][]float64, Width)
	for x := range g {
		g[x] = back[x*Height : (x+1)*Height]
	}
	return g
}

// Generate builds the heatmap for results. It never fails; unusable points
// are skipped and counted.
func (g *Generator) Generate(results []model.ImageResult) Data {
	start := time.Now()
	d := Data{
		Width:      Width,
		Height:     Height,
		Grid:       newGrid(),
		Hotspots:   []Hotspot{},
		ImageCount: len(results),
	}

	var pts []geo.Point
	for _, r := range results {
		d.TotalPredictions += len(r.Predictions)
		if r.EXIF != nil {
			if g.deposit(d.Grid, r.EXIF.Latitude, r.EXIF.Longitude, g.cfg.ExifWeight) {
				pts = append(pts, geo.Point{Lat: r.EXIF.Latitude, Lng: r.EXIF.Longitude})
				d.Stats.ExifPoints++
				d.Stats.TotalWeight += g.cfg.ExifWeight
			} else {
				d.Stats.SkippedPoints++
			}
		}
		for i, p := range r.Predictions {
			rank := p.Rank
			if rank < 1 {
				rank = i + 1
			}
			w := p.AdjustedProbability / float64(rank)
			if g.deposit(d.Grid, p.Latitude, p.Longitude, w) {
				pts = append(pts, geo.Point{Lat: p.Latitude, Lng: p.Longitude})
				d.Stats.PredictionPoints++
				d.Stats.TotalWeight += w
			} else {
				d.Stats.SkippedPoints++
			}
		}
	}

	peak := 0.0
	for x := range d.Grid {
		for _, v := range d.Grid[x] {
			peak = math.Max(peak, v)
		}
	}
	d.Stats.PeakDensity = peak
	if peak > 0 {
		var sum float64
		for x := range d.Grid {
			col := d.Grid[x]
			for y := range col {
				col[y] /= peak
				if col[y] > 0 {
					d.Stats.CoveredCells++
					sum += col[y]
				}
			}
		}
		if d.Stats.CoveredCells > 0 {
			d.Stats.MeanIntensity = sum / float64(d.Stats.CoveredCells)
		}
		d.Hotspots = g.hotspots(d.Grid, pts)
	}

	observability.ObserveAnalysis("heatmap", time.Since(start).Seconds())
	observability.ObserveHotspots(len(d.Hotspots))
	g.log.Debug("heatmap generated",
		"images", d.ImageCount, "points", d.Stats.ExifPoints+d.Stats.PredictionPoints,
		"skipped", d.Stats.SkippedPoints, "hotspots", len(d.Hotspots))
	return d
}

// deposit adds a truncated gaussian centred on the point's cell. Rows past
// the poles clamp onto the polar row.
func (g *Generator) deposit(grid [][]float64, lat, lng, w float64) bool {
	if !geo.Valid(geo.Point{Lat: lat, Lng: lng}) || !(w > 0) || math.IsInf(w, 0) {
		return false
	}
	cx, cy := Cell(lat, lng)
	for _, t := range g.kernel {
		y := max(0, min(Height-1, cy+t.dy))
		x := ((cx+t.dx)%Width + Width) % Width
		grid[x][y] += w * t.w
	}
	return true
}

type node struct {
	x, y int
	ux   int // column without wrapping, relative to the region's first cell
}

// hotspots flood-fills the cells at or above the threshold. Each region's
// radius is the hypotenuse of half the bounding box of the points that landed
// in it; a region no point landed in falls back to its cell centers.
func (g *Generator) hotspots(grid [][]float64, pts []geo.Point) []Hotspot {
	thr := g.cfg.Threshold
	// region id per cell, 0 when not part of any region
	label := make([]int, Width*Height)
	var (
		out   []Hotspot
		boxes []bbox
	)

	for x0 := 0; x0 < Width; x0++ {
		for y0 := 0; y0 < Height; y0++ {
			if label[x0*Height+y0] != 0 || grid[x0][y0] < thr {
				continue
			}
			id := len(out) + 1
			label[x0*Height+y0] = id
			stack := []node{{x: x0, y: y0, ux: x0}}

			var (
				sumW, sumX, sumY float64
				peak             float64
				n                int
				minUX, maxUX     = x0, x0
				minY, maxY       = y0, y0
			)
			for len(stack) > 0 {
				c := stack[len(stack)-1]
				stack = stack[:len(stack)-1]

				v := grid[c.x][c.y]
				n++
				sumW += v
				sumX += v * float64(c.ux)
				sumY += v * float64(c.y)
				peak = math.Max(peak, v)
				minUX, maxUX = min(minUX, c.ux), max(maxUX, c.ux)
				minY, maxY = min(minY, c.y), max(maxY, c.y)

				for dx := -1; dx <= 1; dx++ {
					for dy := -1; dy <= 1; dy++ {
						if dx == 0 && dy == 0 {
							continue
						}
						ny := c.y + dy
						if ny < 0 || ny >= Height {
							continue
						}
						nx := ((c.x+dx)%Width + Width) % Width
						idx := nx*Height + ny
						if label[idx] != 0 || grid[nx][ny] < thr {
							continue
						}
						label[idx] = id
						stack = append(stack, node{x: nx, y: ny, ux: c.ux + dx})
					}
				}
			}

			cx := sumX / sumW
			out = append(out, Hotspot{
				Latitude:  90 - sumY/sumW - 0.5,
				Longitude: geo.WrapLng(cx - 180 + 0.5),
				Intensity: peak,
				CellCount: n,
			})
			boxes = append(boxes, bbox{
				cells:  true,
				minLat: 89.5 - float64(maxY),
				maxLat: 89.5 - float64(minY),
				minLng: float64(minUX) - cx,
				maxLng: float64(maxUX) - cx,
			})
		}
	}

	for _, p := range pts {
		x, y := Cell(p.Lat, p.Lng)
		id := label[x*Height+y]
		if id == 0 {
			continue
		}
		boxes[id-1].add(p.Lat, geo.WrapLng(p.Lng-out[id-1].Longitude))
	}

	for i := range out {
		h := &out[i]
		b := boxes[i]
		hDeg := b.maxLat - b.minLat
		wDeg := b.maxLng - b.minLng
		h.EstimatedRadiusKm = math.Hypot(hDeg/2*kmPerDegree, wDeg/2*kmPerDegree*math.Cos(h.Latitude*math.Pi/180))

		res := h3cell.ResolutionForRadius(h.EstimatedRadiusKm, g.cfg.LabelMaxResolution)
		if cell, err := h3cell.Label(h.Latitude, h.Longitude, res); err == nil {
			h.Cell = cell
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Intensity != out[j].Intensity {
			return out[i].Intensity > out[j].Intensity
		}
		return out[i].CellCount > out[j].CellCount
	})
	return out
}

// bbox is a latitude/longitude box in degrees with longitudes relative to the
// hotspot center. It starts as the cell-center box and is replaced by the
// point box once a point is added.
type bbox struct {
	cells                          bool
	minLat, maxLat, minLng, maxLng float64
}

func (b *bbox) add(lat, relLng float64) {
	if b.cells {
		*b = bbox{minLat: lat, maxLat: lat, minLng: relLng, maxLng: relLng}
		return
	}
	b.minLat, b.maxLat = math.Min(b.minLat, lat), math.Max(b.maxLat, lat)
	b.minLng, b.maxLng = math.Min(b.minLng, relLng), math.Max(b.maxLng, relLng)
}
