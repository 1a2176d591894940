// Command filter-response plots the magnitude response of the configured
// per-modality filter chains. Useful when tuning cutoffs: the PNG shows at a
// glance whether the EEG bandpass or the EMG envelope does what the config
// says it should.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/cmplx"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/biostream/internal/config"
	"github.com/banshee-data/biostream/internal/dsp"
)

var (
	configPath = flag.String("config", "", "Path to a sensor config JSON file (defaults used when empty)")
	output     = flag.String("output", "filter_response.png", "Output PNG file")
	points     = flag.Int("points", 512, "Frequency points per curve")
	minHz      = flag.Float64("min-hz", 0.1, "Lowest frequency to evaluate")
)

func main() {
	flag.Parse()

	cfg := config.DefaultSensorConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadSensorConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	fs := float64(*cfg.SamplingRate)
	nyquist := fs / 2

	chains := []*dsp.Chain{
		dsp.NewEMGChain(cfg.Filters.EMG, fs),
		dsp.NewEOGChain(cfg.Filters.EOG, fs),
		dsp.NewEEGChain(cfg.Filters.EEG, fs),
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Filter chain magnitude response (fs=%.0f Hz)", fs)
	p.X.Label.Text = "Frequency (Hz)"
	p.Y.Label.Text = "Magnitude (dB)"
	p.X.Scale = plot.LogScale{}
	p.X.Tick.Marker = plot.LogTicks{Prec: -1}
	p.Legend.Top = true

	for i, chain := range chains {
		pts := make(plotter.XYs, *points)
		for j := range pts {
			// Log-spaced from minHz up to just below Nyquist.
			f := *minHz * math.Pow(nyquist/(*minHz), float64(j)/float64(*points-1))
			mag := cmplx.Abs(chain.Response(f, fs))
			pts[j] = plotter.XY{X: f, Y: 20 * math.Log10(math.Max(mag, 1e-9))}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			log.Fatalf("failed to build %s curve: %v", chain.Name(), err)
		}
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(chain.Name(), line)
	}

	if err := p.Save(10*vg.Inch, 6*vg.Inch, *output); err != nil {
		log.Fatalf("failed to save plot: %v", err)
	}
	fmt.Printf("plot: %s (%d points per curve, %.1f-%.1f Hz)\n",
		*output, *points, *minHz, nyquist)
}
