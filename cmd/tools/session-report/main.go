// Command session-report renders a recorded session's feature windows and
// detection events as a standalone HTML page of ECharts visualisations.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/biostream/internal/db"
	"github.com/banshee-data/biostream/internal/pipeline"
)

var (
	dbFile    = flag.String("db", "biostream.db", "SQLite database path")
	sessionID = flag.String("session", "", "Session ID (defaults to the most recent)")
	output    = flag.String("output", "report.html", "Output HTML file")
)

func main() {
	flag.Parse()

	database, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	id := *sessionID
	if id == "" {
		sessions, err := database.Sessions(1)
		if err != nil {
			log.Fatalf("failed to list sessions: %v", err)
		}
		if len(sessions) == 0 {
			log.Fatal("no recorded sessions")
		}
		id = sessions[0].SessionID
	}

	windows, err := database.FeatureWindows(id, -1, 0)
	if err != nil {
		log.Fatalf("failed to load feature windows: %v", err)
	}
	events, err := database.Events(id, 0)
	if err != nil {
		log.Fatalf("failed to load events: %v", err)
	}
	if len(windows) == 0 && len(events) == 0 {
		log.Fatalf("session %s has no recorded data", id)
	}

	page := components.NewPage()
	page.PageTitle = "biostream session report"

	byChannel := make(map[int][]db.FeatureWindow)
	for _, w := range windows {
		byChannel[w.Channel] = append(byChannel[w.Channel], w)
	}
	var channels []int
	for ch := range byChannel {
		channels = append(channels, ch)
	}
	sort.Ints(channels)
	for _, ch := range channels {
		page.AddCharts(featureChart(id, ch, byChannel[ch]))
	}

	if len(events) > 0 {
		page.AddCharts(eventChart(id, events))
	}

	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("failed to create output file: %v", err)
	}
	defer f.Close()
	if err := page.Render(f); err != nil {
		log.Fatalf("failed to render report: %v", err)
	}

	fmt.Printf("report: %s (session %s, %d feature windows, %d events)\n",
		*output, id, len(windows), len(events))
}

// featureChart plots every feature of one channel as a line series over the
// session timeline.
func featureChart(sessionID string, channel int, windows []db.FeatureWindow) *charts.Line {
	// Feature keys vary by modality; take the union so sparse keys still
	// get a series.
	keySet := make(map[string]bool)
	for _, w := range windows {
		for k := range w.Features {
			keySet[k] = true
		}
	}
	var keys []string
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	xs := make([]string, len(windows))
	for i, w := range windows {
		xs[i] = w.Timestamp.Format("15:04:05.000")
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "1200px", Height: "420px", Theme: "dark"}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Channel %d (%s)", channel, windows[0].Modality),
			Subtitle: fmt.Sprintf("session=%s windows=%d", sessionID, len(windows)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	line.SetXAxis(xs)
	for _, key := range keys {
		data := make([]opts.LineData, len(windows))
		for i, w := range windows {
			data[i] = opts.LineData{Value: w.Features[key]}
		}
		line.AddSeries(key, data, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))
	}
	return line
}

// eventChart shows how many times each label fired during the session.
func eventChart(sessionID string, events []pipeline.Event) *charts.Bar {
	counts := make(map[string]int)
	for _, e := range events {
		counts[e.Label]++
	}
	var labels []string
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	data := make([]opts.BarData, len(labels))
	for i, label := range labels {
		data[i] = opts.BarData{Value: counts[label]}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "1200px", Height: "360px", Theme: "dark"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Detection events",
			Subtitle: fmt.Sprintf("session=%s events=%d", sessionID, len(events)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(labels)
	bar.AddSeries("events", data)
	return bar
}
