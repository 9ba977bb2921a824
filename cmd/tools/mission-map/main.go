// Command mission-map renders the detections recorded in a mission database
// as an interactive HTML scatter plot, for post-flight review of symbol
// placements and their uncertainty.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/aratta-robotics/groundmark/internal/registry"
	"github.com/aratta-robotics/groundmark/internal/store"
)

var (
	dbFile  = flag.String("db", "groundmark.db", "Path to the detections SQLite database")
	outFile = flag.String("out", "mission-map.html", "Output HTML file")
)

func main() {
	flag.Parse()

	st, err := store.Open(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()

	detections, err := st.ListDetections(context.Background())
	if err != nil {
		log.Fatalf("Failed to list detections: %v", err)
	}
	if len(detections) == 0 {
		log.Fatal("No detections in database")
	}

	scatter := buildChart(detections)

	f, err := os.Create(*outFile)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()

	if err := scatter.Render(f); err != nil {
		log.Fatalf("Failed to render chart: %v", err)
	}
	fmt.Printf("wrote %s (%d detections)\n", *outFile, len(detections))
}

func buildChart(detections []registry.GeotaggedDetection) *charts.Scatter {
	located := 0
	data := make([]opts.ScatterData, 0, len(detections))
	minLat, maxLat := math.MaxFloat64, -math.MaxFloat64
	minLon, maxLon := math.MaxFloat64, -math.MaxFloat64
	maxUncertainty := 0.0

	for _, d := range detections {
		if !d.LocationConfirmed {
			continue
		}
		located++
		minLat, maxLat = math.Min(minLat, d.Lat), math.Max(maxLat, d.Lat)
		minLon, maxLon = math.Min(minLon, d.Lon), math.Max(maxLon, d.Lon)
		if d.UncertaintyRadiusM > maxUncertainty {
			maxUncertainty = d.UncertaintyRadiusM
		}
		data = append(data, opts.ScatterData{
			Name:  d.Text,
			Value: []interface{}{d.Lon, d.Lat, d.UncertaintyRadiusM},
		})
	}
	if located == 0 {
		log.Fatal("No location-confirmed detections to plot")
	}

	// Pad the axes so edge symbols stay visible.
	padLat := math.Max((maxLat-minLat)*0.1, 1e-4)
	padLon := math.Max((maxLon-minLon)*0.1, 1e-4)
	if maxUncertainty == 0 {
		maxUncertainty = 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "Mission Detections",
			Theme:     "dark",
			Width:     "900px",
			Height:    "900px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Geotagged Symbols",
			Subtitle: fmt.Sprintf("detections=%d located=%d", len(detections), located),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: minLon - padLon, Max: maxLon + padLon, Name: "Longitude", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: minLat - padLat, Max: maxLat + padLat, Name: "Latitude", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxUncertainty),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#35b779", "#fde725", "#d73027"}},
		}),
	)

	scatter.AddSeries("symbols", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 12}))
	return scatter
}
