// Command groundmark runs the detection-to-geolocation pipeline over a
// recorded or live mission: camera frames in, geotagged ground symbols out.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aratta-robotics/groundmark/internal/config"
	"github.com/aratta-robotics/groundmark/internal/mission"
	"github.com/aratta-robotics/groundmark/internal/monitoring"
	"github.com/aratta-robotics/groundmark/internal/projection"
	"github.com/aratta-robotics/groundmark/internal/store"
	"github.com/aratta-robotics/groundmark/internal/telemetry"
	"github.com/aratta-robotics/groundmark/internal/version"
	"github.com/aratta-robotics/groundmark/internal/vision"
)

var (
	configPath    = flag.String("config", "", "Path to mission config JSON (built-in defaults when empty)")
	dbFile        = flag.String("db", "groundmark.db", "Path to the detections SQLite database")
	migrationsDir = flag.String("migrations", "migrations", "Path to the schema migrations directory")
	migrateCmd    = flag.String("migrate", "", "Run a migration command (up|down|version) and exit")

	framesDir  = flag.String("frames", "", "Directory of mission frames, replayed in filename order")
	frameFPS   = flag.Float64("fps", 2, "Frame replay rate")
	frameEpoch = flag.String("frame-epoch", "", "RFC3339 timestamp of the first frame (file stems override)")

	telemetryCSV = flag.String("telemetry", "", "CSV telemetry log to replay")
	serialPort   = flag.String("serial", "", "Serial port for live flight controller telemetry")
	baudRate     = flag.Int("baud", 57600, "Serial baud rate")

	imgWidth  = flag.Int("img-width", 1920, "Frame width in pixels (must match imagery)")
	imgHeight = flag.Int("img-height", 1080, "Frame height in pixels (must match imagery)")
	hfovDeg   = flag.Float64("hfov", 66, "Camera horizontal field of view in degrees")

	missionID = flag.String("mission-id", "", "Mission run identifier (random when empty)")
	verbose   = flag.Bool("verbose", false, "Enable debug logging")
)

func main() {
	flag.Parse()
	monitoring.Verbose = *verbose
	monitoring.Logf("groundmark %s", version.String())

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	st, err := store.Open(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()

	if *migrateCmd != "" {
		if err := runMigration(st, *migrateCmd); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		return
	}

	if err := st.MigrateUp(*migrationsDir); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	if *framesDir == "" {
		log.Fatal("A frame directory is required (-frames)")
	}

	frames, err := frameSource()
	if err != nil {
		log.Fatalf("Failed to set up frame source: %v", err)
	}
	samples, closer, err := telemetrySource(cfg)
	if err != nil {
		log.Fatalf("Failed to set up telemetry source: %v", err)
	}
	if closer != nil {
		defer closer()
	}

	ctrl, err := mission.NewController(mission.ControllerConfig{
		Frames:     frames,
		Telemetry:  samples,
		Detector:   vision.NewContourDetector(cfg),
		OCR:        vision.NewTesseractBackend(),
		Sink:       st,
		Intrinsics: projection.IntrinsicsFromFOV(*imgWidth, *imgHeight, *hfovDeg),
		Config:     cfg,
		MissionID:  *missionID,
	})
	if err != nil {
		log.Fatalf("Failed to build mission: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = ctrl.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, mission.ErrMissionAborted):
		log.Printf("Mission aborted: %v", err)
	default:
		log.Fatalf("Mission failed: %v", err)
	}

	printSummary(ctrl)
}

func loadConfig() (*config.MissionConfig, error) {
	if *configPath != "" {
		return config.LoadMissionConfig(*configPath)
	}
	if _, err := os.Stat(config.DefaultConfigPath); err == nil {
		return config.LoadMissionConfig(config.DefaultConfigPath)
	}
	return config.EmptyMissionConfig(), nil
}

func runMigration(st *store.Store, cmd string) error {
	switch cmd {
	case "up":
		return st.MigrateUp(*migrationsDir)
	case "down":
		return st.MigrateDown(*migrationsDir)
	case "version":
		version, dirty, err := st.MigrateVersion(*migrationsDir)
		if err != nil {
			return err
		}
		fmt.Printf("version=%d dirty=%v\n", version, dirty)
		return nil
	default:
		return fmt.Errorf("unknown migration command %q (want up, down or version)", cmd)
	}
}

func frameSource() (mission.FrameSource, error) {
	src := &vision.DirectorySource{Dir: *framesDir, FPS: *frameFPS}
	if *frameEpoch != "" {
		start, err := time.Parse(time.RFC3339, *frameEpoch)
		if err != nil {
			return nil, fmt.Errorf("parsing -frame-epoch: %w", err)
		}
		src.Start = start
	}
	return src, nil
}

// telemetrySource returns the live serial source when -serial is set,
// otherwise the CSV replay source. The closer releases the replay file.
func telemetrySource(cfg *config.MissionConfig) (telemetry.Source, func(), error) {
	if *serialPort != "" {
		return &telemetry.SerialSource{
			PortName:      *serialPort,
			BaudRate:      *baudRate,
			Decoder:       telemetry.LineDecoder{},
			MinFixQuality: cfg.GetMinFixQuality(),
		}, nil, nil
	}
	if *telemetryCSV == "" {
		return nil, nil, fmt.Errorf("telemetry input required (-telemetry or -serial)")
	}
	f, err := os.Open(*telemetryCSV)
	if err != nil {
		return nil, nil, fmt.Errorf("opening telemetry log: %w", err)
	}
	return &telemetry.ReplaySource{R: f, MinFixQuality: cfg.GetMinFixQuality()},
		func() { f.Close() }, nil
}

func printSummary(ctrl *mission.Controller) {
	detections := ctrl.Finalized()
	fmt.Printf("mission %s: %d detections\n", ctrl.MissionID(), len(detections))
	for _, d := range detections {
		loc := "no fix"
		if d.LocationConfirmed {
			loc = fmt.Sprintf("%d %d ±%.1fm", d.LatE7(), d.LonE7(), d.UncertaintyRadiusM)
		}
		fmt.Printf("  %-4s id=%-3d frames=%-4d conf=%.2f %s\n",
			d.Text, d.SymbolID, d.SupportingFrames, d.Confidence, loc)
	}
}
