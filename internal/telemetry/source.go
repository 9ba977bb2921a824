package telemetry

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/aratta-robotics/groundmark/internal/monitoring"
)

// Decoder extracts telemetry samples from the flight controller byte stream.
// Wire-level protocol parsing lives behind this seam; the pipeline only sees
// decoded samples.
type Decoder interface {
	// Decode reads from r until it produces one sample or fails. io.EOF
	// ends the stream.
	Decode(r *bufio.Reader) (Sample, error)
}

// SerialSource reads the flight controller stream from a serial port and
// decodes it into samples. Decode errors are logged and skipped; the stream
// ends when the context is cancelled or the port closes.
type SerialSource struct {
	PortName string
	BaudRate int
	Decoder  Decoder

	// MinFixQuality drops samples without a usable GPS fix at the source.
	MinFixQuality int
}

// Samples opens the port and starts the reader goroutine.
func (s *SerialSource) Samples(ctx context.Context) (<-chan Sample, error) {
	if s.Decoder == nil {
		return nil, fmt.Errorf("telemetry: serial source requires a decoder")
	}
	mode := &serial.Mode{BaudRate: s.BaudRate}
	if mode.BaudRate == 0 {
		mode.BaudRate = 57600
	}
	port, err := serial.Open(s.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("telemetry: opening serial port %s: %w", s.PortName, err)
	}

	out := make(chan Sample, 64)
	go func() {
		defer close(out)
		defer port.Close()

		// Closing the port from a watcher goroutine unblocks the Read
		// inside Decode when the context ends.
		go func() {
			<-ctx.Done()
			port.Close()
		}()

		reader := bufio.NewReader(port)
		for {
			sample, err := s.Decoder.Decode(reader)
			if err == io.EOF || ctx.Err() != nil {
				return
			}
			if err != nil {
				monitoring.Logf("telemetry: decode error on %s: %v", s.PortName, err)
				continue
			}
			if err := sample.Validate(s.MinFixQuality); err != nil {
				monitoring.Debugf("telemetry: dropped sample: %v", err)
				continue
			}
			select {
			case out <- sample:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// LineDecoder decodes the flight controller's line protocol: one sample per
// newline-terminated record, fields in the replay CSV order.
type LineDecoder struct{}

// Decode reads one line and parses it into a sample.
func (LineDecoder) Decode(r *bufio.Reader) (Sample, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			return Sample{}, io.EOF
		}
		return Sample{}, fmt.Errorf("reading line: %w", err)
	}
	record := strings.Split(strings.TrimSpace(line), ",")
	if len(record) != 8 {
		return Sample{}, fmt.Errorf("expected 8 fields, got %d", len(record))
	}
	return parseReplayRecord(record)
}

// ReplaySource streams samples from a CSV log, one row per sample:
//
//	unix_seconds,lat,lon,alt_msl,roll_rad,pitch_rad,yaw_rad,fix_quality
//
// Used for bench replay of recorded missions; rows stream as fast as the
// consumer takes them.
type ReplaySource struct {
	R io.Reader

	// MinFixQuality drops samples without a usable GPS fix at the source.
	MinFixQuality int
}

// Samples starts the CSV reader goroutine.
func (s *ReplaySource) Samples(ctx context.Context) (<-chan Sample, error) {
	if s.R == nil {
		return nil, fmt.Errorf("telemetry: replay source requires a reader")
	}

	out := make(chan Sample, 64)
	go func() {
		defer close(out)
		cr := csv.NewReader(s.R)
		cr.FieldsPerRecord = 8
		line := 0
		for {
			record, err := cr.Read()
			if err == io.EOF {
				return
			}
			line++
			if err != nil {
				monitoring.Logf("telemetry: replay line %d: %v", line, err)
				continue
			}
			sample, err := parseReplayRecord(record)
			if err != nil {
				monitoring.Logf("telemetry: replay line %d: %v", line, err)
				continue
			}
			if err := sample.Validate(s.MinFixQuality); err != nil {
				monitoring.Debugf("telemetry: replay line %d dropped: %v", line, err)
				continue
			}
			select {
			case out <- sample:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func parseReplayRecord(record []string) (Sample, error) {
	fields := make([]float64, 7)
	for i := 0; i < 7; i++ {
		v, err := strconv.ParseFloat(record[i], 64)
		if err != nil {
			return Sample{}, fmt.Errorf("field %d: %w", i, err)
		}
		fields[i] = v
	}
	fix, err := strconv.Atoi(record[7])
	if err != nil {
		return Sample{}, fmt.Errorf("fix_quality: %w", err)
	}

	sec, frac := int64(fields[0]), fields[0]-float64(int64(fields[0]))
	return Sample{
		Timestamp:  time.Unix(sec, int64(frac*1e9)).UTC(),
		Lat:        fields[1],
		Lon:        fields[2],
		AltMSL:     fields[3],
		Roll:       fields[4],
		Pitch:      fields[5],
		Yaw:        fields[6],
		FixQuality: fix,
	}, nil
}

var (
	_ Source = (*SerialSource)(nil)
	_ Source = (*ReplaySource)(nil)
)
