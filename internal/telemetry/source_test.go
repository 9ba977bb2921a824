package telemetry

import (
	"bufio"
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

func TestReplaySourceStreamsSamples(t *testing.T) {
	csvLog := strings.Join([]string{
		"100.0,40.177,44.503,150.0,0.01,-0.02,1.57,3",
		"100.5,40.1771,44.5031,151.0,0.0,0.0,1.58,3",
	}, "\n")

	src := &ReplaySource{R: strings.NewReader(csvLog), MinFixQuality: 3}
	ch, err := src.Samples(context.Background())
	if err != nil {
		t.Fatalf("Samples failed: %v", err)
	}

	var got []Sample
	for s := range ch {
		got = append(got, s)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
	if got[0].Lat != 40.177 || got[0].Lon != 44.503 {
		t.Errorf("first sample coordinates wrong: %+v", got[0])
	}
	if !got[0].Timestamp.Equal(time.Unix(100, 0).UTC()) {
		t.Errorf("first timestamp = %v, want t=100", got[0].Timestamp)
	}
	if got[1].AltMSL != 151.0 {
		t.Errorf("second altitude = %v, want 151", got[1].AltMSL)
	}
}

func TestReplaySourceSkipsBadRows(t *testing.T) {
	csvLog := strings.Join([]string{
		"100.0,40.177,44.503,150.0,0,0,0,3",
		"not,a,valid,row,at,all,x,y",
		"101.0,40.178,44.504,150.0,0,0,0,1", // fix quality below minimum
		"102.0,40.179,44.505,150.0,0,0,0,3",
	}, "\n")

	src := &ReplaySource{R: strings.NewReader(csvLog), MinFixQuality: 3}
	ch, err := src.Samples(context.Background())
	if err != nil {
		t.Fatalf("Samples failed: %v", err)
	}

	var count int
	for range ch {
		count++
	}
	if count != 2 {
		t.Errorf("expected 2 valid samples, got %d", count)
	}
}

func TestReplaySourceRequiresReader(t *testing.T) {
	src := &ReplaySource{}
	if _, err := src.Samples(context.Background()); err == nil {
		t.Error("expected error for missing reader")
	}
}

func TestLineDecoder(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("100.0,40.177,44.503,150.0,0.01,-0.02,1.57,3\nbad line\n"))

	var dec LineDecoder
	s, err := dec.Decode(r)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if s.Lat != 40.177 || s.FixQuality != 3 {
		t.Errorf("decoded sample wrong: %+v", s)
	}

	if _, err := dec.Decode(r); err == nil {
		t.Error("expected error for malformed line")
	}
	if _, err := dec.Decode(r); err != io.EOF {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestSerialSourceRequiresDecoder(t *testing.T) {
	src := &SerialSource{PortName: "/dev/null"}
	if _, err := src.Samples(context.Background()); err == nil {
		t.Error("expected error for missing decoder")
	}
}
