package store

import (
	"testing"

	"marketcore/pkg/coremodel"
)

func TestSaveAndLoadSurface(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	cells := map[string]coremodel.FairCell{
		"BTC:0:900": {FairUp: 0.52, Min: 0.48, Max: 0.55, SampleCount: 10},
		"ETH:1:300": {FairUp: 0.61, Min: 0.58, Max: 0.64, SampleCount: 4},
	}

	if err := s.SaveSurface(cells); err != nil {
		t.Fatalf("SaveSurface: %v", err)
	}

	loaded, err := s.LoadSurface()
	if err != nil {
		t.Fatalf("LoadSurface: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadSurface returned nil")
	}

	if loaded["BTC:0:900"].FairUp != cells["BTC:0:900"].FairUp {
		t.Errorf("FairUp = %v, want %v", loaded["BTC:0:900"].FairUp, cells["BTC:0:900"].FairUp)
	}
	if loaded["ETH:1:300"].SampleCount != cells["ETH:1:300"].SampleCount {
		t.Errorf("SampleCount = %v, want %v", loaded["ETH:1:300"].SampleCount, cells["ETH:1:300"].SampleCount)
	}
}

func TestLoadSurfaceMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.LoadSurface()
	if err != nil {
		t.Fatalf("LoadSurface: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing checkpoint, got %+v", loaded)
	}
}

func TestSaveSurfaceOverwrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	first := map[string]coremodel.FairCell{"BTC:0:900": {FairUp: 0.50}}
	second := map[string]coremodel.FairCell{"BTC:0:900": {FairUp: 0.53}}

	_ = s.SaveSurface(first)
	_ = s.SaveSurface(second)

	loaded, err := s.LoadSurface()
	if err != nil {
		t.Fatalf("LoadSurface: %v", err)
	}
	if loaded["BTC:0:900"].FairUp != 0.53 {
		t.Errorf("FairUp = %v, want 0.53 (latest save)", loaded["BTC:0:900"].FairUp)
	}
}
