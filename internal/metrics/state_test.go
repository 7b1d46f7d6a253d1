package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestStatePersister_WriteAndRead(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.PipelineStarted("tenant-1", "ProgA", "swap")
	c.RecordPoll("tenant-1", "ProgA", 500, 2, 50, 40, 0)

	// Create persister with temp directory.
	tmpDir := t.TempDir()
	sp := &StatePersister{
		collector: c,
		logger:    zerolog.Nop(),
		path:      filepath.Join(tmpDir, "state.json"),
		done:      make(chan struct{}),
	}

	sp.write()

	data, err := os.ReadFile(sp.path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}

	if len(snap.Pipelines) != 1 || snap.Pipelines[0].ProgramName != "swap" {
		t.Errorf("Pipelines = %+v", snap.Pipelines)
	}
	if snap.TotalEvents != 40 {
		t.Errorf("TotalEvents = %d, want 40", snap.TotalEvents)
	}
}

func TestStatePersister_AtomicWrite(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "state.json")
	sp := &StatePersister{
		collector: c,
		logger:    zerolog.Nop(),
		path:      path,
		done:      make(chan struct{}),
	}

	sp.write()

	// Verify no .tmp file remains.
	tmpFile := path + ".tmp"
	if _, err := os.Stat(tmpFile); !os.IsNotExist(err) {
		t.Error("temporary file should not exist after write")
	}

	// Verify main file exists.
	if _, err := os.Stat(path); err != nil {
		t.Errorf("state file should exist: %v", err)
	}
}

func TestStatePersister_StartStop(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	tmpDir := t.TempDir()
	sp := &StatePersister{
		collector: c,
		logger:    zerolog.Nop(),
		path:      filepath.Join(tmpDir, "state.json"),
		done:      make(chan struct{}),
	}

	sp.Start()
	time.Sleep(100 * time.Millisecond)
	sp.Stop()

	// Double stop should not panic.
	sp.Stop()
}

func TestStateDirOverride(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	dir := t.TempDir()
	t.Setenv("UHO_STATE_DIR", dir)

	sp, err := NewStatePersister(c, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStatePersister() error: %v", err)
	}
	if sp.Path() != filepath.Join(dir, "state.json") {
		t.Errorf("path = %q", sp.Path())
	}
	sp.write()

	snap, err := ReadStateFile()
	if err != nil {
		t.Fatalf("ReadStateFile() error: %v", err)
	}
	if snap.Timestamp.IsZero() {
		t.Error("snapshot timestamp missing")
	}
}

func TestSnapshotJSON(t *testing.T) {
	snap := Snapshot{
		Timestamp: time.Now(),
		Pipelines: []PipelineProgress{
			{TenantID: "tenant-1", ProgramID: "ProgA", Status: PipelinePolling, LastSlot: 900},
		},
	}

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var decoded Snapshot
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if len(decoded.Pipelines) != 1 {
		t.Fatalf("Pipelines count = %d, want 1", len(decoded.Pipelines))
	}
	if decoded.Pipelines[0].Status != PipelinePolling || decoded.Pipelines[0].LastSlot != 900 {
		t.Errorf("pipeline = %+v", decoded.Pipelines[0])
	}
}
