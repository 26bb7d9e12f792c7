package feed

import (
	"path/filepath"
	"testing"

	"github.com/jackc/pglogrepl"
)

func TestCheckpointLSNRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.db")

	cp, err := OpenCheckpoint(path)
	if err != nil {
		t.Fatalf("OpenCheckpoint failed: %v", err)
	}

	lsn, err := cp.LSN()
	if err != nil {
		t.Fatalf("LSN failed: %v", err)
	}
	if lsn != 0 {
		t.Errorf("fresh checkpoint should report zero LSN, got %s", lsn)
	}

	want := pglogrepl.LSN(0x16B3748)
	if err := cp.SaveLSN(want); err != nil {
		t.Fatalf("SaveLSN failed: %v", err)
	}
	if err := cp.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopen to prove the position survives a restart.
	cp, err = OpenCheckpoint(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer cp.Close()

	got, err := cp.LSN()
	if err != nil {
		t.Fatalf("LSN after reopen failed: %v", err)
	}
	if got != want {
		t.Errorf("expected LSN %s, got %s", want, got)
	}
}

func TestCheckpointBlockHeight(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.db")

	cp, err := OpenCheckpoint(path)
	if err != nil {
		t.Fatalf("OpenCheckpoint failed: %v", err)
	}
	defer cp.Close()

	height, err := cp.BlockHeight()
	if err != nil {
		t.Fatalf("BlockHeight failed: %v", err)
	}
	if height != 0 {
		t.Errorf("fresh checkpoint should report height 0, got %d", height)
	}

	if err := cp.SaveBlockHeight(4217); err != nil {
		t.Fatalf("SaveBlockHeight failed: %v", err)
	}
	height, err = cp.BlockHeight()
	if err != nil {
		t.Fatalf("BlockHeight failed: %v", err)
	}
	if height != 4217 {
		t.Errorf("expected height 4217, got %d", height)
	}
}
