package scheduler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrSnakeDoc/beacon/internal/logger"
	"github.com/MrSnakeDoc/beacon/internal/sources/placement"
)

func TestPlacementReloader_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "placement.yaml")
	write := func(content string) {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write placement file: %v", err)
		}
	}

	table := placement.NewTable(placement.Static("dyn.example.com", 60))
	pr := NewPlacementReloader(path, table, "dyn.example.com", 60, logger.NewNop(), time.Hour, nil)

	write("rules:\n  - match: \"edge-*\"\n    zone: edge.example.com\n")
	if err := pr.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if got := table.Resolve("edge-1").Zone; got != "edge.example.com." {
		t.Errorf("Resolve(edge-1) zone = %q, want edge.example.com.", got)
	}

	// A broken file keeps the rules in service.
	write("rules:\n  - match: \"[\"\n    zone: x.example.com\n")
	if err := pr.Reload(); err == nil {
		t.Fatal("Reload() with an invalid pattern should return error")
	}
	if got := table.Resolve("edge-1").Zone; got != "edge.example.com." {
		t.Errorf("after failed reload zone = %q, want previous rules kept", got)
	}
}
