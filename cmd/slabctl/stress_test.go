package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/joshuapare/slabkit/internal/logger"
)

func setStressFlags() {
	stressSize = 64
	stressWorkers = 4
	stressOps = 2000
	stressHold = 64
	stressNodes = 1
	stressCPUs = 2
	stressPages = 0
	stressMmap = false
	stressDebug = ""
	stressCAS = "double"
	stressBulk = 0
	stressSeed = 7
}

func Test_Stress_Command(t *testing.T) {
	tests := []struct {
		name        string
		setup       func()
		wantErr     bool
		wantContain []string
	}{
		{
			name:        "default",
			wantContain: []string{"Stress: stress-64", "alloc_fastpath", "Slabs left: 0"},
		},
		{
			name:        "locked words on two nodes",
			setup:       func() { stressCAS, stressNodes, stressCPUs = "locked", 2, 4 },
			wantContain: []string{"Workers: 4", "Slabs left: 0"},
		},
		{
			name:        "bulk",
			setup:       func() { stressBulk = 8 },
			wantContain: []string{"free_slowpath"},
		},
		{
			name:        "debug checks",
			setup:       func() { stressDebug, stressSize = "FZPU", 24 },
			wantContain: []string{"Stress: stress-24", "alloc_slowpath"},
		},
		{
			name:        "mmap backing",
			setup:       func() { stressMmap = true },
			wantContain: []string{"Slabs left: 0"},
		},
		{
			name:    "unknown cas mode",
			setup:   func() { stressCAS = "triple" },
			wantErr: true,
		},
		{
			name:    "no workers",
			setup:   func() { stressWorkers = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetGlobals()
			setStressFlags()
			if tt.setup != nil {
				tt.setup()
			}
			output, err := captureOutput(t, runStress)
			if (err != nil) != tt.wantErr {
				t.Fatalf("runStress() error = %v, wantErr %v\n%s", err, tt.wantErr, output)
			}
			if !tt.wantErr {
				assertContains(t, output, tt.wantContain)
			}
		})
	}
}

func Test_Stress_JSON(t *testing.T) {
	resetGlobals()
	setStressFlags()
	jsonOut = true
	stressPages = 4

	output, err := captureOutput(t, runStress)
	if err != nil {
		t.Fatalf("runStress() error = %v", err)
	}
	var res StressResult
	if err := json.Unmarshal([]byte(output), &res); err != nil {
		t.Fatalf("decode: %v\n%s", err, output)
	}
	if res.Allocs != res.Frees {
		t.Errorf("allocs %d != frees %d", res.Allocs, res.Frees)
	}
	if res.Stats.ActiveObjects != 0 {
		t.Errorf("active objects = %d, want 0", res.Stats.ActiveObjects)
	}
	if res.Diagnostics != 0 {
		t.Errorf("diagnostics = %d, want 0", res.Diagnostics)
	}
	if res.Events["alloc_slab"] == 0 {
		t.Errorf("no slab allocations recorded: %v", res.Events)
	}
}

func Test_Stress_LogDir(t *testing.T) {
	resetGlobals()
	setStressFlags()
	quiet = true
	verbose = true
	logDir = t.TempDir()

	stale := filepath.Join(logDir, "slabkit-2001-01-01.log")
	if err := os.WriteFile(stale, []byte("old\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := initLogging(); err != nil {
		t.Fatalf("initLogging() error = %v", err)
	}
	t.Cleanup(func() { _ = logger.Init(logger.Options{}) })

	if _, err := captureOutput(t, runStress); err != nil {
		t.Fatalf("runStress() error = %v", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale log not pruned: %v", err)
	}
	name := filepath.Join(logDir, "slabkit-"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	for _, want := range []string{"cache created", "cache=stress-64", "cache destroyed"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log missing %q\n%s", want, data)
		}
	}
}
