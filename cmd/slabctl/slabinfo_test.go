package main

import (
	"encoding/json"
	"testing"
)

func Test_Slabinfo_Command(t *testing.T) {
	resetGlobals()
	slabinfoObjects, slabinfoCPUs, slabinfoNodes, slabinfoSeed, slabinfoDebug = 500, 2, 2, 3, "-"

	output, err := captureOutput(t, runSlabinfo)
	if err != nil {
		t.Fatalf("runSlabinfo() error = %v", err)
	}
	assertContains(t, output, []string{"slabinfo - version: 2.1", "kmalloc-8", "kmalloc-8192", "Min partial"})
}

func Test_Slabinfo_JSON(t *testing.T) {
	resetGlobals()
	jsonOut = true
	slabinfoObjects, slabinfoCPUs, slabinfoNodes, slabinfoSeed, slabinfoDebug = 300, 4, 1, 9, "F,kmalloc-64"

	output, err := captureOutput(t, runSlabinfo)
	if err != nil {
		t.Fatalf("runSlabinfo() error = %v", err)
	}
	var rows []SlabinfoRow
	if err := json.Unmarshal([]byte(output), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != len(kmallocSizes) {
		t.Fatalf("got %d rows, want %d", len(rows), len(kmallocSizes))
	}
	for i, r := range rows {
		if r.ObjSize != kmallocSizes[i] {
			t.Errorf("row %d: objsize %d, want %d", i, r.ObjSize, kmallocSizes[i])
		}
		if r.ActiveObjs > r.NumObjs {
			t.Errorf("%s: %d active of %d objects", r.Name, r.ActiveObjs, r.NumObjs)
		}
		if r.Name == "kmalloc-64" && r.CPUPartial != 0 {
			t.Errorf("debug cache kmalloc-64 keeps cpu partial %d", r.CPUPartial)
		}
	}
}

func Test_Version_Command(t *testing.T) {
	resetGlobals()
	output, _ := captureOutput(t, func() error {
		versionCmd.Run(versionCmd, nil)
		return nil
	})
	assertContains(t, output, []string{"slabctl dev", "commit: none"})
}
