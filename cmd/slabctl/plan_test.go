package main

import (
	"encoding/json"
	"testing"
)

func Test_Plan_Command(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		debug       string
		ctor        bool
		json        bool
		wantErr     bool
		wantContain []string
	}{
		{
			name:        "kmalloc-16",
			args:        []string{"16"},
			wantContain: []string{"Stride", "254", "flags -"},
		},
		{
			name:        "full debug",
			args:        []string{"64"},
			debug:       "FZPU",
			wantContain: []string{"144", "(outside)", "flags FZPU"},
		},
		{
			name:        "constructor moves the free pointer",
			args:        []string{"40"},
			ctor:        true,
			wantContain: []string{"40 (outside)"},
		},
		{
			name:        "json",
			args:        []string{"16", "4096"},
			json:        true,
			wantContain: []string{`"objects": 254`, `"freeptr_offset": 8`},
		},
		{
			name:    "not a number",
			args:    []string{"abc"},
			wantErr: true,
		},
		{
			name:    "too large",
			args:    []string{"8388608"},
			wantErr: true,
		},
		{
			name:    "bad debug letters",
			args:    []string{"64"},
			debug:   "X",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetGlobals()
			jsonOut = tt.json
			planAlign = 8
			planDebug = tt.debug
			planCPUs = 1
			planCtor = tt.ctor
			planMaxOrder = 3

			output, err := captureOutput(t, func() error {
				return runPlan(tt.args)
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("runPlan() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tt.json {
				assertJSON(t, output)
			}
			assertContains(t, output, tt.wantContain)
		})
	}
}

func Test_Plan_JSONRows(t *testing.T) {
	resetGlobals()
	jsonOut = true
	planAlign, planDebug, planCPUs, planCtor, planMaxOrder = 8, "", 2, false, 3

	output, err := captureOutput(t, func() error {
		return runPlan([]string{"16", "2048"})
	})
	if err != nil {
		t.Fatalf("runPlan() error = %v", err)
	}
	var rows []PlanRow
	if err := json.Unmarshal([]byte(output), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Order != 0 || rows[0].Objects != 254 {
		t.Errorf("size 16: order %d objects %d, want 0 and 254", rows[0].Order, rows[0].Objects)
	}
	if rows[1].Order != 3 || rows[1].Objects != 15 {
		t.Errorf("size 2048: order %d objects %d, want 3 and 15", rows[1].Order, rows[1].Objects)
	}
	for _, r := range rows {
		if r.Objects*r.Stride > 4096<<r.Order {
			t.Errorf("size %d: %d objects of %d bytes overflow order %d", r.Size, r.Objects, r.Stride, r.Order)
		}
	}
}
