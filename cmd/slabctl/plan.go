package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joshuapare/slabkit/slab"
	"github.com/joshuapare/slabkit/slab/page"
	"github.com/joshuapare/slabkit/slab/planner"
)

var (
	planAlign    int
	planDebug    string
	planCPUs     int
	planCtor     bool
	planMaxOrder int
)

func init() {
	cmd := newPlanCmd()
	cmd.Flags().IntVar(&planAlign, "align", 0, "Required object alignment (0 = pointer size)")
	cmd.Flags().StringVar(&planDebug, "debug", "", "Debug option letters (F, Z, P, U, T)")
	cmd.Flags().IntVar(&planCPUs, "cpus", 1, "CPU count feeding the minimum objects per slab")
	cmd.Flags().BoolVar(&planCtor, "ctor", false, "Plan for a cache with a constructor")
	cmd.Flags().IntVar(&planMaxOrder, "max-order", planner.DefaultMaxOrder, "Highest order for the waste search")
	rootCmd.AddCommand(cmd)
}

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <size>...",
		Short: "Show the slab layout chosen for object sizes",
		Long: `The plan command prints the layout the size-class planner computes for
each object size: stride, free pointer offset, red zone and track offsets,
slab order, objects per slab and wasted bytes.

Example:
  slabctl plan 16 64 4096
  slabctl plan 64 --debug FZPU
  slabctl plan 192 --cpus 64 --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(args)
		},
	}
	return cmd
}

// PlanRow is one planned layout.
type PlanRow struct {
	Size           int  `json:"size"`
	Stride         int  `json:"stride"`
	Align          int  `json:"align"`
	Offset         int  `json:"freeptr_offset"`
	FreeptrOutside bool `json:"freeptr_outside"`
	Inuse          int  `json:"inuse"`
	RedLeftPad     int  `json:"red_left_pad"`
	TrackOff       int  `json:"track_offset"`
	Order          int  `json:"order"`
	MinOrder       int  `json:"min_order"`
	Objects        int  `json:"objects"`
	Fraction       int  `json:"fraction"`
	Waste          int  `json:"waste"`
}

func runPlan(args []string) error {
	cfg, err := slab.ParseDebug(planDebug)
	if err != nil {
		return err
	}
	flags := cfg.Apply("plan", 0)

	rows := make([]PlanRow, 0, len(args))
	for _, arg := range args {
		size, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", arg, err)
		}
		printVerbose("Planning size %d with flags %s\n", size, flags)
		l, err := planner.Plan(planner.Request{
			ObjectSize:   size,
			Align:        planAlign,
			RedZone:      flags&slab.FlagRedZone != 0,
			Poison:       flags&slab.FlagPoison != 0,
			StoreUser:    flags&slab.FlagStoreUser != 0,
			HasCtor:      planCtor,
			PageSize:     page.PageSize,
			CPUs:         planCPUs,
			MaxOrder:     planMaxOrder,
			HardMaxOrder: page.MaxOrder,
		})
		if err != nil {
			return fmt.Errorf("size %d: %w", size, err)
		}
		rows = append(rows, PlanRow{
			Size:           l.ObjectSize,
			Stride:         l.Stride,
			Align:          l.Align,
			Offset:         l.Offset,
			FreeptrOutside: l.FreeptrOutside(),
			Inuse:          l.Inuse,
			RedLeftPad:     l.RedLeftPad,
			TrackOff:       l.TrackOff,
			Order:          l.Order,
			MinOrder:       l.MinOrder,
			Objects:        l.Objects,
			Fraction:       l.Fraction,
			Waste:          l.Waste(),
		})
	}

	if jsonOut {
		return printJSON(rows)
	}

	p := printer()
	table := make([][]string, 0, len(rows))
	for _, r := range rows {
		fp := p.Sprintf("%d", r.Offset)
		if r.FreeptrOutside {
			fp += " (outside)"
		}
		table = append(table, []string{
			p.Sprintf("%d", r.Size),
			p.Sprintf("%d", r.Stride),
			fp,
			p.Sprintf("%d", r.Order),
			p.Sprintf("%d", r.Objects),
			p.Sprintf("%d", r.Waste),
			p.Sprintf("%d", r.MinOrder),
		})
	}
	printInfo("Slab layout (flags %s, %d cpus)\n", flags, planCPUs)
	printInfo("%s\n", renderTable(
		[]string{"Size", "Stride", "Free ptr", "Order", "Objects", "Waste", "Min order"},
		table, 0, 1, 3, 4, 5, 6))
	return nil
}
