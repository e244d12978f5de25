package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Severity classifies how serious a diagnostic issue is.
type Severity int

const (
	SevInfo     Severity = iota // Informational (unusual but valid)
	SevWarning                  // Recoverable, no object affected
	SevError                    // Object or slab damaged and repaired
	SevCritical                 // Allocator metadata corrupted
)

func (s Severity) String() string {
	switch s {
	case SevInfo:
		return "INFO"
	case SevWarning:
		return "WARNING"
	case SevError:
		return "ERROR"
	case SevCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the type of issue found.
type Category int

const (
	CatRedzone  Category = iota // Guard bytes around an object overwritten
	CatPoison                   // Free object payload modified
	CatPadding                  // Slab tail padding modified
	CatFreelist                 // Free pointer out of range or chain broken
	CatCounts                   // In-use or object counts inconsistent
	CatPointer                  // Invalid, foreign, or already free pointer
	CatMemory                   // Page provider exhaustion
)

func (c Category) String() string {
	switch c {
	case CatRedzone:
		return "REDZONE"
	case CatPoison:
		return "POISON"
	case CatPadding:
		return "PADDING"
	case CatFreelist:
		return "FREELIST"
	case CatCounts:
		return "COUNTS"
	case CatPointer:
		return "POINTER"
	case CatMemory:
		return "MEMORY"
	default:
		return "UNKNOWN"
	}
}

// Diagnostic represents a single issue found in a cache.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Category Category `json:"category"`

	// Location
	Cache  string `json:"cache"`
	Slab   uint64 `json:"slab,omitempty"`   // Slab block address
	Object uint64 `json:"object,omitempty"` // Object address
	Offset int    `json:"offset,omitempty"` // First bad byte relative to Object (or Slab)

	Issue    string `json:"issue"`
	Expected any    `json:"expected,omitempty"`
	Actual   any    `json:"actual,omitempty"`

	// Repair describes what the allocator did about it.
	Repair string `json:"repair,omitempty"`
}

// Summary provides quick statistics.
type Summary struct {
	Critical int `json:"critical"`
	Errors   int `json:"errors"`
	Warnings int `json:"warnings"`
	Info     int `json:"info"`
	Repaired int `json:"repaired"`
}

// Report collects diagnostics. It is not safe for concurrent use; caches
// guard their report and hand out clones.
type Report struct {
	Diagnostics []Diagnostic       `json:"diagnostics"`
	Summary     Summary            `json:"summary"`
	ByCategory  map[Category][]int `json:"-"`
	ByCache     map[string][]int   `json:"-"`
}

// NewReport creates an empty report.
func NewReport() *Report {
	return &Report{
		ByCategory: make(map[Category][]int),
		ByCache:    make(map[string][]int),
	}
}

// Add appends d and updates the summary and indices.
func (r *Report) Add(d Diagnostic) {
	if r.ByCategory == nil {
		r.ByCategory = make(map[Category][]int)
	}
	if r.ByCache == nil {
		r.ByCache = make(map[string][]int)
	}
	idx := len(r.Diagnostics)
	r.Diagnostics = append(r.Diagnostics, d)

	switch d.Severity {
	case SevCritical:
		r.Summary.Critical++
	case SevError:
		r.Summary.Errors++
	case SevWarning:
		r.Summary.Warnings++
	case SevInfo:
		r.Summary.Info++
	}
	if d.Repair != "" {
		r.Summary.Repaired++
	}

	r.ByCategory[d.Category] = append(r.ByCategory[d.Category], idx)
	r.ByCache[d.Cache] = append(r.ByCache[d.Cache], idx)
}

// Merge adds every diagnostic of other.
func (r *Report) Merge(other *Report) {
	if other == nil {
		return
	}
	for _, d := range other.Diagnostics {
		r.Add(d)
	}
}

// Clone returns a deep copy of r.
func (r *Report) Clone() *Report {
	c := NewReport()
	if r != nil {
		c.Merge(r)
	}
	return c
}

// Len returns the number of diagnostics.
func (r *Report) Len() int { return len(r.Diagnostics) }

// HasErrors returns true if any errors or critical issues were found.
func (r *Report) HasErrors() bool {
	return r.Summary.Critical > 0 || r.Summary.Errors > 0
}

// Category returns the diagnostics of one category in insertion order.
func (r *Report) Category(c Category) []Diagnostic {
	idx := r.ByCategory[c]
	out := make([]Diagnostic, len(idx))
	for i, j := range idx {
		out[i] = r.Diagnostics[j]
	}
	return out
}

// sortedByAddress returns the diagnostics ordered by object (or slab) address.
func (r *Report) sortedByAddress() []Diagnostic {
	out := make([]Diagnostic, len(r.Diagnostics))
	copy(out, r.Diagnostics)
	sort.SliceStable(out, func(i, j int) bool {
		return addrOf(out[i]) < addrOf(out[j])
	})
	return out
}

func addrOf(d Diagnostic) uint64 {
	if d.Object != 0 {
		return d.Object
	}
	return d.Slab
}

// -----------------------------------------------------------------------------
// Output Formatters
// -----------------------------------------------------------------------------

// FormatJSON returns the report as formatted JSON (2-space indentation).
func (r *Report) FormatJSON() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FormatText returns a human-readable report. Counts are formatted for tag
// (language.Und uses English).
func (r *Report) FormatText(tag language.Tag) string {
	if tag == language.Und {
		tag = language.English
	}
	p := message.NewPrinter(tag)
	var b strings.Builder

	b.WriteString(strings.Repeat("=", 79) + "\n")
	b.WriteString("Slab Cache Diagnostic Report\n")
	b.WriteString(strings.Repeat("=", 79) + "\n\n")

	b.WriteString("SUMMARY\n")
	b.WriteString(strings.Repeat("-", 79) + "\n")
	b.WriteString(p.Sprintf("  Critical: %d\n", r.Summary.Critical))
	b.WriteString(p.Sprintf("  Errors:   %d\n", r.Summary.Errors))
	b.WriteString(p.Sprintf("  Warnings: %d\n", r.Summary.Warnings))
	b.WriteString(p.Sprintf("  Info:     %d\n", r.Summary.Info))
	b.WriteString(p.Sprintf("  Repaired: %d\n\n", r.Summary.Repaired))

	if len(r.Diagnostics) == 0 {
		b.WriteString("No issues found.\n")
		return b.String()
	}

	b.WriteString("DIAGNOSTICS\n")
	b.WriteString(strings.Repeat("-", 79) + "\n")

	for _, sev := range []Severity{SevCritical, SevError, SevWarning, SevInfo} {
		var diags []Diagnostic
		for _, d := range r.Diagnostics {
			if d.Severity == sev {
				diags = append(diags, d)
			}
		}
		if len(diags) == 0 {
			continue
		}

		b.WriteString(p.Sprintf("\n%s (%d)\n", sev, len(diags)))
		b.WriteString(strings.Repeat("~", 79) + "\n")
		for i, d := range diags {
			b.WriteString(fmt.Sprintf("\n%d. [%s/%s] %s\n", i+1, d.Cache, d.Category, location(d)))
			b.WriteString(fmt.Sprintf("   %s\n", d.Issue))
			if d.Expected != nil {
				b.WriteString(fmt.Sprintf("   Expected: %v\n", d.Expected))
			}
			if d.Actual != nil {
				b.WriteString(fmt.Sprintf("   Actual:   %v\n", d.Actual))
			}
			if d.Repair != "" {
				b.WriteString(fmt.Sprintf("   Repair:   %s\n", d.Repair))
			}
		}
	}
	return b.String()
}

// FormatTextCompact returns one line per issue ordered by address.
func (r *Report) FormatTextCompact() string {
	if len(r.Diagnostics) == 0 {
		return "No issues found.\n"
	}
	var b strings.Builder
	for _, d := range r.sortedByAddress() {
		b.WriteString(fmt.Sprintf("0x%010X [%s/%s/%s] %s\n",
			addrOf(d), d.Severity, d.Cache, d.Category, d.Issue))
	}
	return b.String()
}

func location(d Diagnostic) string {
	switch {
	case d.Object != 0 && d.Offset != 0:
		return fmt.Sprintf("object 0x%X+%d (slab 0x%X)", d.Object, d.Offset, d.Slab)
	case d.Object != 0:
		return fmt.Sprintf("object 0x%X (slab 0x%X)", d.Object, d.Slab)
	case d.Slab != 0:
		return fmt.Sprintf("slab 0x%X", d.Slab)
	default:
		return "cache"
	}
}
