// Package types defines the public diagnostic types reported by slab caches.
//
// Debug caches collect every consistency violation they detect (overwritten
// red zones, broken poison, corrupt free pointers, count mismatches) into a
// Report. A Report can be rendered as JSON, as a full text report with
// locale-aware number formatting, or as one line per issue.
//
// This package depends only on golang.org/x/text for formatting.
package types
