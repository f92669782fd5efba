// Package arrays contains the pure helpers the query builder folds over record slices:
// a stable multi-key sort, grouping by field value, selector based min/max and a
// fuzzy text search (sahilm/fuzzy) with optional diacritic folding (golang.org/x/text).
//
// None of the functions modify their input slice.
package arrays
