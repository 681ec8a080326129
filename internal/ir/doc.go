// Package ir provides the shared vocabulary of the arcsim runtime.
//
// This package contains value and identity types only. All other internal
// packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types anywhere - captured scalars use int64 for numbers
//   - Node handles are plain integers, never Go pointers, so that the heap
//     arena owns every object's lifetime explicitly
//   - All JSON tags use snake_case
//   - Logical clocks (seq) only, never wall-clock timestamps
package ir
