// Command mergerfs unions multiple filesystem branches behind a single
// FUSE mount point, picking which branch backs each operation via a
// configurable policy per spec.md's CREATE/ACTION/SEARCH categories.
//
// The request router lives in internal/router; branch selection in
// internal/policy; the node table and path-lock scheduler that keep
// concurrent operations consistent across branches live in
// internal/nodetable and internal/pathlock. See cmd/mergerfs for the
// entrypoint that wires them together.
package lib
