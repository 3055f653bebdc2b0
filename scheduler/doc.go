// Package scheduler implements a fair-share task scheduler for a fleet of
// sandboxed in-process computers. It dispatches bursts of per-computer work
// onto a bounded worker pool using CFS-style virtual-runtime accounting, and
// it protects the pool from a stuck or malicious computer with a three-level
// pre-emption ladder: cooperative soft-abort, hard-abort, and worker
// replacement.
package scheduler
