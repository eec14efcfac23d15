// Package schedule provides recurring run windows and their arbitration
// for Purifier Core.
//
// A schedule says: on these days, between start and end (local wall-clock
// in the site timezone), run the purifier at this speed. Windows overlap
// freely; whenever a boundary fires the arbiter recomputes which windows
// are open and the highest target speed wins. Equal speeds tie-break to
// the earliest-created schedule so the outcome is stable.
//
// # Coordination with Overrides
//
//   - Window START yields to overrides. If any override is active the
//     start is recorded blocked_by_override and no command is sent; the
//     override's own restore path picks the schedule up later.
//   - Window END always applies. Active overrides are cancelled outright
//     (no restores) and the device turns off, or hands over to whichever
//     window is still open.
//
// # Execution History
//
// Every boundary decision appends a schedule_runs row: what fired
// (window_start, window_end, removed), what happened (dispatched,
// blocked, blocked_by_override, failed), and why. Schedules describe
// intent; the history records reality.
package schedule
