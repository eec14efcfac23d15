// Package override provides the pre-clean override stack for Purifier Core.
//
// A pre-clean override forces a purifier into a chosen mode for a fixed
// duration, for example running at full speed before guests arrive.
// Overrides trump the scheduler: while any override is active, schedule
// window starts are blocked by the coordination policy. The one exception
// is a schedule window END, which always applies; the arbiter cancels the
// whole stack (CancelAll) and turns the device off.
//
// # The Stack
//
// Overrides nest LIFO. Each override captures an immutable snapshot of
// the device when it started, and ending an override restores the next
// layer down:
//
//	snapshot ← override A ← override B (top)
//
// B ending restores A's target. A then ending restores the schedule's
// current wish, or the original snapshot when no window is open.
//
// # Durability
//
// Overrides persist their scheduled end time, so a restart does not lose
// them: Rearm() re-arms timers for pending overrides and completes any
// that expired while the service was down, restoring through the normal
// path.
package override
