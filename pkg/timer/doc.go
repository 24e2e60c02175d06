// Package timer schedules one-shot notifications.
//
// A Scheduler owns a single worker goroutine. Callers submit a delay and get a
// *pulse.Receiver back immediately; the worker keeps pending timers in a
// min-heap and pulses each receiver once its deadline has passed.
//
// Each worker iteration:
//   - drains every queued request into the heap (deadline = now + delay)
//   - fires every event whose deadline is at or before now
//   - sleeps for an interval chosen by the WakePolicy, or until a new request arrives
//
// No timer fires before its deadline. The WakePolicy only trades extra
// wakeups for lower lateness.
//
// The package-level Oneshot uses a lazily started process-wide Scheduler and
// treats an unreachable worker as fatal.
package timer
