package timer

import "time"

// Event types published on the eventbus, when one is configured.
const (
	EventFired   = "timer.fired"
	EventStopped = "timer.worker.stopped"
)

// Fired is the payload of EventFired.
type Fired struct {
	Seq       uint64        `json:"seq"`
	Requested time.Duration `json:"requested"`
	Deadline  time.Time     `json:"deadline"`
	FiredAt   time.Time     `json:"fired_at"`
	Lateness  time.Duration `json:"lateness"`
}

// Stopped is the payload of EventStopped.
type Stopped struct {
	Reason    string `json:"reason"`
	Abandoned int    `json:"abandoned"`
}
