package sync

import "time"

// SetClock replaces the coordinator's time source.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}
