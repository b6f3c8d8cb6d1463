package batch

import "time"

// LaneStatus is a lane's state.
type LaneStatus string

const (
	LaneIdle     LaneStatus = "idle"
	LaneBusy     LaneStatus = "busy"
	LaneCooldown LaneStatus = "cooldown"
)

// Lane is one concurrent execution slot.
type Lane struct {
	ID             int        `json:"id"`
	Status         LaneStatus `json:"status"`
	CurrentJobID   string     `json:"current_job_id,omitempty"`
	CooldownEndsAt time.Time  `json:"cooldown_ends_at,omitzero"`
	// ErrorCount counts failures since the lane's last success. It never
	// disables the lane.
	ErrorCount int `json:"error_count"`
}

func newLanes(n int) []*Lane {
	lanes := make([]*Lane, n)
	for i := range lanes {
		lanes[i] = &Lane{ID: i + 1, Status: LaneIdle}
	}
	return lanes
}

func (l *Lane) assign(jobID string) {
	l.Status = LaneBusy
	l.CurrentJobID = jobID
}

func (l *Lane) release(success bool) {
	l.Status = LaneIdle
	l.CurrentJobID = ""
	if success {
		l.ErrorCount = 0
	} else {
		l.ErrorCount++
	}
}

func (l *Lane) coolDown(until time.Time) {
	l.Status = LaneCooldown
	l.CurrentJobID = ""
	l.CooldownEndsAt = until
	l.ErrorCount++
}

func (l *Lane) wake(now time.Time) bool {
	if l.Status != LaneCooldown || now.Before(l.CooldownEndsAt) {
		return false
	}
	l.Status = LaneIdle
	l.CooldownEndsAt = time.Time{}
	return true
}
