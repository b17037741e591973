package registry

import (
	"time"
)

// Status is the coarse lifecycle state published for a session.
type Status string

const (
	StatusStarting Status = "starting"
	StatusWorking  Status = "working"
	StatusFailed   Status = "failed"
	StatusStopped  Status = "stopped"
)

// Record is the registry view of one ingestion session. Node identifies the
// daemon that owns it so several instances can share one Redis.
type Record struct {
	ID            string    `json:"id"`
	Node          string    `json:"node"`
	Resource      string    `json:"resource"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`

	Width         int     `json:"width"`
	Height        int     `json:"height"`
	InputFPS      float64 `json:"input_fps"`
	OutputFPS     float64 `json:"output_fps"`
	Restarts      int64   `json:"restarts"`
	MissedPackets int64   `json:"missed_packets"`
	DropMode      bool    `json:"drop_mode"`
	Error         string  `json:"error,omitempty"`
}

// Stale reports whether the record missed its heartbeat for longer than ttl.
func (r *Record) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.LastHeartbeat) > ttl
}

func (r *Record) clone() *Record {
	c := *r
	return &c
}
