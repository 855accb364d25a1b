package protocol

import (
	"fracflow.ai/internal/sim/cascade"
	"fracflow.ai/internal/sim/recorder"
)

// SUBSCRIBE (client -> server). First message on the connection.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// MaxRows caps the avalanche rows carried per BATCH; 0 sends summaries only.
	MaxRows int `json:"max_rows"`
}

const (
	DefaultMaxRows = 0
	LimitMaxRows   = 10000
)

// Normalize clamps MaxRows into [0, LimitMaxRows].
func (s *SubscribeMsg) Normalize() {
	if s.MaxRows < 0 {
		s.MaxRows = DefaultMaxRows
	}
	if s.MaxRows > LimitMaxRows {
		s.MaxRows = LimitMaxRows
	}
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	SessionID       string    `json:"session_id"`
	Run             RunParams `json:"run"`
	// Events is the number of avalanches flushed before the client joined.
	Events int64 `json:"events"`
}

type RunParams struct {
	Iterations int     `json:"iterations"`
	DeltaP     float64 `json:"delta_p"`
	SMin       float64 `json:"s_min"`
	SMax       float64 `json:"s_max"`
	BatchSize  int     `json:"batch_size"`
	Seed       uint64  `json:"seed"`
	Profile    string  `json:"profile"`
}

// BATCH (server -> client). One per flushed batch.
type BatchMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Flush           int     `json:"flush"`
	FirstSeq        int64   `json:"first_seq"`
	LastSeq         int64   `json:"last_seq"`
	Rows            int     `json:"rows"`
	Events          int64   `json:"events"`
	MaxSize         int     `json:"max_size"`
	Energy          float64 `json:"energy"`
	LocalInvasions  int     `json:"local_invasions"`
	Interior        int     `json:"interior"`
	LMax            int     `json:"l_max"`

	Avalanches []AvalancheRow `json:"avalanches,omitempty"`
}

type AvalancheRow struct {
	Seq            int64   `json:"seq"`
	Step           int64   `json:"step"`
	Interior       bool    `json:"interior"`
	Trigger        uint8   `json:"trigger"`
	Slips          int     `json:"slips"`
	Size           int     `json:"size"`
	Energy         float64 `json:"energy"`
	LMax           int     `json:"l_max"`
	OriginDistance int     `json:"origin_distance"`
}

// NewBatch summarizes batch. events is the running total including batch.
func NewBatch(flush int, events int64, batch []recorder.Avalanche) BatchMsg {
	m := BatchMsg{
		Type:            TypeBatch,
		ProtocolVersion: Version,
		Flush:           flush,
		Rows:            len(batch),
		Events:          events,
	}
	if len(batch) == 0 {
		return m
	}
	m.FirstSeq = batch[0].Seq
	m.LastSeq = batch[len(batch)-1].Seq
	for _, a := range batch {
		m.Energy += a.Energy
		if a.Size > m.MaxSize {
			m.MaxSize = a.Size
		}
		if a.Trigger == cascade.LocalInvasion {
			m.LocalInvasions++
		}
		if a.Interior {
			m.Interior++
		}
		if a.LMax > m.LMax {
			m.LMax = a.LMax
		}
	}
	return m
}

// WithRows returns a copy of m carrying at most max rows from the head of batch.
func (m BatchMsg) WithRows(batch []recorder.Avalanche, max int) BatchMsg {
	if max <= 0 {
		m.Avalanches = nil
		return m
	}
	if len(batch) > max {
		batch = batch[:max]
	}
	rows := make([]AvalancheRow, len(batch))
	for i, a := range batch {
		rows[i] = AvalancheRow{
			Seq:            a.Seq,
			Step:           a.Step,
			Interior:       a.Interior,
			Trigger:        uint8(a.Trigger),
			Slips:          a.Slips,
			Size:           a.Size,
			Energy:         a.Energy,
			LMax:           a.LMax,
			OriginDistance: a.OriginDistance,
		}
	}
	m.Avalanches = rows
	return m
}

// DONE (server -> client). Sent once when the run ends.
type DoneMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Events          int64  `json:"events"`
	Steps           int64  `json:"steps"`
	Invaded         int    `json:"invaded"`
	LMax            int    `json:"l_max"`
	ElapsedMs       int64  `json:"elapsed_ms"`
	Code            string `json:"code,omitempty"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}
