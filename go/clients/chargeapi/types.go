package chargeapi

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Outcome tags a normalized booking response
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeBusy    Outcome = "busy"
	OutcomeFailure Outcome = "failure"
)

// EntryStatus selects between a confirmed slot and a queued entry
type EntryStatus string

const (
	StatusBooking EntryStatus = "booking"
	StatusWaiting EntryStatus = "waiting"
)

// BookingResult is the one shape createBooking responses are reduced to
type BookingResult struct {
	Outcome  Outcome     `json:"outcome"`
	Status   EntryStatus `json:"status,omitempty"`
	ActionID string      `json:"action_id,omitempty"`
	Rank     *int        `json:"rank,omitempty"`
	EndTime  string      `json:"end_time,omitempty"`
	Reason   string      `json:"reason,omitempty"`
}

// Queued reports whether the entry went to the waitlist
func (r BookingResult) Queued() bool {
	return r.Outcome == OutcomeSuccess && r.Status == StatusWaiting
}

// WaitlistEntry is one row of the user's waitlist
type WaitlistEntry struct {
	ID     string `json:"id"`
	PostID string `json:"post_id"`
	UserID string `json:"user_id,omitempty"`
	Rank   int    `json:"rank,omitempty"`
}

// WaitlistResult distinguishes a pending fetch from a confirmed empty list.
// Loaded is false when the request failed or the API answered null.
type WaitlistResult struct {
	Loaded  bool
	Entries []WaitlistEntry
}

// Empty reports a confirmed empty waitlist
func (r WaitlistResult) Empty() bool {
	return r.Loaded && len(r.Entries) == 0
}

// Session is the authoritative charging session state
type Session struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	PostID    string     `json:"post_id,omitempty"`
	Status    string     `json:"status"`
	EnergyKWh float64    `json:"energy_kwh"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Completed reports whether the backend considers the session finished
func (s Session) Completed() bool {
	switch strings.ToLower(s.Status) {
	case "completed", "complete", "finished", "done":
		return true
	}
	return s.EndedAt != nil
}

// flexString accepts a JSON string or number
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexInt accepts a JSON number or numeric string; anything else is absent
type flexInt struct {
	value int
	valid bool
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(data); err != nil {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(s)), 64)
	if err != nil {
		*f = flexInt{}
		return nil
	}
	*f = flexInt{value: int(v), valid: true}
	return nil
}

func (f flexInt) ptr() *int {
	if !f.valid || f.value <= 0 {
		return nil
	}
	v := f.value
	return &v
}

// flexFloat is flexInt for energy values
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(data); err != nil {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(s)), 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexFloat(v)
	return nil
}
