package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Progress is one charging-progress payload of the session telemetry feed
type Progress struct {
	ChargedEnergyKWh Number `json:"chargedEnergy_kWh"`
	ElapsedSeconds   Number `json:"elapsedSeconds"`
	Pin              Number `json:"pin"`
	TargetPin        Number `json:"targetPin"`
	SecondRemaining  Number `json:"secondRemaining"`
	MaxSeconds       Number `json:"maxSeconds"`
}

// Number accepts a JSON number or a numeric string; the feed sends both
type Number struct {
	Value float64
	Valid bool
}

func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = Number{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = Number{}
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", s, err)
		}
		*n = Number{Value: v, Valid: true}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*n = Number{Value: v, Valid: true}
	return nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// ParseProgress decodes a raw payload
func ParseProgress(raw string) (Progress, error) {
	var p Progress
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Progress{}, fmt.Errorf("parse progress: %w", err)
	}
	return p, nil
}

// Energy extracts the charged energy from a raw payload
func Energy(raw string) (float64, bool) {
	p, err := ParseProgress(raw)
	if err != nil || !p.ChargedEnergyKWh.Valid {
		return 0, false
	}
	return p.ChargedEnergyKWh.Value, true
}
