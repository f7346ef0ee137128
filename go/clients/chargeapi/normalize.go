package chargeapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
)

// envelope covers every shape the booking API answers with: bare fields,
// fields under "data", and fields under "data.message". message may also be
// a plain string.
type envelope struct {
	Status   flexString      `json:"status"`
	IDAction flexString      `json:"idAction"`
	ID       flexString      `json:"id"`
	Rank     flexInt         `json:"rank"`
	EndTime  flexString      `json:"endTime"`
	Error    flexString      `json:"error"`
	Message  json.RawMessage `json:"message"`
	Data     json.RawMessage `json:"data"`
}

const maxEnvelopeDepth = 4

// NormalizeBooking reduces a createBooking response to a BookingResult
func NormalizeBooking(statusCode int, body []byte) BookingResult {
	body = bytes.TrimSpace(body)

	if statusCode == http.StatusConflict {
		return BookingResult{Outcome: OutcomeBusy, Reason: reasonOf(body, "post is busy")}
	}
	if statusCode < 200 || statusCode >= 300 {
		return BookingResult{Outcome: OutcomeFailure, Reason: reasonOf(body, http.StatusText(statusCode))}
	}

	if res, ok := normalize(body, 0); ok {
		return res
	}
	return BookingResult{Outcome: OutcomeFailure, Reason: reasonOf(body, "unrecognized booking response")}
}

func normalize(raw []byte, depth int) (BookingResult, bool) {
	if depth > maxEnvelopeDepth || len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return BookingResult{}, false
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return BookingResult{}, false
		}
		return fromText(s), true
	case '{':
	default:
		if !json.Valid(raw) {
			return fromText(string(raw)), true
		}
		return BookingResult{}, false
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return BookingResult{}, false
	}

	status := EntryStatus(strings.ToLower(strings.TrimSpace(string(env.Status))))
	actionID := string(env.IDAction)
	if actionID == "" {
		actionID = string(env.ID)
	}
	if (status == StatusBooking || status == StatusWaiting) && actionID != "" {
		return BookingResult{
			Outcome:  OutcomeSuccess,
			Status:   status,
			ActionID: actionID,
			Rank:     env.Rank.ptr(),
			EndTime:  string(env.EndTime),
		}, true
	}
	if status == "busy" {
		return BookingResult{Outcome: OutcomeBusy, Reason: reasonOf(env.Message, "post is busy")}, true
	}

	if res, ok := normalize(env.Data, depth+1); ok {
		return res, true
	}
	if res, ok := normalize(env.Message, depth+1); ok {
		return res, true
	}
	if env.Error != "" {
		return fromText(string(env.Error)), true
	}
	return BookingResult{}, false
}

func fromText(s string) BookingResult {
	s = strings.TrimSpace(s)
	if strings.Contains(strings.ToLower(s), "busy") {
		return BookingResult{Outcome: OutcomeBusy, Reason: s}
	}
	return BookingResult{Outcome: OutcomeFailure, Reason: s}
}

// reasonOf pulls a human readable message out of an error body
func reasonOf(body []byte, fallback string) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return fallback
	}

	var s string
	if json.Unmarshal(body, &s) == nil && s != "" {
		return s
	}

	var env envelope
	if json.Unmarshal(body, &env) == nil {
		if len(env.Message) > 0 {
			if r := reasonOf(env.Message, ""); r != "" {
				return r
			}
		}
		if env.Error != "" {
			return string(env.Error)
		}
		if len(env.Data) > 0 {
			if r := reasonOf(env.Data, ""); r != "" {
				return r
			}
		}
		return fallback
	}

	if !json.Valid(body) {
		return string(body)
	}
	return fallback
}
