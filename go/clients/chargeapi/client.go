package chargeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"github.com/evcharge/queuesync/go/clients"
)

// Client talks to the booking, waitlist and session REST API
type Client struct {
	*clients.BaseClient
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	client := &Client{
		BaseClient: clients.NewBaseClient(baseURL),
	}
	if token != "" {
		client.SetHeader(AuthorizationHeader, "Bearer "+token)
	}
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return client
}

type createBookingRequest struct {
	UserID string `json:"userId"`
	PostID string `json:"postId"`
	CarID  string `json:"carId,omitempty"`
}

// CreateBooking books postID or joins its waitlist. API-level rejections come
// back as Busy/Failure results; only transport failures return an error.
func (c *Client) CreateBooking(ctx context.Context, userID, postID, carID string) (BookingResult, error) {
	payload, err := json.Marshal(createBookingRequest{UserID: userID, PostID: postID, CarID: carID})
	if err != nil {
		return BookingResult{}, errors.Wrap(err, "marshal booking request")
	}

	body, err := c.Post(ctx, BookingsEndpoint, bytes.NewReader(payload))
	code := http.StatusOK
	if err != nil {
		code = statusCode(err)
		if code == 0 {
			return BookingResult{Outcome: OutcomeFailure, Reason: "booking service unreachable"}, classify(err, "create booking")
		}
	}

	res := NormalizeBooking(code, body)
	log.Debug().
		Str("post_id", postID).
		Str("outcome", string(res.Outcome)).
		Str("status", string(res.Status)).
		Str("action_id", res.ActionID).
		Msg("booking response normalized")
	return res, nil
}

// CancelBooking cancels a confirmed booking
func (c *Client) CancelBooking(ctx context.Context, id string) error {
	_, err := c.Delete(ctx, BookingsEndpoint+"/"+url.PathEscape(id))
	return classify(err, "cancel booking "+id)
}

// CancelWaitlist removes a waitlist entry
func (c *Client) CancelWaitlist(ctx context.Context, id string) error {
	_, err := c.Delete(ctx, WaitingListEndpoint+"/"+url.PathEscape(id))
	return classify(err, "cancel waitlist entry "+id)
}

type waitlistRow struct {
	ID            flexString `json:"id"`
	IDWaitingList flexString `json:"idWaitingList"`
	PostID        flexString `json:"postId"`
	UserID        flexString `json:"userId"`
	Rank          flexInt    `json:"rank"`
}

// WaitingListByUser fetches the user's waitlist. A failed request or a
// null answer yields an unloaded result together with the error, if any.
func (c *Client) WaitingListByUser(ctx context.Context, userID string) (WaitlistResult, error) {
	body, err := c.Get(ctx, WaitingListUserEndpoint+"/"+url.PathEscape(userID))
	if err != nil {
		return WaitlistResult{}, classify(err, "fetch waiting list")
	}

	rows, ok, err := decodeWaitlist(bytes.TrimSpace(body))
	if err != nil {
		return WaitlistResult{}, errors.Wrap(err, "decode waiting list")
	}
	if !ok {
		return WaitlistResult{}, nil
	}

	entries := make([]WaitlistEntry, 0, len(rows))
	for _, r := range rows {
		id := string(r.IDWaitingList)
		if id == "" {
			id = string(r.ID)
		}
		entries = append(entries, WaitlistEntry{
			ID:     id,
			PostID: string(r.PostID),
			UserID: string(r.UserID),
			Rank:   r.Rank.value,
		})
	}
	return WaitlistResult{Loaded: true, Entries: entries}, nil
}

// decodeWaitlist accepts a bare array or one nested under "data"; ok is
// false for null
func decodeWaitlist(body []byte) ([]waitlistRow, bool, error) {
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, false, nil
	}
	if body[0] == '{' {
		var wrapped struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, false, err
		}
		return decodeWaitlist(bytes.TrimSpace(wrapped.Data))
	}

	var rows []waitlistRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, false, err
	}
	return rows, true, nil
}

type sessionPayload struct {
	ID        flexString      `json:"id"`
	UserID    flexString      `json:"userId"`
	PostID    flexString      `json:"postId"`
	Status    flexString      `json:"status"`
	Energy    flexFloat       `json:"chargedEnergy_kWh"`
	StartedAt *time.Time      `json:"startedAt"`
	EndedAt   *time.Time      `json:"endedAt"`
	Data      json.RawMessage `json:"data"`
}

// GetSession fetches the authoritative state of a charging session
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	body, err := c.Get(ctx, SessionsEndpoint+"/"+url.PathEscape(id))
	if err != nil {
		return Session{}, classify(err, "fetch session "+id)
	}

	var p sessionPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Session{}, errors.Wrap(err, "decode session")
	}
	if data := bytes.TrimSpace(p.Data); len(data) > 0 && data[0] == '{' && p.ID == "" {
		p = sessionPayload{}
		if err := json.Unmarshal(data, &p); err != nil {
			return Session{}, errors.Wrap(err, "decode session")
		}
	}

	s := Session{
		ID:        string(p.ID),
		OwnerID:   string(p.UserID),
		PostID:    string(p.PostID),
		Status:    string(p.Status),
		EnergyKWh: float64(p.Energy),
		StartedAt: p.StartedAt,
		EndedAt:   p.EndedAt,
	}
	if s.ID == "" {
		s.ID = id
	}
	return s, nil
}

type finishRequest struct {
	TotalEnergyKWh float64 `json:"totalEnergy_kWh"`
}

// FinishSession finalizes a session with the given total energy
func (c *Client) FinishSession(ctx context.Context, id string, totalEnergyKWh float64) error {
	payload, err := json.Marshal(finishRequest{TotalEnergyKWh: totalEnergyKWh})
	if err != nil {
		return errors.Wrap(err, "marshal finish request")
	}
	_, err = c.Post(ctx, SessionsEndpoint+"/"+url.PathEscape(id)+"/finish", bytes.NewReader(payload))
	return classify(err, "finish session "+id)
}
