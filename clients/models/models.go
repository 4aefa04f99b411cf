package models

import (
	"errors"
	"net/netip"
	"time"
)

// ErrSubscriptionNotFound is returned by every subscription store when the
// client has no record.
var ErrSubscriptionNotFound = errors.New("subscription not found")

const DateLayout = "2006-01-02"

// PeerProfile is one provisioned WireGuard client.
type PeerProfile struct {
	ClientID        int64      `json:"client_id"`
	Address         netip.Addr `json:"address"`
	PrivateKey      string     `json:"private_key,omitempty"`
	PublicKey       string     `json:"public_key"`
	ServerPublicKey string     `json:"server_public_key,omitempty"`
	ServerEndpoint  string     `json:"server_endpoint,omitempty"`
	DNS             string     `json:"dns,omitempty"`
}

// Subscription is the billing record of one telegram user. An empty
// PublicKey or PrivateIP stands for NULL.
type Subscription struct {
	ClientID  int64      `json:"client_id"`
	Username  string     `json:"username,omitempty"`
	Lang      string     `json:"lang"`
	DueDate   *time.Time `json:"due_date,omitempty"`
	PublicKey string     `json:"public_key,omitempty"`
	PrivateIP string     `json:"private_ip,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Eligible reports whether the expiry sweep should look at this record.
func (s Subscription) Eligible() bool {
	return s.DueDate != nil && s.PublicKey != ""
}

// DaysLeft counts whole calendar days from today to the due date.
// Negative once the date has passed.
func (s Subscription) DaysLeft(today time.Time) int {
	if s.DueDate == nil {
		return 0
	}
	return DaysBetween(today, *s.DueDate)
}

func (s Subscription) Active(today time.Time) bool {
	return s.DueDate != nil && s.DaysLeft(today) > 0
}

// Day drops the time of day and the zone, keeping the calendar date as
// seen in t's own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func DaysBetween(from, to time.Time) int {
	return int(Day(to).Sub(Day(from)).Hours() / 24)
}

func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}
