package redpocket

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Unlimited is the balance value the API reports as "Unlimited"
const Unlimited = -1

// CycleDays is the length of one RedPocket billing cycle
const CycleDays = 30

// dateLayout is the API date format (MM/DD/YYYY)
const dateLayout = "01/02/2006"

// Line is a billed phone number under the account
type Line struct {
	AccountID   int       `json:"accountId"`
	Number      string    `json:"number"`
	Hash        string    `json:"hash"`
	ProductCode string    `json:"productCode"`
	Status      string    `json:"status"`
	Plan        string    `json:"plan"`
	Expiration  time.Time `json:"expiration"`

	client *Client
}

// GetDetails fetches the current details snapshot for the line
func (l Line) GetDetails(ctx context.Context) (*LineDetails, error) {
	if l.client == nil {
		return nil, &Error{Op: "get details", Err: fmt.Errorf("line %s is not bound to a session", l.Number)}
	}
	return l.client.GetLineDetails(ctx, l.Hash)
}

func (l Line) String() string {
	return fmt.Sprintf("Line{Number: %s, AccountID: %d, Status: %q, Plan: %q}", l.Number, l.AccountID, l.Status, l.Plan)
}

// LineDetails is a point-in-time read of a line's balances and cycle counters
type LineDetails struct {
	AccountID        int       `json:"accountId"`
	Number           string    `json:"number"`
	Hash             string    `json:"hash"`
	ProductCode      string    `json:"productCode"`
	Status           string    `json:"status"`
	PlanID           string    `json:"planId"`
	PlanCode         string    `json:"planCode"`
	Expiration       time.Time `json:"expiration"`
	LastAutoRenew    time.Time `json:"lastAutoRenew"`
	LastExpiration   time.Time `json:"lastExpiration"`
	MainBalance      int       `json:"mainBalance"`
	VoiceBalance     int       `json:"voiceBalance"`
	MessagingBalance int       `json:"messagingBalance"`
	DataBalance      int       `json:"dataBalance"`
}

// CycleEnd returns the date the current billing cycle renews.
// Zero time if the API reported no dates.
func (d *LineDetails) CycleEnd(now time.Time) time.Time {
	today := dateOnly(now)

	var end time.Time
	if !d.LastAutoRenew.IsZero() {
		end = dateOnly(d.LastAutoRenew).AddDate(0, 0, CycleDays)
		for end.Before(today) {
			end = end.AddDate(0, 0, CycleDays)
		}
	}

	if !d.Expiration.IsZero() {
		exp := dateOnly(d.Expiration)
		if end.IsZero() || exp.Before(end) {
			end = exp
		}
	}
	return end
}

// RemainingDaysInCycle returns days until the current cycle renews, or -1 if unknown
func (d *LineDetails) RemainingDaysInCycle(now time.Time) int {
	end := d.CycleEnd(now)
	if end.IsZero() {
		return Unlimited
	}
	days := daysBetween(dateOnly(now), end)
	if days < 0 {
		return 0
	}
	return days
}

// RemainingMonthsPurchased returns full cycles paid beyond the current one, or -1 if unknown
func (d *LineDetails) RemainingMonthsPurchased(now time.Time) int {
	if d.Expiration.IsZero() {
		return Unlimited
	}
	end := d.CycleEnd(now)
	months := daysBetween(end, dateOnly(d.Expiration)) / CycleDays
	if months < 0 {
		return 0
	}
	return months
}

// API payloads

type apiLine struct {
	AccountID   flexInt     `json:"accountID"`
	Hash        string      `json:"hash"`
	MDN         json.Number `json:"mdn"`
	ProductCode string      `json:"productCode"`
	Status      string      `json:"status"`
	Plan        string      `json:"plan"`
	Expiration  string      `json:"expiration"`
}

func (a apiLine) toLine() (Line, error) {
	exp, err := parseDate(a.Expiration)
	if err != nil {
		return Line{}, fmt.Errorf("line %s: %w", a.MDN, err)
	}
	return Line{
		AccountID:   int(a.AccountID),
		Number:      a.MDN.String(),
		Hash:        a.Hash,
		ProductCode: a.ProductCode,
		Status:      a.Status,
		Plan:        a.Plan,
		Expiration:  exp,
	}, nil
}

type apiLineDetails struct {
	AccountID        flexInt     `json:"aid"`
	MDN              json.Number `json:"mdn"`
	ProductCode      string      `json:"productCode"`
	Status           string      `json:"status"`
	PlanID           flexString  `json:"planID"`
	PlanCode         string      `json:"planCode"`
	Expiration       string      `json:"expiration"`
	LastAutoRenew    string      `json:"last_autorenew"`
	LastExpiration   string      `json:"last_expiration"`
	MainBalance      flexInt     `json:"main_balance"`
	VoiceBalance     flexInt     `json:"voice_balance"`
	MessagingBalance flexInt     `json:"messaging_balance"`
	DataBalance      flexInt     `json:"data_balance"`
}

func (a apiLineDetails) toDetails() (*LineDetails, error) {
	exp, err := parseDate(a.Expiration)
	if err != nil {
		return nil, err
	}
	renew, err := parseDate(a.LastAutoRenew)
	if err != nil {
		return nil, err
	}
	lastExp, err := parseDate(a.LastExpiration)
	if err != nil {
		return nil, err
	}

	return &LineDetails{
		AccountID:        int(a.AccountID),
		Number:           a.MDN.String(),
		ProductCode:      a.ProductCode,
		Status:           a.Status,
		PlanID:           string(a.PlanID),
		PlanCode:         a.PlanCode,
		Expiration:       exp,
		LastAutoRenew:    renew,
		LastExpiration:   lastExp,
		MainBalance:      int(a.MainBalance),
		VoiceBalance:     int(a.VoiceBalance),
		MessagingBalance: int(a.MessagingBalance),
		DataBalance:      int(a.DataBalance),
	}, nil
}

// flexInt decodes a number that may arrive as a JSON number or string.
// "Unlimited" decodes to Unlimited.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case nil:
		*f = 0
	case float64:
		*f = flexInt(math.Round(val))
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(val, ",", ""))
		if s == "" {
			*f = 0
			return nil
		}
		if strings.EqualFold(s, "unlimited") {
			*f = Unlimited
			return nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("cannot parse %q as number: %w", val, err)
		}
		*f = flexInt(math.Round(parsed))
	default:
		return fmt.Errorf("unexpected type %T for number", v)
	}
	return nil
}

// flexString decodes a JSON string or number into a string
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case nil:
		*f = ""
	case string:
		*f = flexString(val)
	case float64:
		*f = flexString(strconv.FormatFloat(val, 'f', -1, 64))
	default:
		return fmt.Errorf("unexpected type %T for string", v)
	}
	return nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysBetween(from, to time.Time) int {
	return int(math.Round(to.Sub(from).Hours() / 24))
}
