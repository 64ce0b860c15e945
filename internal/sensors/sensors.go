// Package sensors defines the Home Assistant entities exposed for each line.
// A Sensor reads one field off its line coordinator's latest snapshot.
package sensors

import (
	"fmt"
	"time"

	"redpocket2mqtt/internal/coordinator"
	"redpocket2mqtt/internal/redpocket"
)

// StateUnavailable is reported when there is no usable value
const StateUnavailable = "unavailable"

// Attribution is attached to every sensor's attributes
const Attribution = "Data provided by https://www.redpocket.com"

// DefaultIcon is used when a description has none
const DefaultIcon = "mdi:border-none-variant"

// EntityCategoryDiagnostic marks sensors that describe the line rather than usage
const EntityCategoryDiagnostic = "diagnostic"

// Description describes one metric exposed per line
type Description struct {
	Key            string
	IDSuffix       string
	NameFormat     string // receives the line number
	Icon           string
	Unit           string
	StateClass     string
	EntityCategory string
	Value          func(d *redpocket.LineDetails, now time.Time) any
}

// Balances are the five usage sensors every line gets
var Balances = []Description{
	{
		Key:        "voice_balance",
		IDSuffix:   "voice_balance",
		NameFormat: "%s Voice Balance",
		Icon:       "mdi:account-voice",
		Unit:       "Minutes",
		StateClass: "measurement",
		Value:      func(d *redpocket.LineDetails, _ time.Time) any { return d.VoiceBalance },
	},
	{
		Key:        "messaging_balance",
		IDSuffix:   "messaging_balance",
		NameFormat: "%s Messaging Balance",
		Icon:       "mdi:message-processing",
		Unit:       "Messages",
		StateClass: "measurement",
		Value:      func(d *redpocket.LineDetails, _ time.Time) any { return d.MessagingBalance },
	},
	{
		Key:        "data_balance",
		IDSuffix:   "data_balance",
		NameFormat: "%s High-Speed Data Balance",
		Icon:       "mdi:signal-4g",
		Unit:       "MB",
		StateClass: "measurement",
		Value:      func(d *redpocket.LineDetails, _ time.Time) any { return d.DataBalance },
	},
	{
		Key:        "remaining_days_in_cycle",
		IDSuffix:   "remaining_days",
		NameFormat: "%s Days Remaining In Cycle",
		Icon:       "mdi:timer-sand",
		Unit:       "Days",
		StateClass: "measurement",
		Value:      func(d *redpocket.LineDetails, now time.Time) any { return d.RemainingDaysInCycle(now) },
	},
	{
		Key:        "remaining_months_purchased",
		IDSuffix:   "remaining_months",
		NameFormat: "%s Months Purchased Left",
		Icon:       "mdi:calendar-month",
		Unit:       "Months",
		StateClass: "measurement",
		Value:      func(d *redpocket.LineDetails, now time.Time) any { return d.RemainingMonthsPurchased(now) },
	},
}

// Attributes are the optional diagnostic sensors
var Attributes = []Description{
	{
		Key:            "plan_code",
		IDSuffix:       "plan",
		NameFormat:     "%s Plan",
		Icon:           "mdi:card-account-details",
		EntityCategory: EntityCategoryDiagnostic,
		Value:          func(d *redpocket.LineDetails, _ time.Time) any { return d.PlanCode },
	},
	{
		Key:            "status",
		IDSuffix:       "status",
		NameFormat:     "%s Status",
		Icon:           "mdi:list-status",
		EntityCategory: EntityCategoryDiagnostic,
		Value:          func(d *redpocket.LineDetails, _ time.Time) any { return d.Status },
	},
	{
		Key:            "expiration",
		IDSuffix:       "expiration",
		NameFormat:     "%s Expiration Date",
		Icon:           "mdi:calendar-end",
		EntityCategory: EntityCategoryDiagnostic,
		Value: func(d *redpocket.LineDetails, _ time.Time) any {
			if d.Expiration.IsZero() {
				return ""
			}
			return d.Expiration.Format("2006-01-02")
		},
	},
}

// Sensor is one (line × metric) entity
type Sensor struct {
	line        redpocket.Line
	coordinator *coordinator.Coordinator
	desc        Description
	now         func() time.Time
}

// New creates a sensor bound to a line coordinator
func New(line redpocket.Line, c *coordinator.Coordinator, desc Description) *Sensor {
	if desc.Icon == "" {
		desc.Icon = DefaultIcon
	}
	return &Sensor{
		line:        line,
		coordinator: c,
		desc:        desc,
		now:         time.Now,
	}
}

// ForLine builds the sensors of one line
func ForLine(line redpocket.Line, c *coordinator.Coordinator, attributeSensors bool) []*Sensor {
	descs := Balances
	if attributeSensors {
		descs = append(append([]Description{}, Balances...), Attributes...)
	}
	out := make([]*Sensor, 0, len(descs))
	for _, d := range descs {
		out = append(out, New(line, c, d))
	}
	return out
}

// UniqueID returns a stable Home Assistant identifier
func (s *Sensor) UniqueID() string {
	return fmt.Sprintf("redpocket_%s_%s", s.line.Number, s.desc.IDSuffix)
}

func (s *Sensor) Name() string {
	return fmt.Sprintf(s.desc.NameFormat, s.line.Number)
}

func (s *Sensor) Icon() string           { return s.desc.Icon }
func (s *Sensor) Unit() string           { return s.desc.Unit }
func (s *Sensor) StateClass() string     { return s.desc.StateClass }
func (s *Sensor) EntityCategory() string { return s.desc.EntityCategory }
func (s *Sensor) Key() string            { return s.desc.Key }
func (s *Sensor) Line() redpocket.Line   { return s.line }

// Coordinator returns the coordinator the sensor reads from
func (s *Sensor) Coordinator() *coordinator.Coordinator {
	return s.coordinator
}

// State returns the current value or StateUnavailable
func (s *Sensor) State() any {
	data := s.coordinator.Data()
	if data == nil || s.desc.Key == "" || s.desc.Value == nil {
		return StateUnavailable
	}

	v := s.desc.Value(data, s.now())
	switch val := v.(type) {
	case int:
		if val == redpocket.Unlimited {
			return StateUnavailable
		}
	case string:
		if val == "" {
			return StateUnavailable
		}
	}
	return v
}

// Available reports whether State carries a value
func (s *Sensor) Available() bool {
	return s.State() != StateUnavailable
}

// Attributes returns the extra state attributes
func (s *Sensor) Attributes() map[string]any {
	attrs := map[string]any{
		"attribution": Attribution,
		"line":        s.line.Number,
		"account_id":  s.line.AccountID,
	}
	if s.line.Plan != "" {
		attrs["plan"] = s.line.Plan
	}
	if updated := s.coordinator.LastUpdated(); !updated.IsZero() {
		attrs["last_updated"] = updated.Format("Jan-02-2006 03:04 PM")
	}
	return attrs
}
