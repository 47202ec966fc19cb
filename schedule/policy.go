package schedule

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	// Embedded zone database so contact timezones resolve on minimal images.
	_ "time/tzdata"
)

// Clock is a wall-clock time of day (HH:MM) with no date or zone.
type Clock struct {
	Hour   int
	Minute int
}

func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return Clock{}, fmt.Errorf("invalid clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return Clock{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return Clock{}, fmt.Errorf("invalid minute in %q", s)
	}
	return Clock{Hour: h, Minute: m}, nil
}

// MustClock panics on malformed input. Intended for literals.
func MustClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c Clock) on(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.Hour, c.Minute, 0, 0, day.Location())
}

func (c Clock) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Clock) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// TimeRange is a daily interval. End before Start wraps past midnight and
// End equal to Start covers the whole day.
type TimeRange struct {
	Start Clock `json:"start"`
	End   Clock `json:"end"`
}

// Mode is one of Immediate, Fixed or Window.
type Mode interface {
	modeName() string
}

// Immediate sends as soon as the delay elapses, ignoring weekdays and windows.
type Immediate struct{}

// Fixed sends at a single time of day on the first allowed day.
type Fixed struct {
	At Clock
}

// Window sends anywhere inside a daily interval on allowed days.
type Window struct {
	Start Clock
	End   Clock
}

func (Immediate) modeName() string { return "immediate" }
func (Fixed) modeName() string     { return "fixed" }
func (Window) modeName() string    { return "window" }

// Policy describes when a sequence is allowed to send.
type Policy struct {
	Mode                   Mode
	RespectContactTimezone bool
	FallbackTimezone       string
	AllowedWeekdays        []time.Weekday
	SubWindows             []TimeRange
}

// ModeName reports the mode discriminator, "immediate" for an empty policy.
func (p Policy) ModeName() string {
	if p.Mode == nil {
		return Immediate{}.modeName()
	}
	return p.Mode.modeName()
}

// Location picks the contact zone when allowed and valid, then the
// fallback zone, then UTC.
func (p Policy) Location(contactTimezone string) *time.Location {
	if p.RespectContactTimezone && contactTimezone != "" {
		if loc, err := time.LoadLocation(contactTimezone); err == nil {
			return loc
		}
	}
	if p.FallbackTimezone != "" {
		if loc, err := time.LoadLocation(p.FallbackTimezone); err == nil {
			return loc
		}
	}
	return time.UTC
}

func (p Policy) Validate() error {
	if p.FallbackTimezone != "" {
		if _, err := time.LoadLocation(p.FallbackTimezone); err != nil {
			return fmt.Errorf("invalid fallback timezone %q: %w", p.FallbackTimezone, err)
		}
	}
	for _, d := range p.AllowedWeekdays {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("invalid weekday %d", d)
		}
	}
	return nil
}

type policyJSON struct {
	Mode                   string         `json:"mode"`
	SendTime               *Clock         `json:"send_time,omitempty"`
	WindowStart            *Clock         `json:"window_start,omitempty"`
	WindowEnd              *Clock         `json:"window_end,omitempty"`
	RespectContactTimezone bool           `json:"respect_contact_timezone"`
	FallbackTimezone       string         `json:"fallback_timezone,omitempty"`
	AllowedWeekdays        []time.Weekday `json:"allowed_weekdays,omitempty"`
	SubWindows             []TimeRange    `json:"sub_windows,omitempty"`
}

func (p Policy) MarshalJSON() ([]byte, error) {
	out := policyJSON{
		Mode:                   p.ModeName(),
		RespectContactTimezone: p.RespectContactTimezone,
		FallbackTimezone:       p.FallbackTimezone,
		AllowedWeekdays:        p.AllowedWeekdays,
		SubWindows:             p.SubWindows,
	}
	switch m := p.Mode.(type) {
	case Fixed:
		at := m.At
		out.SendTime = &at
	case Window:
		start, end := m.Start, m.End
		out.WindowStart = &start
		out.WindowEnd = &end
	}
	return json.Marshal(out)
}

func (p *Policy) UnmarshalJSON(data []byte) error {
	var in policyJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	next := Policy{
		RespectContactTimezone: in.RespectContactTimezone,
		FallbackTimezone:       in.FallbackTimezone,
		AllowedWeekdays:        in.AllowedWeekdays,
		SubWindows:             in.SubWindows,
	}
	switch in.Mode {
	case "", "immediate":
		next.Mode = Immediate{}
	case "fixed":
		if in.SendTime == nil {
			return fmt.Errorf("fixed schedule requires send_time")
		}
		next.Mode = Fixed{At: *in.SendTime}
	case "window":
		if in.WindowStart == nil || in.WindowEnd == nil {
			return fmt.Errorf("window schedule requires window_start and window_end")
		}
		next.Mode = Window{Start: *in.WindowStart, End: *in.WindowEnd}
	default:
		return fmt.Errorf("unknown schedule mode %q", in.Mode)
	}
	*p = next
	return nil
}

// searchDays bounds how far ahead Adjust looks for an allowed slot.
const searchDays = 14

type span struct {
	from, to time.Time
}

// Adjust moves desired forward to the earliest instant the policy permits.
// If no slot exists within searchDays the desired instant is returned as is.
func (p Policy) Adjust(desired time.Time, contactTimezone string) time.Time {
	switch m := p.Mode.(type) {
	case Fixed:
		return p.nextSlot(desired, p.Location(contactTimezone), func(day time.Time) []span {
			at := m.At.on(day)
			return []span{{from: at, to: at}}
		})
	case Window:
		return p.nextSlot(desired, p.Location(contactTimezone), func(day time.Time) []span {
			spans := dailySpans(TimeRange{Start: m.Start, End: m.End}, day)
			if len(p.SubWindows) == 0 {
				return spans
			}
			var subs []span
			for _, r := range p.SubWindows {
				subs = append(subs, dailySpans(r, day)...)
			}
			return intersect(spans, subs)
		})
	default:
		return desired
	}
}

func (p Policy) nextSlot(desired time.Time, loc *time.Location, spansFor func(day time.Time) []span) time.Time {
	local := desired.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	for i := 0; i < searchDays; i++ {
		day := midnight.AddDate(0, 0, i)
		if !p.weekdayAllowed(day.Weekday()) {
			continue
		}
		for _, s := range spansFor(day) {
			if !local.After(s.from) {
				return s.from.UTC()
			}
			if local.Before(s.to) {
				return local.UTC()
			}
		}
	}
	return desired
}

func (p Policy) weekdayAllowed(d time.Weekday) bool {
	if len(p.AllowedWeekdays) == 0 {
		return true
	}
	for _, w := range p.AllowedWeekdays {
		if w == d {
			return true
		}
	}
	return false
}

// dailySpans expands a range into the half-open intervals it covers on day,
// ordered by start.
func dailySpans(r TimeRange, day time.Time) []span {
	start, end := r.Start.on(day), r.End.on(day)
	next := day.AddDate(0, 0, 1)
	switch {
	case end.After(start):
		return []span{{from: start, to: end}}
	case end.Equal(start):
		return []span{{from: day, to: next}}
	default:
		return []span{{from: day, to: end}, {from: start, to: next}}
	}
}

func intersect(a, b []span) []span {
	var out []span
	for _, x := range a {
		for _, y := range b {
			from, to := x.from, x.to
			if y.from.After(from) {
				from = y.from
			}
			if y.to.Before(to) {
				to = y.to
			}
			if from.Before(to) {
				out = append(out, span{from: from, to: to})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].from.Before(out[j].from) })
	return out
}
