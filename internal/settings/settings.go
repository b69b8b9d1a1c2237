// Package settings resolves the operational parameters of the calendar from
// persisted key/value rows.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrConfigMissing is returned when a required key has no value.
var ErrConfigMissing = errors.New("config missing")

const (
	KeySlotStep    = "slot_step_min"
	KeyBuffer      = "buffer_min"
	KeyMinLeadTime = "min_lead_time_min"
	KeyHorizonDays = "booking_horizon_days"
	KeyHoldTTL     = "hold_ttl_min"
	KeyCancelLimit = "cancel_limit_hours"
	KeyWorkStart   = "work_start"
	KeyWorkEnd     = "work_end"
	KeyWorkDays    = "work_days"
)

// RequiredKeys lists every key Load needs.
var RequiredKeys = []string{
	KeySlotStep, KeyBuffer, KeyMinLeadTime, KeyHorizonDays, KeyHoldTTL,
	KeyCancelLimit, KeyWorkStart, KeyWorkEnd, KeyWorkDays,
}

// Source provides raw settings rows.
type Source interface {
	ListSettings(ctx context.Context) (map[string]string, error)
}

// View is an immutable snapshot of settings for a single operation.
type View struct {
	SlotStep    time.Duration
	Buffer      time.Duration
	MinLeadTime time.Duration
	HorizonDays int
	HoldTTL     time.Duration
	CancelLimit time.Duration
	// WorkStart and WorkEnd are offsets from local midnight.
	WorkStart time.Duration
	WorkEnd   time.Duration
	WorkDays  map[time.Weekday]bool
	Location  *time.Location
}

// Load reads all rows from src and builds a View for the given timezone.
func Load(ctx context.Context, src Source, timezone string) (View, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return View{}, fmt.Errorf("load timezone %q: %w", timezone, err)
	}

	rows, err := src.ListSettings(ctx)
	if err != nil {
		return View{}, fmt.Errorf("list settings: %w", err)
	}

	for _, key := range RequiredKeys {
		if strings.TrimSpace(rows[key]) == "" {
			return View{}, fmt.Errorf("%w: %s", ErrConfigMissing, key)
		}
	}

	p := parser{rows: rows}
	v := View{
		SlotStep:    p.minutes(KeySlotStep),
		Buffer:      p.minutes(KeyBuffer),
		MinLeadTime: p.minutes(KeyMinLeadTime),
		HorizonDays: p.int(KeyHorizonDays),
		HoldTTL:     p.minutes(KeyHoldTTL),
		CancelLimit: time.Duration(p.int(KeyCancelLimit)) * time.Hour,
		WorkStart:   p.clock(KeyWorkStart),
		WorkEnd:     p.clock(KeyWorkEnd),
		WorkDays:    p.weekdays(KeyWorkDays),
		Location:    loc,
	}
	if p.err != nil {
		return View{}, p.err
	}
	if v.SlotStep <= 0 {
		return View{}, fmt.Errorf("parse %s: must be positive", KeySlotStep)
	}
	if v.WorkEnd <= v.WorkStart {
		return View{}, fmt.Errorf("parse %s: must be after %s", KeyWorkEnd, KeyWorkStart)
	}
	return v, nil
}

// Local returns t in the view's location.
func (v View) Local(t time.Time) time.Time {
	return t.In(v.Location)
}

// Midnight returns local midnight of the day containing t.
func (v View) Midnight(t time.Time) time.Time {
	l := t.In(v.Location)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, v.Location)
}

// WorkWindow returns the absolute work-hour bounds of the local day containing day.
func (v View) WorkWindow(day time.Time) (time.Time, time.Time) {
	return v.At(day, v.WorkStart), v.At(day, v.WorkEnd)
}

// At resolves a wall-clock offset from local midnight of day, so DST days keep
// their nominal HH:MM.
func (v View) At(day time.Time, off time.Duration) time.Time {
	m := v.Midnight(day)
	h := int(off / time.Hour)
	mins := int((off % time.Hour) / time.Minute)
	return time.Date(m.Year(), m.Month(), m.Day(), h, mins, 0, 0, v.Location)
}

// IsWorkDay reports whether the local weekday of day is a work day.
func (v View) IsWorkDay(day time.Time) bool {
	return v.WorkDays[day.In(v.Location).Weekday()]
}

// Seed holds the default values written once at startup. WorkDays uses Monday=0.
type Seed struct {
	SlotStepMin        int    `yaml:"slot_step_min"`
	BufferMin          int    `yaml:"buffer_min"`
	MinLeadTimeMin     int    `yaml:"min_lead_time_min"`
	BookingHorizonDays int    `yaml:"booking_horizon_days"`
	HoldTTLMin         int    `yaml:"hold_ttl_min"`
	CancelLimitHours   int    `yaml:"cancel_limit_hours"`
	WorkStart          string `yaml:"work_start"`
	WorkEnd            string `yaml:"work_end"`
	WorkDays           string `yaml:"work_days"`
}

// DefaultSeed mirrors the values a fresh installation starts with.
func DefaultSeed() Seed {
	return Seed{
		SlotStepMin:        30,
		BufferMin:          10,
		MinLeadTimeMin:     60,
		BookingHorizonDays: 30,
		HoldTTLMin:         15,
		CancelLimitHours:   24,
		WorkStart:          "10:00",
		WorkEnd:            "20:00",
		WorkDays:           "0,1,2,3,4,5",
	}
}

// Rows converts the seed into key/value rows.
func (s Seed) Rows() map[string]string {
	return map[string]string{
		KeySlotStep:    strconv.Itoa(s.SlotStepMin),
		KeyBuffer:      strconv.Itoa(s.BufferMin),
		KeyMinLeadTime: strconv.Itoa(s.MinLeadTimeMin),
		KeyHorizonDays: strconv.Itoa(s.BookingHorizonDays),
		KeyHoldTTL:     strconv.Itoa(s.HoldTTLMin),
		KeyCancelLimit: strconv.Itoa(s.CancelLimitHours),
		KeyWorkStart:   s.WorkStart,
		KeyWorkEnd:     s.WorkEnd,
		KeyWorkDays:    s.WorkDays,
	}
}

// FormatWorkDays renders weekdays back into the Monday=0 list form.
func FormatWorkDays(days map[time.Weekday]bool) string {
	idx := make([]int, 0, len(days))
	for d, ok := range days {
		if ok {
			idx = append(idx, (int(d)+6)%7)
		}
	}
	sort.Ints(idx)
	parts := make([]string, len(idx))
	for i, n := range idx {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

// parser keeps the first error so field parsing reads linearly.
type parser struct {
	rows map[string]string
	err  error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("parse %s: %w", key, err)
	}
}

func (p *parser) int(key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(p.rows[key]))
	if err != nil {
		p.fail(key, err)
		return 0
	}
	if n < 0 {
		p.fail(key, errors.New("must not be negative"))
	}
	return n
}

func (p *parser) minutes(key string) time.Duration {
	return time.Duration(p.int(key)) * time.Minute
}

func (p *parser) clock(key string) time.Duration {
	t, err := time.Parse("15:04", strings.TrimSpace(p.rows[key]))
	if err != nil {
		p.fail(key, err)
		return 0
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
}

func (p *parser) weekdays(key string) map[time.Weekday]bool {
	days := make(map[time.Weekday]bool, 7)
	for _, part := range strings.Split(p.rows[key], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 6 {
			p.fail(key, fmt.Errorf("bad weekday %q", part))
			return nil
		}
		// Monday=0 ... Sunday=6
		days[time.Weekday((n+1)%7)] = true
	}
	return days
}
