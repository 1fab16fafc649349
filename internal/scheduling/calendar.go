package scheduling

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/medrex/clinic-scheduling/pkg/clock"
	"github.com/medrex/clinic-scheduling/pkg/config"
	"github.com/medrex/clinic-scheduling/pkg/interfaces"
	"github.com/medrex/clinic-scheduling/pkg/types"
)

// SlotLabelLayout renders slot start times, e.g. "09:30 AM"
const SlotLabelLayout = "03:04 PM"

const clockLayout = "15:04"

type slot struct {
	label  string
	offset time.Duration // wall-clock time of day, not elapsed time
}

// on returns the slot start on day's calendar date. The hour and minute are
// set on the wall clock so DST transitions do not shift it.
func (s slot) on(day time.Time, loc *time.Location) time.Time {
	hour := int(s.offset / time.Hour)
	minute := int(s.offset % time.Hour / time.Minute)
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
}

// SlotCalendar computes which slots of the daily grid are still bookable
type SlotCalendar struct {
	grid  []slot
	index map[string]int
	loc   *time.Location
	clock clock.Clock
	repo  interfaces.SchedulingRepository
}

// NewSlotCalendar builds the daily grid from the scheduling configuration
func NewSlotCalendar(cfg config.SchedulingConfig, repo interfaces.SchedulingRepository, clk clock.Clock) (*SlotCalendar, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("failed to load time zone: %w", err)
	}

	grid, err := buildGrid(cfg)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(grid))
	for i, s := range grid {
		index[s.label] = i
	}

	return &SlotCalendar{
		grid:  grid,
		index: index,
		loc:   loc,
		clock: clk,
		repo:  repo,
	}, nil
}

func buildGrid(cfg config.SchedulingConfig) ([]slot, error) {
	step := time.Duration(cfg.SlotMinutes) * time.Minute
	if step <= 0 {
		return nil, fmt.Errorf("slot length must be positive")
	}

	windows := [][2]string{
		{cfg.MorningStart, cfg.MorningEnd},
		{cfg.AfternoonStart, cfg.AfternoonEnd},
	}

	var grid []slot
	var last time.Duration = -1
	for _, w := range windows {
		start, err := parseClock(w[0])
		if err != nil {
			return nil, err
		}
		end, err := parseClock(w[1])
		if err != nil {
			return nil, err
		}
		if end < start {
			return nil, fmt.Errorf("window %s-%s ends before it starts", w[0], w[1])
		}
		if start <= last {
			return nil, fmt.Errorf("window %s-%s overlaps the previous one", w[0], w[1])
		}

		for off := start; off <= end; off += step {
			grid = append(grid, slot{label: labelFor(off), offset: off})
			last = off
		}
	}

	if len(grid) == 0 {
		return nil, fmt.Errorf("slot grid is empty")
	}
	return grid, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse(clockLayout, s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func labelFor(offset time.Duration) string {
	return time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC).Add(offset).Format(SlotLabelLayout)
}

// Slots returns the full daily grid in chronological order
func (c *SlotCalendar) Slots() []string {
	labels := make([]string, len(c.grid))
	for i, s := range c.grid {
		labels[i] = s.label
	}
	return labels
}

// Location is the clinic time zone
func (c *SlotCalendar) Location() *time.Location {
	return c.loc
}

// Today returns the current clinic date
func (c *SlotCalendar) Today() string {
	return c.clock.Now().In(c.loc).Format(types.DateLayout)
}

// NormalizeSlot maps "14:30", "02:30 PM" or "2:30 pm" onto the grid label.
// It reports false when the time is not a slot start.
func (c *SlotCalendar) NormalizeSlot(s string) (string, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, layout := range []string{SlotLabelLayout, "3:04 PM", clockLayout, "15:04:05"} {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		label := labelFor(time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute)
		if t.Second() != 0 {
			return "", false
		}
		_, ok := c.index[label]
		return label, ok
	}
	return "", false
}

// ParseDate validates a "2006-01-02" date and returns local midnight
func (c *SlotCalendar) ParseDate(date string) (time.Time, error) {
	d, err := time.ParseInLocation(types.DateLayout, date, c.loc)
	if err != nil {
		return time.Time{}, types.NewValidationError(types.ErrCodeInvalidDate,
			fmt.Sprintf("date must be formatted as %s", types.DateLayout),
			map[string]interface{}{"date": date})
	}
	return d, nil
}

// SlotInstant is the moment a slot starts on the given date
func (c *SlotCalendar) SlotInstant(date, label string) (time.Time, error) {
	day, err := c.ParseDate(date)
	if err != nil {
		return time.Time{}, err
	}

	normalized, ok := c.NormalizeSlot(label)
	if !ok {
		return time.Time{}, types.NewValidationError(types.ErrCodeInvalidSlot,
			"time is not one of the bookable slots",
			map[string]interface{}{"time": label, "slots": c.Slots()})
	}

	return c.grid[c.index[normalized]].on(day, c.loc), nil
}

// AvailableSlots lists the slots of date that are neither held by an active
// appointment with providerID nor already started.
func (c *SlotCalendar) AvailableSlots(ctx context.Context, providerID, date string) ([]string, error) {
	if _, err := uuid.Parse(providerID); err != nil {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "providerId is required and must be a valid id", nil)
	}

	day, err := c.ParseDate(date)
	if err != nil {
		return nil, err
	}

	occupied, err := c.repo.GetOccupiedSlots(ctx, providerID, date)
	if err != nil {
		return nil, err
	}
	taken := make(map[string]struct{}, len(occupied))
	for _, label := range occupied {
		if normalized, ok := c.NormalizeSlot(label); ok {
			taken[normalized] = struct{}{}
		}
	}

	now := c.clock.Now()
	available := make([]string, 0, len(c.grid))
	for _, s := range c.grid {
		if _, ok := taken[s.label]; ok {
			continue
		}
		if start := s.on(day, c.loc); !start.After(now) {
			continue
		}
		available = append(available, s.label)
	}
	return available, nil
}
