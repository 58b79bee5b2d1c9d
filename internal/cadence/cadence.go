/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cadence turns a brand's weekly posting cadence into concrete
// posting instants.
package cadence

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/reelflow/reelflow/config"
)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

type slot struct {
	everyDay bool
	day      time.Weekday
	hour     int
	minute   int
}

// Cadence is a parsed weekly schedule in a fixed location.
type Cadence struct {
	loc     *time.Location
	slots   []slot
	horizon int
}

// New parses a brand cadence. Day is a three letter weekday or "*" for every
// day, time is HH:MM on a 24 hour clock.
func New(c config.PostingCadence) (*Cadence, error) {
	tz := c.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}

	out := &Cadence{loc: loc, horizon: c.HorizonDays}
	if out.horizon <= 0 {
		out.horizon = 14
	}
	for _, s := range c.Slots {
		parsed, err := parseSlot(s)
		if err != nil {
			return nil, err
		}
		out.slots = append(out.slots, parsed)
	}
	return out, nil
}

func parseSlot(s config.CadenceSlot) (slot, error) {
	var out slot
	day := strings.ToLower(strings.TrimSpace(s.Day))
	if day == "*" || day == "" {
		out.everyDay = true
	} else {
		wd, ok := weekdays[day[:min(3, len(day))]]
		if !ok {
			return out, fmt.Errorf("invalid cadence day %q", s.Day)
		}
		out.day = wd
	}

	parts := strings.Split(strings.TrimSpace(s.Time), ":")
	if len(parts) != 2 {
		return out, fmt.Errorf("invalid cadence time %q, expected HH:MM", s.Time)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return out, fmt.Errorf("invalid cadence hour in %q", s.Time)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return out, fmt.Errorf("invalid cadence minute in %q", s.Time)
	}
	out.hour, out.minute = h, m
	return out, nil
}

func (c *Cadence) Location() *time.Location { return c.loc }

// Empty reports whether the cadence has no slots at all.
func (c *Cadence) Empty() bool { return len(c.slots) == 0 }

// Next returns up to n slot instants strictly after the given time, in
// ascending order, looking no further than the horizon.
func (c *Cadence) Next(after time.Time, n int) []time.Time {
	if n <= 0 || c.Empty() {
		return nil
	}

	local := after.In(c.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)

	seen := map[int64]bool{}
	var out []time.Time
	for d := 0; d <= c.horizon; d++ {
		day := start.AddDate(0, 0, d)
		var today []time.Time
		for _, s := range c.slots {
			if !s.everyDay && s.day != day.Weekday() {
				continue
			}
			at := time.Date(day.Year(), day.Month(), day.Day(), s.hour, s.minute, 0, 0, c.loc)
			if !at.After(after) || seen[at.Unix()] {
				continue
			}
			seen[at.Unix()] = true
			today = append(today, at)
		}
		sort.Slice(today, func(i, j int) bool { return today[i].Before(today[j]) })
		for _, at := range today {
			out = append(out, at.UTC())
			if len(out) == n {
				return out
			}
		}
	}
	return out
}
