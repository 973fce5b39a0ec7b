// Ledgerlink - Accounting API Synchronization and Read Cache
// Copyright 2026 Finvoy Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finvoy/ledgerlink

// Package scheduler triggers unattended sync runs at fixed times of day and
// exposes pause/resume/trigger-now controls without tearing the schedule
// down.
package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FireTime is one wall-clock trigger point in the schedule's timezone.
type FireTime struct {
	Hour   int
	Minute int
}

func (f FireTime) String() string {
	return fmt.Sprintf("%02d:%02d", f.Hour, f.Minute)
}

// ParseFireTimes parses a comma-separated list of HH:MM times, for example
// "02:00,10:00,18:00". Duplicates are collapsed and the result is sorted so
// next-fire computation can scan forward.
func ParseFireTimes(spec string) ([]FireTime, error) {
	parts := strings.Split(spec, ",")
	seen := make(map[FireTime]struct{})
	out := make([]FireTime, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ft, err := parseFireTime(part)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[ft]; dup {
			continue
		}
		seen[ft] = struct{}{}
		out = append(out, ft)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("fire times %q contain no valid entries", spec)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Hour != out[j].Hour {
			return out[i].Hour < out[j].Hour
		}
		return out[i].Minute < out[j].Minute
	})
	return out, nil
}

func parseFireTime(s string) (FireTime, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return FireTime{}, fmt.Errorf("fire time %q is not HH:MM", s)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return FireTime{}, fmt.Errorf("fire time %q has invalid hour", s)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return FireTime{}, fmt.Errorf("fire time %q has invalid minute", s)
	}
	return FireTime{Hour: hour, Minute: minute}, nil
}

// NextFire returns the earliest trigger strictly after now, evaluated in
// loc. time.Date normalizes nonexistent DST wall times, so a fire time
// inside a spring-forward gap resolves to a real instant.
func NextFire(now time.Time, loc *time.Location, times []FireTime) time.Time {
	local := now.In(loc)

	for day := 0; day <= 1; day++ {
		base := local.AddDate(0, 0, day)
		for _, ft := range times {
			candidate := time.Date(base.Year(), base.Month(), base.Day(),
				ft.Hour, ft.Minute, 0, 0, loc)
			if candidate.After(now) {
				return candidate
			}
		}
	}

	// Unreachable for a non-empty schedule: tomorrow always has a fire
	// time after now.
	return time.Time{}
}
