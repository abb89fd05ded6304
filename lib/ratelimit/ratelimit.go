// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit recognizes upstream rate-limit failures in agent
// output and computes how long to wait before retrying.
//
// Agents report rate limits as free text in stderr, in an error
// result, or in a JSON-RPC error message. Detection is a
// case-insensitive pattern match; the retry hint, when present, is
// either a relative "retry after N seconds" or an absolute "resets at
// 3:45pm". Absolute times carry no zone in practice and are resolved
// as UTC, rolling over to the next day when the time has already
// passed. That is an approximation: a reset announced in the agent
// vendor's local zone can be off by the zone offset, which the
// exponential floor in [Cooldown] bounds from below.
package ratelimit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	detectPattern     = regexp.MustCompile(`(?i)rate.?limit|429|too many requests|overloaded|throttl`)
	retryAfterPattern = regexp.MustCompile(`(?i)retry(?:ing)?[ _-]?(?:after|in)[\s:=]*(\d+(?:\.\d+)?)\s*(ms|milliseconds?|s|secs?|seconds?|m|mins?|minutes?|h|hrs?|hours?)?\b`)
	resetsAtPattern   = regexp.MustCompile(`(?i)resets?\s+(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)?`)
)

// Signal describes a detected rate limit.
type Signal struct {
	// RetryAfter is the wait the agent asked for, or zero when the
	// text carried no hint.
	RetryAfter time.Duration
}

// Error is a terminal run failure caused by an upstream rate limit.
type Error struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Cause)
	}
	return fmt.Sprintf("rate limited: %v", e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Detect reports whether any of texts indicates a rate limit, and the
// first retry hint found among them. now anchors "resets at" times.
func Detect(now time.Time, texts ...string) (Signal, bool) {
	detected := false
	var signal Signal
	for _, text := range texts {
		if text == "" || !detectPattern.MatchString(text) {
			continue
		}
		detected = true
		if signal.RetryAfter == 0 {
			signal.RetryAfter = parseRetryHint(text, now)
		}
	}
	return signal, detected
}

func parseRetryHint(text string, now time.Time) time.Duration {
	if match := retryAfterPattern.FindStringSubmatch(text); match != nil {
		value, err := strconv.ParseFloat(match[1], 64)
		if err == nil && value > 0 {
			return time.Duration(value * float64(unitOf(match[2])))
		}
	}
	if match := resetsAtPattern.FindStringSubmatch(text); match != nil {
		if wait, ok := untilClock(match[1], match[2], match[3], now); ok {
			return wait
		}
	}
	return 0
}

func unitOf(unit string) time.Duration {
	unit = strings.ToLower(unit)
	switch {
	case unit == "ms" || strings.HasPrefix(unit, "milli"):
		return time.Millisecond
	case unit == "m" || strings.HasPrefix(unit, "min"):
		return time.Minute
	case strings.HasPrefix(unit, "h"):
		return time.Hour
	default:
		return time.Second
	}
}

func untilClock(hourText, minuteText, meridiem string, now time.Time) (time.Duration, bool) {
	hour, err := strconv.Atoi(hourText)
	if err != nil {
		return 0, false
	}
	minute := 0
	if minuteText != "" {
		minute, err = strconv.Atoi(minuteText)
		if err != nil || minute > 59 {
			return 0, false
		}
	}
	switch strings.ToLower(meridiem) {
	case "am":
		if hour < 1 || hour > 12 {
			return 0, false
		}
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 1 || hour > 12 {
			return 0, false
		}
		if hour != 12 {
			hour += 12
		}
	default:
		if hour > 23 {
			return 0, false
		}
	}

	utc := now.UTC()
	reset := time.Date(utc.Year(), utc.Month(), utc.Day(), hour, minute, 0, 0, time.UTC)
	if !reset.After(utc) {
		reset = reset.Add(24 * time.Hour)
	}
	return reset.Sub(utc), true
}

// Cooldown returns the wait before retry number attempt (1-based): the
// larger of the agent's hint and base doubled per prior attempt,
// capped at ceiling.
func Cooldown(hint time.Duration, attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := base
	for i := 1; i < attempt && backoff < ceiling; i++ {
		backoff *= 2
	}
	wait := max(hint, backoff)
	if ceiling > 0 && wait > ceiling {
		wait = ceiling
	}
	return wait
}
