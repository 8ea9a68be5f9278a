// Copyright 2024 Freifunk Stuttgart e.V.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package util provides helpers shared across packages, most notably a
// duration format that extends the stdlib with day, week and year units
// for use in configuration files.
package util

import (
	"encoding"
	"flag"
	"strconv"
	"strings"
	"time"

	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
)

const (
	day  = 24 * time.Hour
	week = 7 * day
	year = 365 * day
)

var durationUnits = map[string]time.Duration{
	"ns": time.Nanosecond,
	"us": time.Microsecond,
	"µs": time.Microsecond,
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  day,
	"w":  week,
	"y":  year,
}

// ParseDuration parses a duration string of the form <int><unit>[<int><unit>...].
// In addition to the stdlib units it understands d(ays), w(eeks) and y(ears).
// Fractional values are not supported.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, serrors.New("empty duration")
	}
	if s == "0" {
		return 0, nil
	}
	var total time.Duration
	rest := s
	for rest != "" {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 {
			return 0, serrors.New("expected number", "input", s, "at", rest)
		}
		var value int64
		for _, c := range rest[:i] {
			value = value*10 + int64(c-'0')
			if value > 1<<53 {
				return 0, serrors.New("value too large", "input", s)
			}
		}
		rest = rest[i:]
		j := 0
		for j < len(rest) && (rest[j] < '0' || rest[j] > '9') {
			j++
		}
		if j == 0 {
			return 0, serrors.New("missing unit", "input", s)
		}
		unit, ok := durationUnits[rest[:j]]
		if !ok {
			return 0, serrors.New("unknown unit", "input", s, "unit", rest[:j])
		}
		total += time.Duration(value) * unit
		rest = rest[j:]
	}
	return total, nil
}

// FmtDuration formats a duration using the units understood by ParseDuration,
// decomposing the value greedily from the largest unit down. The output
// round-trips through ParseDuration.
func FmtDuration(d time.Duration) string {
	if d == 0 {
		return "0s"
	}
	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}
	for _, u := range []struct {
		name string
		dur  time.Duration
	}{
		{"y", year},
		{"w", week},
		{"d", day},
		{"h", time.Hour},
		{"m", time.Minute},
		{"s", time.Second},
		{"ms", time.Millisecond},
		{"us", time.Microsecond},
		{"ns", time.Nanosecond},
	} {
		if n := d / u.dur; n > 0 {
			b.WriteString(strconv.FormatInt(int64(n), 10))
			b.WriteString(u.name)
			d -= n * u.dur
		}
		if d == 0 {
			break
		}
	}
	return b.String()
}

var _ (encoding.TextUnmarshaler) = (*DurWrap)(nil)
var _ (encoding.TextMarshaler) = DurWrap{}
var _ (flag.Value) = (*DurWrap)(nil)

// DurWrap is a wrapper to enable marshalling and unmarshalling of durations
// with the custom format.
type DurWrap struct {
	time.Duration
}

func (d *DurWrap) UnmarshalText(text []byte) error {
	return d.Set(string(text))
}

func (d *DurWrap) Set(text string) error {
	var err error
	d.Duration, err = ParseDuration(text)
	return err
}

func (d DurWrap) MarshalText() (text []byte, err error) {
	return []byte(FmtDuration(d.Duration)), nil
}

func (d DurWrap) String() string {
	return FmtDuration(d.Duration)
}
