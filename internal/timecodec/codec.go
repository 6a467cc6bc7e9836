// Package timecodec converts remote update timestamps to comparable epoch values.
package timecodec

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Layout is the timestamp format the remote platform emits.
const Layout = "2006-01-02T15:04:05.000000Z"

// parseLayout accepts an optional fractional second of any width.
const parseLayout = "2006-01-02T15:04:05.999999999Z"

const microsPerSecond = 1_000_000

// FormatError reports a timestamp or epoch string that does not match the expected pattern.
type FormatError struct {
	Text string
	Err  error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed timestamp %q: %v", e.Text, e.Err)
	}
	return fmt.Sprintf("malformed timestamp %q", e.Text)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Epoch is an instant in Unix microseconds. Two epochs are equal exactly when
// their canonical strings are equal.
type Epoch struct {
	micros int64
}

// FromTime truncates t to microsecond precision.
func FromTime(t time.Time) Epoch {
	return Epoch{micros: t.UnixMicro()}
}

// FromMicros builds an epoch from Unix microseconds.
func FromMicros(us int64) Epoch {
	return Epoch{micros: us}
}

// ToEpoch decodes a remote update timestamp such as "2021-01-01T00:00:00.000000Z".
func ToEpoch(text string) (Epoch, error) {
	if !strings.HasSuffix(text, "Z") {
		return Epoch{}, &FormatError{Text: text}
	}
	t, err := time.Parse(parseLayout, text)
	if err != nil {
		return Epoch{}, &FormatError{Text: text, Err: err}
	}
	return FromTime(t), nil
}

// Format renders e in the remote platform's timestamp layout.
func Format(e Epoch) string {
	return e.Time().Format(Layout)
}

// ParseEpoch parses a decimal epoch-seconds string, for example "1000.0" or
// "1609459200.123456". Digits beyond microseconds are truncated.
func ParseEpoch(s string) (Epoch, error) {
	text := strings.TrimSpace(s)
	body := text
	neg := false
	if strings.HasPrefix(body, "-") {
		neg = true
		body = body[1:]
	}
	whole, frac, _ := strings.Cut(body, ".")
	if whole == "" || !digits(whole) || !digits(frac) {
		return Epoch{}, &FormatError{Text: s}
	}
	sec, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return Epoch{}, &FormatError{Text: s, Err: err}
	}
	if len(frac) > 6 {
		frac = frac[:6]
	}
	frac += strings.Repeat("0", 6-len(frac))
	us, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return Epoch{}, &FormatError{Text: s, Err: err}
	}
	total := sec*microsPerSecond + us
	if neg {
		total = -total
	}
	return Epoch{micros: total}, nil
}

// String returns the canonical fixed six-decimal representation.
func (e Epoch) String() string {
	us := e.micros
	sign := ""
	if us < 0 {
		sign = "-"
		us = -us
	}
	return fmt.Sprintf("%s%d.%06d", sign, us/microsPerSecond, us%microsPerSecond)
}

// Float returns seconds since the Unix epoch.
func (e Epoch) Float() float64 {
	return float64(e.micros) / microsPerSecond
}

// Micros returns Unix microseconds.
func (e Epoch) Micros() int64 { return e.micros }

// Time returns e as a UTC time.
func (e Epoch) Time() time.Time {
	return time.UnixMicro(e.micros).UTC()
}

// Equal reports whether e and o denote the same microsecond.
func (e Epoch) Equal(o Epoch) bool { return e.micros == o.micros }

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
