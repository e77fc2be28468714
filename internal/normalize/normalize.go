package normalize

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"lateralguard/internal/model"
)

var (
	ErrNotTCP         = errors.New("not a tcp connection")
	ErrInvalidAddress = errors.New("invalid address")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type EventFields struct {
	Timestamp   string
	Source      string
	Destination string
	Protocol    string
	Port        string
	Extras      map[string]string
	Raw         string
}

// Normalize turns loosely typed fields into a ConnectionEvent. Timestamps
// without an offset are read in loc; a missing timestamp means now.
func Normalize(fields EventFields, loc *time.Location) (model.ConnectionEvent, error) {
	if loc == nil {
		loc = time.UTC
	}

	ts := time.Now().UTC()
	if strings.TrimSpace(fields.Timestamp) != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.ConnectionEvent{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}

	proto, err := ParseProtocol(fields.Protocol, fields.Port)
	if err != nil {
		return model.ConnectionEvent{}, err
	}

	ev := model.ConnectionEvent{
		Timestamp:   ts,
		Source:      cleanAddr(fields.Source),
		Destination: cleanAddr(fields.Destination),
		Protocol:    proto,
		Origin:      "log",
	}
	if err := Validate(ev); err != nil {
		return model.ConnectionEvent{}, err
	}
	return ev, nil
}

// Validate checks an event that did not go through Normalize, such as one
// decoded straight from JSON or produced by packet capture.
func Validate(ev model.ConnectionEvent) error {
	if !strings.HasPrefix(ev.Protocol, "TCP") {
		return fmt.Errorf("%w: protocol %q", ErrNotTCP, ev.Protocol)
	}
	if err := validate.Struct(ev); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s", ErrInvalidAddress, verrs[0].Field())
		}
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return nil
}

// ParseProtocol maps protocol labels to the "TCP" or "TCP/<port>" form.
// IANA number 6 is accepted for TCP.
func ParseProtocol(proto string, port string) (string, error) {
	p := strings.ToUpper(strings.TrimSpace(proto))
	if p == "" {
		return "", fmt.Errorf("%w: missing protocol", ErrNotTCP)
	}
	if p == "6" {
		p = "TCP"
	}
	if !strings.HasPrefix(p, "TCP") {
		return "", fmt.Errorf("%w: protocol %q", ErrNotTCP, proto)
	}
	if p != "TCP" {
		return p, nil
	}
	port = strings.TrimSpace(port)
	if port == "" {
		return p, nil
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return p, nil
	}
	return "TCP/" + strconv.Itoa(n), nil
}

func cleanAddr(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "[")
	value = strings.TrimSuffix(value, "]")
	if ip := net.ParseIP(value); ip != nil {
		return ip.String()
	}
	return value
}

// Layouts carrying their own offset. Fractional seconds after the seconds
// field are accepted by every layout.
var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

// Layouts read in the ingest timezone.
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// BSD syslog stamps omit the year.
const syslogLayout = "Jan _2 15:04:05"

// ParseTimestamp accepts unix seconds (fractional allowed), unix
// milliseconds and the common log layouts. Stamps without an offset are
// read in loc.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	if t, err := time.ParseInLocation(syslogLayout, value, loc); err == nil {
		return withSyslogYear(t, time.Now().In(loc)), nil
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

// withSyslogYear places a year-less stamp in now's year, or the year before
// when that would put it more than a day in the future (December lines read
// in January).
func withSyslogYear(t, now time.Time) time.Time {
	stamped := time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if stamped.Sub(now) > 24*time.Hour {
		stamped = stamped.AddDate(-1, 0, 0)
	}
	return stamped
}

func isNumeric(value string) bool {
	dots := 0
	for _, ch := range value {
		if ch == '.' {
			dots++
			continue
		}
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0 && dots <= 1
}

func parseUnix(value string) (time.Time, error) {
	if strings.Contains(value, ".") {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || math.IsInf(f, 0) {
			return time.Time{}, fmt.Errorf("invalid unix time %q", value)
		}
		return model.FromUnixSeconds(f), nil
	}
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
