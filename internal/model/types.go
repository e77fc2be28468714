package model

import "time"

type Severity string

const (
	SeverityLow    Severity = "Low"
	SeverityMedium Severity = "Medium"
	SeverityHigh   Severity = "High"
)

type AlertKind string

const (
	KindZScore AlertKind = "zscore"
	KindFanOut AlertKind = "fanout"
)

// ConnectionEvent is one observed connection attempt. Values are passed by
// copy and never mutated after normalization.
type ConnectionEvent struct {
	Timestamp   time.Time `json:"timestamp" validate:"required"`
	Source      string    `json:"source_ip" validate:"required,ip"`
	Destination string    `json:"target_ip" validate:"required,ip"`
	Protocol    string    `json:"protocol" validate:"required,startswith=TCP"`
	Origin      string    `json:"origin,omitempty"`
}

type Alert struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Kind        AlertKind `json:"kind"`
	Severity    Severity  `json:"severity"`
	Source      string    `json:"source_ip"`
	Destination string    `json:"target_ip"`
	Protocol    string    `json:"protocol"`
	Message     string    `json:"message"`
	Score       float64   `json:"score,omitempty"`
	Targets     int       `json:"targets,omitempty"`
}

// StoredEvent is the persisted projection of an alert. ID is assigned by the
// event store.
type StoredEvent struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source_ip"`
	Destination string    `json:"target_ip"`
	Protocol    string    `json:"protocol"`
	Severity    Severity  `json:"severity"`
}

func (a Alert) StoredEvent() StoredEvent {
	return StoredEvent{
		Timestamp:   a.Timestamp,
		Source:      a.Source,
		Destination: a.Destination,
		Protocol:    a.Protocol,
		Severity:    a.Severity,
	}
}

type SourceStats struct {
	Source      string    `json:"source_ip"`
	Samples     int       `json:"samples"`
	LastCount   float64   `json:"last_count"`
	LastScore   float64   `json:"last_score"`
	Targets     int       `json:"targets"`
	Connections uint64    `json:"connections"`
	Alerts      uint64    `json:"alerts"`
	LastSeen    time.Time `json:"last_seen"`
}

// UnixSeconds renders t the way the events table stores it.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func FromUnixSeconds(v float64) time.Time {
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
