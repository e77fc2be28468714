package ingest

import (
	"encoding/csv"
	"net"
	"regexp"
	"strings"
	"sync"

	"lateralguard/internal/normalize"
)

// leading timestamps: ISO-8601 first, then the BSD syslog header form
var leadingTimestamps = []*regexp.Regexp{
	regexp.MustCompile(`^\s*(\d{4}-\d{2}-\d{2}[ T][0-9:.+-Z]+)`),
	regexp.MustCompile(`^\s*([A-Za-z]{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})`),
}

type fieldID int

const (
	fieldTimestamp fieldID = iota
	fieldSource
	fieldDestination
	fieldProtocol
	fieldPort
)

// fieldAliases lists accepted key names per field, most specific first.
var fieldAliases = map[fieldID][]string{
	fieldTimestamp:   {"timestamp", "time", "ts"},
	fieldSource:      {"source_ip", "src_ip", "src", "source", "saddr"},
	fieldDestination: {"target_ip", "dst_ip", "dest_ip", "dst", "destination", "dest", "daddr", "target"},
	fieldProtocol:    {"protocol", "proto"},
	fieldPort:        {"dpt", "dport", "dst_port", "dest_port", "port"},
}

type aliasRank struct {
	field fieldID
	rank  int
}

var aliasIndex = func() map[string]aliasRank {
	idx := make(map[string]aliasRank)
	for field, names := range fieldAliases {
		for rank, name := range names {
			idx[name] = aliasRank{field: field, rank: rank}
		}
	}
	return idx
}()

// Parser turns one log line into event fields. JSON objects, CSV records
// and key=value lines (including netfilter/iptables LOG output) are
// accepted. A Parser may be shared between adapters.
type Parser struct {
	mu        sync.Mutex
	csvHeader []string
}

func NewParser() *Parser {
	return &Parser{}
}

// ParseLine returns nil fields for lines that carry no event, such as blank
// lines and CSV header rows.
func (p *Parser) ParseLine(line string) (*normalize.EventFields, error) {
	body := strings.TrimSpace(line)
	if body == "" {
		return nil, nil
	}
	var (
		fields *normalize.EventFields
		err    error
	)
	switch {
	case body[0] == '{':
		fields, err = ParseJSONBytes([]byte(body))
		if err != nil {
			fields, err = parseKeyValue(body), nil
		}
	case strings.Contains(body, ",") && !strings.Contains(body, "="):
		fields, err = p.parseCSV(body)
		if err != nil {
			fields, err = parseKeyValue(body), nil
		}
	default:
		fields = parseKeyValue(body)
	}
	if err != nil || fields == nil {
		return nil, err
	}
	fields.Raw = line
	return fields, nil
}

func parseKeyValue(line string) *normalize.EventFields {
	fields := &normalize.EventFields{Extras: map[string]string{}}
	ts, rest := splitTimestamp(line)

	var bare []string
	for _, tok := range strings.Fields(rest) {
		key, val, ok := strings.Cut(tok, "=")
		if !ok {
			bare = append(bare, tok)
			continue
		}
		if !isKey(key) || val == "" {
			continue
		}
		fields.Extras[strings.ToLower(key)] = val
	}
	assignKnown(fields, fields.Extras)
	if ts != "" {
		fields.Timestamp = ts
	}

	// bare "src dst proto" tokens
	if fields.Source != "" && fields.Destination != "" {
		return fields
	}
	for _, tok := range bare {
		switch {
		case net.ParseIP(tok) != nil && fields.Source == "":
			fields.Source = tok
		case net.ParseIP(tok) != nil && fields.Destination == "":
			fields.Destination = tok
		case fields.Protocol == "" && strings.HasPrefix(strings.ToUpper(tok), "TCP"):
			fields.Protocol = tok
		}
	}
	return fields
}

func isKey(s string) bool {
	if s == "" {
		return false
	}
	for _, ch := range s {
		if ch != '_' && (ch < 'a' || ch > 'z') && (ch < 'A' || ch > 'Z') {
			return false
		}
	}
	return true
}

// assignKnown fills the typed fields from kv, preferring the most specific
// alias present for each.
func assignKnown(fields *normalize.EventFields, kv map[string]string) {
	best := map[fieldID]int{}
	for key, val := range kv {
		a, ok := aliasIndex[key]
		val = strings.TrimSpace(val)
		if !ok || val == "" {
			continue
		}
		if r, seen := best[a.field]; seen && r <= a.rank {
			continue
		}
		best[a.field] = a.rank
		switch a.field {
		case fieldTimestamp:
			fields.Timestamp = val
		case fieldSource:
			fields.Source = val
		case fieldDestination:
			fields.Destination = val
		case fieldProtocol:
			fields.Protocol = val
		case fieldPort:
			fields.Port = val
		}
	}
}

func splitTimestamp(line string) (ts, rest string) {
	for _, re := range leadingTimestamps {
		if m := re.FindStringSubmatchIndex(line); m != nil {
			return strings.TrimSpace(line[m[2]:m[3]]), strings.TrimSpace(line[m[3]:])
		}
	}
	return "", line
}

// parseCSV remembers the first header row it sees. Without a header the
// column order is timestamp, source, destination, protocol, port.
func (p *Parser) parseCSV(line string) (*normalize.EventFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	for i := range record {
		record[i] = strings.TrimSpace(record[i])
	}

	p.mu.Lock()
	header := p.csvHeader
	if header == nil && isHeaderRow(record) {
		p.csvHeader = make([]string, len(record))
		for i, name := range record {
			p.csvHeader[i] = strings.ToLower(name)
		}
		p.mu.Unlock()
		return nil, nil
	}
	p.mu.Unlock()

	fields := &normalize.EventFields{Extras: map[string]string{}}
	if header != nil {
		for i, name := range header {
			if i < len(record) {
				fields.Extras[name] = record[i]
			}
		}
		assignKnown(fields, fields.Extras)
		return fields, nil
	}
	positional := []*string{&fields.Timestamp, &fields.Source, &fields.Destination, &fields.Protocol, &fields.Port}
	for i, dst := range positional {
		if i < len(record) {
			*dst = record[i]
		}
	}
	return fields, nil
}

func isHeaderRow(record []string) bool {
	for _, v := range record {
		if a, ok := aliasIndex[strings.ToLower(v)]; ok && a.field != fieldPort {
			return true
		}
	}
	return false
}
