// Package intake decodes JSONL event records into evidence events.
package intake

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lazypower/vigil/internal/errors"
	"github.com/lazypower/vigil/internal/evidence"
)

// Record is one input line. Actors may be given as a list or as a single
// "actor"; the timestamp as RFC 3339 text or unix seconds.
type Record struct {
	ID             string            `json:"id"`
	Actors         []string          `json:"actors"`
	Actor          string            `json:"actor"`
	Timestamp      json.RawMessage   `json:"timestamp"`
	Type           string            `json:"type"`
	Channel        string            `json:"channel"`
	Counterpart    string            `json:"counterpart"`
	Strength       *float64          `json:"strength"`
	IdempotencyKey string            `json:"idempotency_key"`
	Attributes     map[string]string `json:"attributes"`
	Payload        json.RawMessage   `json:"payload"`
}

// LineError is a malformed input line.
type LineError struct {
	Line int
	Err  error
}

func (e LineError) Error() string { return "line " + strconv.Itoa(e.Line) + ": " + e.Err.Error() }

// Stats summarizes a decode pass.
type Stats struct {
	Lines     int
	Decoded   int
	Malformed []LineError
}

const maxLine = 1024 * 1024

// Decode reads JSONL from r, handing each decoded event to fn in input
// order. Blank lines are skipped and malformed lines are collected in the
// returned stats. An error from fn stops decoding.
func Decode(r io.Reader, fn func(evidence.Event) error) (Stats, error) {
	var stats Stats
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	for scanner.Scan() {
		stats.Lines++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		e, err := ParseLine(line)
		if err != nil {
			stats.Malformed = append(stats.Malformed, LineError{Line: stats.Lines, Err: err})
			continue
		}
		stats.Decoded++
		if err := fn(e); err != nil {
			return stats, err
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, errors.Wrap(err, "scan input")
	}
	return stats, nil
}

// DecodeFile decodes the JSONL file at path, or stdin when path is "-".
func DecodeFile(path string, fn func(evidence.Event) error) (Stats, error) {
	if path == "-" || path == "" {
		return Decode(os.Stdin, fn)
	}
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, errors.Wrap(err, "open input")
	}
	defer f.Close()
	return Decode(f, fn)
}

// ParseLine decodes and validates a single record.
func ParseLine(line []byte) (evidence.Event, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return evidence.Event{}, errors.Validationf("invalid json: %v", err)
	}
	return rec.Event()
}

// Event converts the record into a validated event.
func (r Record) Event() (evidence.Event, error) {
	ts, err := parseTimestamp(r.Timestamp)
	if err != nil {
		return evidence.Event{}, err
	}
	actors := r.Actors
	if r.Actor != "" {
		actors = append([]string{r.Actor}, actors...)
	}
	e := evidence.Event{
		ID:             r.ID,
		Actors:         actors,
		Timestamp:      ts,
		Type:           r.Type,
		Channel:        r.Channel,
		Counterpart:    r.Counterpart,
		Strength:       r.Strength,
		IdempotencyKey: r.IdempotencyKey,
		Attributes:     r.Attributes,
	}
	if len(r.Payload) > 0 && string(r.Payload) != "null" {
		e.Payload = r.Payload
	}
	if err := e.Validate(); err != nil {
		return evidence.Event{}, err
	}
	return e, nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, errors.Validationf("missing timestamp")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, errors.Validationf("timestamp: %v", err)
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		// numeric strings are unix seconds too
		if secs, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return fromUnix(secs), nil
		}
		return time.Time{}, errors.Validationf("timestamp %q is neither RFC 3339 nor unix seconds", s)
	}
	secs, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, errors.Validationf("timestamp %s: %v", raw, err)
	}
	return fromUnix(secs), nil
}

func fromUnix(secs float64) time.Time {
	whole := int64(secs)
	nanos := int64((secs - float64(whole)) * 1e9)
	return time.Unix(whole, nanos).UTC()
}
