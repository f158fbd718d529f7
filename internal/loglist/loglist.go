// Package loglist parses the static Certificate Transparency log-list
// document and decides which logs may still hold unexpired certificates.
package loglist

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// maxCertDurationCutover is the date RFC 9290 shortened the maximum
// certificate validity accepted by CT logs from 825 to 398 days.
var maxCertDurationCutover = time.Date(2022, time.December, 6, 0, 0, 0, 0, time.UTC)

const (
	maxCertDurationOld = 825 * 24 * time.Hour
	maxCertDurationNew = 398 * 24 * time.Hour
)

// StateKind is the tag of a Log's lifecycle state.
type StateKind string

const (
	StateUsable   StateKind = "usable"
	StateRetired  StateKind = "retired"
	StateReadOnly StateKind = "readonly"
)

// TreeHead is a log's final signed tree head, only present for read-only logs.
type TreeHead struct {
	SHA256RootHash string `json:"sha256_root_hash"`
	TreeSize       uint64 `json:"tree_size"`
}

// LogState is the tagged union the log-list JSON encodes as a single-key
// object, e.g. {"usable": {"timestamp": "2019-..."}}.
type LogState struct {
	Kind          StateKind
	Timestamp     time.Time
	FinalTreeHead *TreeHead
}

func (s *LogState) UnmarshalJSON(data []byte) error {
	var raw map[StateKind]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("log state: %w", err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("log state: expected exactly one key, got %d", len(raw))
	}
	for kind, body := range raw {
		var fields struct {
			Timestamp      string    `json:"timestamp"`
			FinalTreeHead *TreeHead `json:"final_tree_head"`
		}
		if err := json.Unmarshal(body, &fields); err != nil {
			return fmt.Errorf("log state %q: %w", kind, err)
		}
		ts, err := time.Parse(time.RFC3339, fields.Timestamp)
		if err != nil {
			return fmt.Errorf("log state %q: bad timestamp: %w", kind, err)
		}
		s.Kind = kind
		s.Timestamp = ts
		s.FinalTreeHead = fields.FinalTreeHead
	}
	return nil
}

// TemporalInterval restricts the notBefore of certificates a log will accept.
type TemporalInterval struct {
	StartInclusive time.Time
	EndExclusive   time.Time
}

func (t *TemporalInterval) UnmarshalJSON(data []byte) error {
	var fields struct {
		StartInclusive string `json:"start_inclusive"`
		EndExclusive   string `json:"end_exclusive"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	start, err := time.Parse(time.RFC3339, fields.StartInclusive)
	if err != nil {
		return fmt.Errorf("temporal_interval.start_inclusive: %w", err)
	}
	end, err := time.Parse(time.RFC3339, fields.EndExclusive)
	if err != nil {
		return fmt.Errorf("temporal_interval.end_exclusive: %w", err)
	}
	t.StartInclusive, t.EndExclusive = start, end
	return nil
}

// Log is a single Certificate Transparency log as described by the log list.
type Log struct {
	Description      string            `json:"description"`
	LogID            string            `json:"log_id"` // base64 SHA-256 of the log's public key
	Key              string            `json:"key"`
	URL              string            `json:"url"`
	MMD              uint32            `json:"mmd"`
	State            LogState          `json:"state"`
	TemporalInterval *TemporalInterval `json:"temporal_interval,omitempty"`
}

// HasActiveCerts reports whether the log may still hold a certificate that
// has not yet expired, as of now.
func (l Log) HasActiveCerts(now time.Time) bool {
	if l.State.Kind == StateRetired {
		return false
	}
	if l.TemporalInterval != nil && !now.Before(l.TemporalInterval.EndExclusive) {
		return false
	}
	if l.State.Kind == StateReadOnly {
		maxDuration := maxCertDurationNew
		if l.State.Timestamp.Before(maxCertDurationCutover) {
			maxDuration = maxCertDurationOld
		}
		if !l.State.Timestamp.Add(maxDuration).After(now) {
			return false
		}
	}
	return true
}

func (l Log) baseURL() string {
	if len(l.URL) > 0 && l.URL[len(l.URL)-1] != '/' {
		return l.URL + "/"
	}
	return l.URL
}

// GetSTHURL returns the log's get-sth endpoint.
func (l Log) GetSTHURL() string { return l.baseURL() + "ct/v1/get-sth" }

// GetRootsURL returns the log's get-roots endpoint. Unused by the core
// ingestion engine, but the registry is the natural owner of log URL shape
// for the out-of-scope frontend.
func (l Log) GetRootsURL() string { return l.baseURL() + "ct/v1/get-roots" }

// GetEntriesURL returns the log's get-entries endpoint for the inclusive
// range [start, end].
func (l Log) GetEntriesURL(start, end uint64) string {
	return fmt.Sprintf("%sct/v1/get-entries?start=%d&end=%d", l.baseURL(), start, end)
}

// GetSTHConsistencyURL is unused by the core (Merkle consistency proof
// verification is a non-goal) but kept for the same reason as GetRootsURL.
func (l Log) GetSTHConsistencyURL(first, second uint64) string {
	return fmt.Sprintf("%sct/v1/get-sth-consistency?first=%d&second=%d", l.baseURL(), first, second)
}

// Operator groups the logs run by a single CT log operator.
type Operator struct {
	Name  string   `json:"name"`
	Email []string `json:"email"`
	Logs  []Log    `json:"logs"`
}

// List is the top-level log-list document.
type List struct {
	Version          string     `json:"version"`
	LogListTimestamp string     `json:"log_list_timestamp"`
	Operators        []Operator `json:"operators"`
}

// Load reads and parses a log-list JSON document from disk.
func Load(path string) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read log list: %w", err)
	}
	return Parse(data)
}

// Parse decodes a log-list JSON document already in memory.
func Parse(data []byte) (*List, error) {
	var list List
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse log list: %w", err)
	}
	return &list, nil
}

// Logs returns every log across every operator in the list, in document order.
func (l *List) Logs() []Log {
	var out []Log
	for _, op := range l.Operators {
		out = append(out, op.Logs...)
	}
	return out
}

// ActiveLogs returns the subset of Logs() for which HasActiveCerts(now) holds.
func (l *List) ActiveLogs(now time.Time) []Log {
	var out []Log
	for _, log := range l.Logs() {
		if log.HasActiveCerts(now) {
			out = append(out, log)
		}
	}
	return out
}
