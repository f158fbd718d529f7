// Package entrycodec decodes the RFC 6962 MerkleTreeLeaf structures
// returned by a CT log's get-entries endpoint.
package entrycodec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"

	"golang.org/x/crypto/cryptobyte"
)

// EntryType is the TimestampedEntry.entry_type tag.
type EntryType uint16

const (
	X509Entry    EntryType = 0
	PrecertEntry EntryType = 1
)

// LogEntry is the signed_entry union of a TimestampedEntry: either a leaf
// certificate (X509Entry) or a precertificate's TBS body plus its issuer's
// key hash (PrecertEntry).
type LogEntry struct {
	Type EntryType

	// X509Cert is set when Type == X509Entry.
	X509Cert []byte

	// IssuerKeyHash and TBSCertificate are set when Type == PrecertEntry.
	IssuerKeyHash  [32]byte
	TBSCertificate []byte
}

// InnerCert returns whichever certificate body the entry carries: the leaf
// certificate for X509Entry, or the TBS certificate for PrecertEntry. This
// is the byte string certdecode and dbhash operate on.
func (e LogEntry) InnerCert() []byte {
	if e.Type == PrecertEntry {
		return e.TBSCertificate
	}
	return e.X509Cert
}

// TimestampedEntry is the core signed structure of a Merkle tree leaf.
type TimestampedEntry struct {
	Timestamp uint64
	LogEntry  LogEntry

	// Extensions is the raw CtExtensions content. No CT log in production
	// populates this field; it is retained for forward compatibility and
	// logged, never interpreted.
	Extensions []byte
}

// ParseTimestampedEntry decodes the TimestampedEntry struct described in
// RFC 6962 section 3.4.
func ParseTimestampedEntry(v []byte) (TimestampedEntry, error) {
	s := cryptobyte.String(v)

	var timestamp uint64
	var entryType uint16
	if !s.ReadUint64(&timestamp) || !s.ReadUint16(&entryType) {
		return TimestampedEntry{}, fmt.Errorf("entrycodec: timestamped entry: truncated header")
	}

	var entry LogEntry
	switch EntryType(entryType) {
	case X509Entry:
		entry.Type = X509Entry
		if !s.ReadUint24LengthPrefixed((*cryptobyte.String)(&entry.X509Cert)) {
			return TimestampedEntry{}, fmt.Errorf("entrycodec: timestamped entry: truncated x509 certificate")
		}
	case PrecertEntry:
		entry.Type = PrecertEntry
		if !s.CopyBytes(entry.IssuerKeyHash[:]) ||
			!s.ReadUint24LengthPrefixed((*cryptobyte.String)(&entry.TBSCertificate)) {
			return TimestampedEntry{}, fmt.Errorf("entrycodec: timestamped entry: truncated precertificate")
		}
	default:
		return TimestampedEntry{}, fmt.Errorf("entrycodec: timestamped entry: unknown entry type %d", entryType)
	}

	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) {
		return TimestampedEntry{}, fmt.Errorf("entrycodec: timestamped entry: truncated extensions")
	}
	if !s.Empty() {
		return TimestampedEntry{}, fmt.Errorf("entrycodec: timestamped entry: trailing data after extensions")
	}
	if len(extensions) > 0 {
		log.Printf("entrycodec: ignoring %d bytes of CT extensions", len(extensions))
	}

	return TimestampedEntry{
		Timestamp:  timestamp,
		LogEntry:   entry,
		Extensions: []byte(extensions),
	}, nil
}

// MerkleTreeLeaf is the top-level leaf structure, as returned base64-encoded
// in the leaf_input field of a get-entries response item.
type MerkleTreeLeaf struct {
	Version          uint8
	TimestampedEntry TimestampedEntry
}

// timestampedEntryLeafType is the only MerkleLeafType CT logs emit.
const timestampedEntryLeafType = 0

// ParseMerkleTreeLeaf decodes a MerkleTreeLeaf.
func ParseMerkleTreeLeaf(v []byte) (MerkleTreeLeaf, error) {
	if len(v) <= 3 {
		return MerkleTreeLeaf{}, fmt.Errorf("entrycodec: merkle tree leaf: too short (%d bytes)", len(v))
	}
	version := v[0]
	leafType := v[1]
	if leafType != timestampedEntryLeafType {
		return MerkleTreeLeaf{}, fmt.Errorf("entrycodec: merkle tree leaf: unknown leaf type %d", leafType)
	}
	entry, err := ParseTimestampedEntry(v[2:])
	if err != nil {
		return MerkleTreeLeaf{}, err
	}
	return MerkleTreeLeaf{Version: version, TimestampedEntry: entry}, nil
}

// GetEntriesItem is a single decoded element of a get-entries response.
type GetEntriesItem struct {
	LeafInput MerkleTreeLeaf
	ExtraData []byte
}

// getEntriesResponse mirrors the wire shape of a CT log's get-entries reply.
type getEntriesResponse struct {
	Entries *[]struct {
		LeafInput string `json:"leaf_input"`
		ExtraData string `json:"extra_data"`
	} `json:"entries"`
}

// ParseGetEntriesResponse decodes the JSON body of a get-entries response
// into fully-parsed leaves. startIndex is the index of the first requested entry,
// used only to annotate errors.
func ParseGetEntriesResponse(body []byte, startIndex uint64) ([]GetEntriesItem, error) {
	var resp getEntriesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("entrycodec: get-entries response: %w", err)
	}
	if resp.Entries == nil {
		return nil, fmt.Errorf("entrycodec: get-entries response: missing entries array")
	}
	entries := *resp.Entries
	items := make([]GetEntriesItem, 0, len(entries))
	for i, raw := range entries {
		idx := startIndex + uint64(i)
		leafInput, err := base64.StdEncoding.DecodeString(raw.LeafInput)
		if err != nil {
			return nil, fmt.Errorf("entrycodec: entry %d: leaf_input: %w", idx, err)
		}
		extraData, err := base64.StdEncoding.DecodeString(raw.ExtraData)
		if err != nil {
			return nil, fmt.Errorf("entrycodec: entry %d: extra_data: %w", idx, err)
		}
		leaf, err := ParseMerkleTreeLeaf(leafInput)
		if err != nil {
			return nil, fmt.Errorf("entrycodec: entry %d: %w", idx, err)
		}
		items = append(items, GetEntriesItem{LeafInput: leaf, ExtraData: extraData})
	}
	return items, nil
}
