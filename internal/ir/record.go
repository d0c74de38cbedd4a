package ir

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// DeleteSentinel is the Column of a record that deletes a whole row.
// Row deletion is not a column change, so it gets a reserved name that no
// schema may declare.
const DeleteSentinel = "__deleted"

// SiteID is the stable identifier of one replica.
// The byte-wise order of SiteIDs is the merge tie-break: when two records for
// the same column carry the same column version, the greater SiteID wins.
type SiteID [16]byte

// NewSiteID returns a fresh time-seeded site identifier (UUIDv7 bytes).
func NewSiteID() (SiteID, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return SiteID{}, fmt.Errorf("generate site id: %w", err)
	}
	return SiteID(u), nil
}

// ParseSiteID parses the 32-character hex form produced by String.
func ParseSiteID(s string) (SiteID, error) {
	var id SiteID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse site id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("parse site id %q: want %d bytes, got %d", s, len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// SiteIDFromBytes converts a stored blob into a SiteID.
func SiteIDFromBytes(b []byte) (SiteID, error) {
	var id SiteID
	if len(b) != len(id) {
		return id, fmt.Errorf("site id: want %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// String returns the lowercase hex form.
func (s SiteID) String() string {
	return hex.EncodeToString(s[:])
}

// Short returns the first 8 hex characters, for logs.
func (s SiteID) Short() string {
	return s.String()[:8]
}

// IsZero reports whether s is the zero id.
func (s SiteID) IsZero() bool {
	return s == SiteID{}
}

// Compare orders site ids byte-wise.
func (s SiteID) Compare(other SiteID) int {
	return bytes.Compare(s[:], other[:])
}

// MarshalText implements encoding.TextMarshaler.
func (s SiteID) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SiteID) UnmarshalText(text []byte) error {
	id, err := ParseSiteID(string(text))
	if err != nil {
		return err
	}
	*s = id
	return nil
}

// ChangeRecord is the unit of replication: one attributable, versioned
// mutation of a single column of a single row.
//
// Identity is (Table, PK, Column, SiteID, Seq). Seq is assigned by the origin
// site and preserved when the record is relayed; DBVersion is the logical
// clock of the replica that logged the record.
type ChangeRecord struct {
	Table        string
	PK           string
	Column       string
	Value        Value
	ColVersion   uint64
	DBVersion    uint64
	SiteID       SiteID
	CausalLength uint64
	Seq          uint64
}

// IsDelete reports whether the record is a row deletion.
func (r ChangeRecord) IsDelete() bool {
	return r.Column == DeleteSentinel
}

// String renders a compact description for logs and errors.
func (r ChangeRecord) String() string {
	return fmt.Sprintf("%s[%s].%s@%d (site=%s seq=%d cl=%d)",
		r.Table, r.PK, r.Column, r.ColVersion, r.SiteID.Short(), r.Seq, r.CausalLength)
}

// wireRecord is the replicated JSON shape. Field names are fixed across
// replicas and releases.
type wireRecord struct {
	Table        string          `json:"table"`
	PK           string          `json:"pk"`
	Column       string          `json:"column"`
	Value        json.RawMessage `json:"value"`
	ColVersion   uint64          `json:"columnVersion"`
	DBVersion    uint64          `json:"dbVersion"`
	SiteID       SiteID          `json:"siteId"`
	CausalLength uint64          `json:"causalLength"`
	Seq          uint64          `json:"sequence"`
}

// MarshalJSON implements json.Marshaler using the canonical value encoding.
func (r ChangeRecord) MarshalJSON() ([]byte, error) {
	val, err := EncodeValue(r.Value)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", r, err)
	}
	return json.Marshal(wireRecord{
		Table:        r.Table,
		PK:           r.PK,
		Column:       r.Column,
		Value:        val,
		ColVersion:   r.ColVersion,
		DBVersion:    r.DBVersion,
		SiteID:       r.SiteID,
		CausalLength: r.CausalLength,
		Seq:          r.Seq,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *ChangeRecord) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if len(w.Value) == 0 {
		w.Value = json.RawMessage("null")
	}
	val, err := DecodeValue(w.Value)
	if err != nil {
		return fmt.Errorf("record %s[%s].%s: %w", w.Table, w.PK, w.Column, err)
	}
	*r = ChangeRecord{
		Table:        w.Table,
		PK:           w.PK,
		Column:       w.Column,
		Value:        val,
		ColVersion:   w.ColVersion,
		DBVersion:    w.DBVersion,
		SiteID:       w.SiteID,
		CausalLength: w.CausalLength,
		Seq:          w.Seq,
	}
	return nil
}
