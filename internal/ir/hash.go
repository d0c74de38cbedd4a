package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainBatch = "replica/batch/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// BatchID computes the content-addressed id of an outgoing batch.
//
// The id covers the origin site and the identity of every record in order,
// so a batch rebuilt from the same log range after a failed round gets the
// same id and receivers can drop the duplicate delivery.
func BatchID(origin SiteID, records []ChangeRecord) (string, error) {
	ids := make([]any, len(records))
	for i, r := range records {
		ids[i] = map[string]any{
			"table":    r.Table,
			"pk":       r.PK,
			"column":   r.Column,
			"site_id":  r.SiteID.String(),
			"sequence": r.Seq,
		}
	}
	doc := map[string]any{
		"origin":  origin.String(),
		"records": ids,
	}

	canonical, err := MarshalCanonical(doc)
	if err != nil {
		return "", fmt.Errorf("BatchID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainBatch, canonical), nil
}
