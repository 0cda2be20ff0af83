package models

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ConflictStatus is the caller-visible lifecycle of a conflict.
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
)

// Conflict records a cluster of two or more events from different sources
// whose time ranges overlap for the same owner. The detector owns every
// field except Status, which a caller may flip to resolved.
type Conflict struct {
	ID         string         `json:"id"`
	OwnerID    string         `json:"ownerId"`
	EventIDs   []string       `json:"eventIds"`
	DetectedAt time.Time      `json:"detectedAt"`
	Status     ConflictStatus `json:"status"`

	// Signature fingerprints the cluster membership and time ranges at the
	// last detection. A resolved conflict stays resolved while its signature
	// is unchanged and re-opens when the overlap reappears differently.
	Signature string `json:"signature"`
}

var conflictNamespace = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("conflicts.calsync"))

// ConflictID derives a stable identifier from an unordered pair of event IDs,
// so re-detection of the same overlap is idempotent.
func ConflictID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return uuid.NewSHA1(conflictNamespace, []byte(a+"\x00"+b)).String()
}

// ClusterSignature hashes the sorted member event IDs together with their
// time ranges.
func ClusterSignature(events []UnifiedEvent) string {
	members := make([]string, 0, len(events))
	for _, e := range events {
		members = append(members, e.ID+"|"+e.StartTime.UTC().Format(time.RFC3339Nano)+"|"+e.EndTime.UTC().Format(time.RFC3339Nano))
	}
	sort.Strings(members)
	h := sha256.New()
	for _, m := range members {
		h.Write([]byte(m))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
