package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainEvent    = "arcsim/event/v1"
	DomainSnapshot = "arcsim/snapshot/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventID computes the content-addressed id of an event.
// The ID field itself is excluded; everything else, including the session
// token and seq, participates, so ids are stable across replays of the same
// session.
func EventID(ev Event) (string, error) {
	obj := IRObject{
		"session": IRString(ev.Session),
		"seq":     IRInt(ev.Seq),
		"type":    IRString(ev.Type),
	}
	if ev.Node != None {
		obj["node"] = IRInt(ev.Node)
	}
	if ev.Target != None {
		obj["target"] = IRInt(ev.Target)
	}
	if ev.Field != "" {
		obj["field"] = IRString(ev.Field)
	}
	if ev.Kind != "" {
		obj["kind"] = IRString(ev.Kind)
	}
	if ev.Task != "" {
		obj["task"] = IRString(ev.Task)
	}
	if ev.Queue != "" {
		obj["queue"] = IRString(ev.Queue)
	}
	if len(ev.Detail) > 0 {
		obj["detail"] = ev.Detail
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EventID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}

// MustEventID is like EventID but panics on error.
// Use only in tests or when the detail is known to be valid.
func MustEventID(ev Event) string {
	id, err := EventID(ev)
	if err != nil {
		panic(err)
	}
	return id
}

// SnapshotHash fingerprints an arbitrary canonical structure (for example a
// heap snapshot rendered as IRObject) so traces can be compared cheaply.
func SnapshotHash(v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("SnapshotHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainSnapshot, canonical), nil
}
