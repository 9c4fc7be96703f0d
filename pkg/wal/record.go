// Package wal is the durable append-only log of the runtime: a
// write returns only after the record is flushed or the write fails, and
// replay on startup republishes any record whose state is not terminal.
package wal

import (
	"encoding/json"
	"time"

	"github.com/conduit-hie/conduit/pkg/envelope"
)

// Record is one WAL entry: an envelope/payload pair plus the routing
// context needed to republish it to the correct Host on replay.
type Record struct {
	ProjectID    string            `json:"project_id"`
	ItemName     string            `json:"item_name"`
	Envelope     envelope.Envelope `json:"envelope"`
	Payload      envelope.Payload  `json:"payload"`
	WrittenAt    time.Time         `json:"written_at"`
}

func (r Record) marshal() ([]byte, error) {
	return json.Marshal(r)
}

func unmarshalRecord(b []byte) (Record, error) {
	var r Record
	err := json.Unmarshal(b, &r)
	return r, err
}
