package eventstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Canonical returns both representations stored per event:
// the plain JSON bytes and their RFC 8785 canonical form.
func Canonical(v any) (payloadJSON json.RawMessage, canonical []byte, err error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, nil, err
	}
	return json.RawMessage(raw), canon, nil
}

// ChainHash links an event to its predecessor in the same aggregate stream.
// The first event of a stream has an empty prevHash.
func ChainHash(prevHash []byte, aggregateID uuid.UUID, version int, eventType string, canonical []byte) []byte {
	h := sha256.New()
	h.Write(prevHash)
	h.Write([]byte{'|'})
	h.Write([]byte(aggregateID.String()))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.Itoa(version)))
	h.Write([]byte{'|'})
	h.Write([]byte(eventType))
	h.Write([]byte{'|'})
	h.Write(canonical)
	return h.Sum(nil)
}

// ChainError reports the first version whose link does not verify.
type ChainError struct {
	AggregateID uuid.UUID
	Version     int
	Reason      string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("eventstore: chain broken for %s at version %d: %s", e.AggregateID, e.Version, e.Reason)
}

// VerifyChain recomputes the hash chain of one full aggregate stream.
// It returns the head hash on success.
func VerifyChain(events []Event) ([]byte, error) {
	var prev []byte
	for i, ev := range events {
		if ev.Version != i+1 {
			return nil, &ChainError{AggregateID: ev.AggregateID, Version: ev.Version, Reason: "version gap"}
		}
		if !bytes.Equal(ev.PrevHash, prev) {
			return nil, &ChainError{AggregateID: ev.AggregateID, Version: ev.Version, Reason: "prev_hash mismatch"}
		}
		canon, err := jcs.Transform(ev.Payload)
		if err != nil {
			return nil, &ChainError{AggregateID: ev.AggregateID, Version: ev.Version, Reason: "payload not canonicalizable"}
		}
		want := ChainHash(prev, ev.AggregateID, ev.Version, ev.Type, canon)
		if !bytes.Equal(want, ev.Hash) {
			return nil, &ChainError{AggregateID: ev.AggregateID, Version: ev.Version, Reason: "hash mismatch"}
		}
		prev = ev.Hash
	}
	return prev, nil
}
