package bus

import "golang.org/x/crypto/blake2b"

// dedupKey derives the delivery dedup key for one subscription seeing one
// event: blake2b-128 over name + NUL + event ID.
func dedupKey(sub, eventID string) string {
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(sub))
	h.Write([]byte{0})
	h.Write([]byte(eventID))
	return string(h.Sum(nil))
}
