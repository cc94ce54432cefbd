// ABOUTME: Opaque pagination cursors for message listing
// ABOUTME: Encodes the last-seen sequence number as base64

package store

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidCursor is returned when a pagination cursor cannot be decoded.
// Callers treat it as a client error, not a store failure.
var ErrInvalidCursor = errors.New("invalid cursor")

// encodeMessageCursor creates an opaque cursor string from a sequence number.
// Format is base64(seq)
func encodeMessageCursor(seq int64) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.FormatInt(seq, 10)))
}

// decodeMessageCursor parses an opaque cursor string into a sequence number.
// Returns ErrInvalidCursor if the cursor is malformed.
func decodeMessageCursor(cursor string) (int64, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	seq, err := strconv.ParseInt(string(decoded), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: expected sequence number", ErrInvalidCursor)
	}

	return seq, nil
}
