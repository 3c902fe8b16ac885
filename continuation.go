// Copyright 2021 Converter Systems LLC. All rights reserved.

package historian

import (
	"encoding/binary"
	"time"

	"github.com/awcullen/opcua/ua"
)

// continuationPointLength is the fixed width of a continuation point: a big-endian count of
// seconds since the Unix epoch. Sub-second precision is deliberately dropped.
const continuationPointLength = 4

// EncodeContinuationPoint encodes the timestamp of the last returned record as an opaque
// continuation point. A reader resumes after the encoded second, so records whose timestamps
// tie within the boundary second are not returned twice.
func EncodeContinuationPoint(t time.Time) ua.ByteString {
	var buf [continuationPointLength]byte
	binary.BigEndian.PutUint32(buf[:], uint32(t.Unix()))
	return ua.ByteString(buf[:])
}

// DecodeContinuationPoint returns the timestamp held by the continuation point, truncated to
// whole seconds. Returns ua.BadContinuationPointInvalid if the token is not exactly
// continuationPointLength bytes.
func DecodeContinuationPoint(cp ua.ByteString) (time.Time, error) {
	if len(cp) != continuationPointLength {
		return time.Time{}, ua.BadContinuationPointInvalid
	}
	secs := binary.BigEndian.Uint32([]byte(cp))
	return time.Unix(int64(secs), 0).UTC(), nil
}
