// Package codec is the binary encoding used for persisted metrics snapshots
// and digests. Encoding is CBOR in Core Deterministic form, so identical
// values always produce identical bytes.
package codec

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"

	"multiai-chat/internal/domain"
)

// SnapshotVersion is written into every MetricsSnapshot.
const SnapshotVersion = 1

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// MetricsSnapshot is the periodic copy of the metrics ring buffer.
type MetricsSnapshot struct {
	Version int                  `cbor:"version"`
	TakenAt time.Time            `cbor:"takenAt"`
	Entries []domain.TurnMetrics `cbor:"entries"`
}

// EncodeSnapshot wraps entries in a MetricsSnapshot and encodes it.
func EncodeSnapshot(entries []domain.TurnMetrics, takenAt time.Time) ([]byte, error) {
	b, err := Marshal(MetricsSnapshot{Version: SnapshotVersion, TakenAt: takenAt.UTC(), Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("codec: encode snapshot: %w", err)
	}
	return b, nil
}

// DecodeSnapshot decodes data produced by EncodeSnapshot.
func DecodeSnapshot(data []byte) (MetricsSnapshot, error) {
	if len(data) == 0 {
		return MetricsSnapshot{}, errors.New("codec: empty snapshot")
	}
	var s MetricsSnapshot
	if err := Unmarshal(data, &s); err != nil {
		return MetricsSnapshot{}, fmt.Errorf("codec: decode snapshot: %w", err)
	}
	if s.Version != SnapshotVersion {
		return MetricsSnapshot{}, fmt.Errorf("codec: unsupported snapshot version %d", s.Version)
	}
	return s, nil
}

// EncodeDigest encodes a digest.
func EncodeDigest(d domain.DigestData) ([]byte, error) {
	b, err := Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("codec: encode digest: %w", err)
	}
	return b, nil
}

// DecodeDigest decodes data produced by EncodeDigest.
func DecodeDigest(data []byte) (domain.DigestData, error) {
	var d domain.DigestData
	if err := Unmarshal(data, &d); err != nil {
		return domain.DigestData{}, fmt.Errorf("codec: decode digest: %w", err)
	}
	return d, nil
}
