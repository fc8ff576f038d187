package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// CBOR tags used by SurrealDB for NONE and compact datetimes.
const (
	cborTagNone     = 6
	cborTagDatetime = 12
)

// Timestamp is the time type used in projections. It encodes to the native
// datetime of each document store: a compact datetime tag over CBOR, a BSON
// datetime for MongoDB and RFC 3339 in JSON. The zero value encodes as NONE
// or null.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to microseconds, the coarsest precision of the
// supported stores, so a round trip compares equal.
func NewTimestamp(t time.Time) Timestamp {
	if t.IsZero() {
		return Timestamp{}
	}
	return Timestamp{Time: t.UTC().Truncate(time.Microsecond)}
}

func timestampPtr(t *time.Time) Timestamp {
	if t == nil {
		return Timestamp{}
	}
	return NewTimestamp(*t)
}

func (t Timestamp) MarshalCBOR() ([]byte, error) {
	if t.IsZero() {
		return cbor.Marshal(cbor.Tag{Number: cborTagNone})
	}
	ns := t.UnixNano()
	return cbor.Marshal(cbor.Tag{
		Number:  cborTagDatetime,
		Content: [2]int64{ns / int64(time.Second), ns % int64(time.Second)},
	})
}

func (t *Timestamp) UnmarshalCBOR(data []byte) error {
	var raw cbor.RawTag
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Number {
	case cborTagNone:
		t.Time = time.Time{}
		return nil
	case cborTagDatetime:
		var parts [2]int64
		if err := cbor.Unmarshal(raw.Content, &parts); err != nil {
			return err
		}
		t.Time = time.Unix(parts[0], parts[1]).UTC()
		return nil
	default:
		return fmt.Errorf("unexpected tag number: got %d, want %d", raw.Number, cborTagDatetime)
	}
}

func (t Timestamp) MarshalBSONValue() (bsontype.Type, []byte, error) {
	if t.IsZero() {
		return bson.MarshalValue(nil)
	}
	return bson.MarshalValue(t.Time)
}

func (t *Timestamp) UnmarshalBSONValue(typ bsontype.Type, data []byte) error {
	if typ == bson.TypeNull {
		t.Time = time.Time{}
		return nil
	}
	v, ok := bson.RawValue{Type: typ, Value: data}.TimeOK()
	if !ok {
		return fmt.Errorf("cannot decode BSON %s into Timestamp", typ)
	}
	t.Time = v.UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time)
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}
	return json.Unmarshal(data, &t.Time)
}

// Ptr returns nil for the zero timestamp.
func (t Timestamp) Ptr() *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}
