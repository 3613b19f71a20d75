package ingest

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec errors
var (
	ErrEncodeFailure = errors.New("failed to encode message")
	ErrDecodeFailure = errors.New("failed to decode message")
	ErrUnknownCodec  = errors.New("unknown codec")
)

// Codec handles the wire form of events and receipts.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Marshal serializes v. Returns ErrEncodeFailure on failure.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes data into v. Returns ErrDecodeFailure on failure.
	Unmarshal(data []byte, v any) error

	// ContentType returns the MIME type, e.g. "application/json".
	ContentType() string

	// Name returns a short identifier, e.g. "json" or "msgpack".
	Name() string
}

// Default returns the default codec (JSON)
func Default() Codec {
	return JSON{}
}

// CodecByName resolves a codec from its Name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "msgpack":
		return MsgPack{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// JSON implements Codec using encoding/json.
type JSON struct{}

func (JSON) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

func (JSON) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Join(ErrDecodeFailure, err)
	}
	return nil
}

func (JSON) ContentType() string { return "application/json" }

func (JSON) Name() string { return "json" }

// MsgPack implements Codec using MessagePack. Smaller on the wire than
// JSON and carries binary metadata values natively.
type MsgPack struct{}

func (MsgPack) Marshal(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

func (MsgPack) Unmarshal(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return errors.Join(ErrDecodeFailure, err)
	}
	return nil
}

func (MsgPack) ContentType() string { return "application/msgpack" }

func (MsgPack) Name() string { return "msgpack" }

// Compile-time checks
var (
	_ Codec = JSON{}
	_ Codec = MsgPack{}
)
