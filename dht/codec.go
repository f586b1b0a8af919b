package dht

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec turns messages into transport bytes and back.
type Codec interface {
	Name() string
	Marshal(*Message) ([]byte, error)
	Unmarshal([]byte, *Message) error
}

var (
	JSONCodec    Codec = jsonCodec{}
	MsgpackCodec Codec = msgpackCodec{}
)

// CodecByName resolves the codec names accepted in configuration.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec, nil
	case "msgpack":
		return MsgpackCodec, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string                        { return "json" }
func (jsonCodec) Marshal(m *Message) ([]byte, error)  { return json.Marshal(m) }
func (jsonCodec) Unmarshal(b []byte, m *Message) error { return json.Unmarshal(b, m) }

type msgpackCodec struct{}

func (msgpackCodec) Name() string                        { return "msgpack" }
func (msgpackCodec) Marshal(m *Message) ([]byte, error)  { return msgpack.Marshal(m) }
func (msgpackCodec) Unmarshal(b []byte, m *Message) error { return msgpack.Unmarshal(b, m) }
