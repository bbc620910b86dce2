package codec

import (
	"encoding/json"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/meftunca/lifeguard/pkg/config"
	"github.com/meftunca/lifeguard/pkg/types"
)

// Codec defines the interface for wire envelope serialization
type Codec interface {
	// Encode serializes an envelope to bytes
	Encode(env *types.Envelope) ([]byte, error)

	// Decode deserializes bytes to an envelope
	Decode(data []byte) (*types.Envelope, error)

	// Name returns the codec name
	Name() string

	// ContentType returns the MIME content type
	ContentType() string
}

// CodecFactory creates codecs based on configuration
type CodecFactory struct {
	codecs map[config.SerializationType]Codec
	mutex  sync.RWMutex
}

// NewCodecFactory creates a new codec factory
func NewCodecFactory() *CodecFactory {
	return &CodecFactory{
		codecs: make(map[config.SerializationType]Codec),
	}
}

// RegisterCodec registers a codec for a serialization type
func (f *CodecFactory) RegisterCodec(serType config.SerializationType, codec Codec) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.codecs[serType] = codec
}

// GetCodec returns a codec for the specified serialization type
func (f *CodecFactory) GetCodec(serType config.SerializationType) (Codec, error) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	codec, exists := f.codecs[serType]
	if !exists {
		return nil, types.NewLifeguardError(types.ErrCodeSerializationError, "unsupported serialization type").
			WithDetail("type", serType)
	}

	return codec, nil
}

// InitializeDefaultCodecs initializes all default codecs
func (f *CodecFactory) InitializeDefaultCodecs(cfg *config.Config) error {
	cborCodec, err := NewCBORCodec(cfg.Serialization.CBORConfig)
	if err != nil {
		return err
	}
	f.RegisterCodec(config.SerializationCBOR, cborCodec)

	f.RegisterCodec(config.SerializationJSON, NewJSONCodec(cfg.Serialization.JSONConfig))
	f.RegisterCodec(config.SerializationMsgPack, NewMsgPackCodec())

	return nil
}

// CBORCodec implements CBOR serialization
type CBORCodec struct {
	encMode cbor.EncMode
	decMode cbor.DecMode
}

// NewCBORCodec creates a new CBOR codec. Deterministic mode sorts map keys
// canonically so identical envelopes encode to identical bytes on every node.
func NewCBORCodec(cfg config.CBORConfig) (*CBORCodec, error) {
	encOpts := cbor.EncOptions{
		TimeTag:     cbor.EncTagNone,
		IndefLength: cbor.IndefLengthForbidden,
		TagsMd:      cbor.TagsAllowed,
	}

	if cfg.DeterministicMode {
		encOpts.Sort = cbor.SortCanonical
	} else {
		encOpts.Sort = cbor.SortNone
	}

	decOpts := cbor.DecOptions{
		TimeTag:     cbor.DecTagIgnored,
		IndefLength: cbor.IndefLengthForbidden,
		TagsMd:      cbor.TagsAllowed,
	}

	encMode, err := encOpts.EncMode()
	if err != nil {
		return nil, types.ErrSerializationError("cbor", err)
	}

	decMode, err := decOpts.DecMode()
	if err != nil {
		return nil, types.ErrSerializationError("cbor", err)
	}

	return &CBORCodec{
		encMode: encMode,
		decMode: decMode,
	}, nil
}

// Encode serializes an envelope using CBOR
func (c *CBORCodec) Encode(env *types.Envelope) ([]byte, error) {
	data, err := c.encMode.Marshal(env)
	if err != nil {
		return nil, types.ErrSerializationError("cbor", err)
	}
	return data, nil
}

// Decode deserializes CBOR data to an envelope
func (c *CBORCodec) Decode(data []byte) (*types.Envelope, error) {
	var env types.Envelope
	if err := c.decMode.Unmarshal(data, &env); err != nil {
		return nil, types.ErrDeserializationError("cbor", err)
	}
	return &env, nil
}

// Name returns the codec name
func (c *CBORCodec) Name() string {
	return "cbor"
}

// ContentType returns the MIME content type
func (c *CBORCodec) ContentType() string {
	return "application/cbor"
}

// JSONCodec implements JSON serialization with a selectable library
// ("standard" or "sonic")
type JSONCodec struct {
	useSonic   bool
	compact    bool
	escapeHTML bool
}

// NewJSONCodec creates a new JSON codec
func NewJSONCodec(cfg config.JSONConfig) *JSONCodec {
	return &JSONCodec{
		useSonic:   cfg.Library == "sonic",
		compact:    cfg.Compact,
		escapeHTML: cfg.EscapeHTML,
	}
}

// Encode serializes an envelope using JSON
func (j *JSONCodec) Encode(env *types.Envelope) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case j.useSonic:
		data, err = sonic.Marshal(env)
	case j.compact:
		data, err = json.Marshal(env)
	default:
		data, err = json.MarshalIndent(env, "", "  ")
	}
	if err != nil {
		return nil, types.ErrSerializationError("json", err)
	}
	return data, nil
}

// Decode deserializes JSON data to an envelope
func (j *JSONCodec) Decode(data []byte) (*types.Envelope, error) {
	var env types.Envelope
	var err error
	if j.useSonic {
		err = sonic.Unmarshal(data, &env)
	} else {
		err = json.Unmarshal(data, &env)
	}
	if err != nil {
		return nil, types.ErrDeserializationError("json", err)
	}
	return &env, nil
}

// Name returns the codec name
func (j *JSONCodec) Name() string {
	return "json"
}

// ContentType returns the MIME content type
func (j *JSONCodec) ContentType() string {
	return "application/json"
}

// MsgPackCodec implements MessagePack serialization
type MsgPackCodec struct{}

// NewMsgPackCodec creates a new MessagePack codec
func NewMsgPackCodec() *MsgPackCodec {
	return &MsgPackCodec{}
}

// Encode serializes an envelope using MessagePack
func (m *MsgPackCodec) Encode(env *types.Envelope) ([]byte, error) {
	data, err := msgpack.Marshal(env)
	if err != nil {
		return nil, types.ErrSerializationError("msgpack", err)
	}
	return data, nil
}

// Decode deserializes MessagePack data to an envelope
func (m *MsgPackCodec) Decode(data []byte) (*types.Envelope, error) {
	var env types.Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, types.ErrDeserializationError("msgpack", err)
	}
	return &env, nil
}

// Name returns the codec name
func (m *MsgPackCodec) Name() string {
	return "msgpack"
}

// ContentType returns the MIME content type
func (m *MsgPackCodec) ContentType() string {
	return "application/msgpack"
}

// NewCodec builds the codec selected by the configuration.
func NewCodec(cfg *config.Config) (Codec, error) {
	factory := NewCodecFactory()
	if err := factory.InitializeDefaultCodecs(cfg); err != nil {
		return nil, err
	}
	return factory.GetCodec(cfg.Serialization.Type)
}
