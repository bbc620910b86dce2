package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meftunca/lifeguard/pkg/config"
	"github.com/meftunca/lifeguard/pkg/types"
)

func testEnvelope() *types.Envelope {
	a := types.NewNode("10.0.0.1", 7946)
	b := types.NewNode("10.0.0.2", 7946)
	c := types.NewNode("10.0.0.3", 7946)

	return &types.Envelope{
		From:        a,
		SeqNo:       42,
		Target:      b,
		Incarnation: 7,
		Gossip: types.Membership([]types.GossipEntry{
			{Node: b, Status: types.Alive(3)},
			{Node: c, Status: types.Suspect(4, a, b)},
		}),
	}
}

func allCodecs(t *testing.T) []Codec {
	t.Helper()

	cfg := config.DefaultConfig()
	factory := NewCodecFactory()
	require.NoError(t, factory.InitializeDefaultCodecs(cfg))

	var codecs []Codec
	for _, serType := range []config.SerializationType{
		config.SerializationCBOR,
		config.SerializationJSON,
		config.SerializationMsgPack,
	} {
		c, err := factory.GetCodec(serType)
		require.NoError(t, err)
		codecs = append(codecs, c)
	}
	return codecs
}

func TestCodecRoundTrip(t *testing.T) {
	env := testEnvelope()

	for _, c := range allCodecs(t) {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := c.Encode(env)
			require.NoError(t, err)
			require.NotEmpty(t, data)

			decoded, err := c.Decode(data)
			require.NoError(t, err)

			assert.True(t, decoded.From.Equal(env.From))
			assert.Equal(t, env.SeqNo, decoded.SeqNo)
			assert.True(t, decoded.Target.Equal(env.Target))
			assert.Equal(t, env.Incarnation, decoded.Incarnation)
			require.Len(t, decoded.Gossip.Entries, 2)

			suspect := decoded.Gossip.Entries[1].Status
			assert.True(t, suspect.IsSuspect())
			assert.Equal(t, uint64(4), suspect.Incarnation)
			assert.Len(t, suspect.SuspectedBy, 2)
		})
	}
}

func TestCodecEmptyGossipIsNone(t *testing.T) {
	env := &types.Envelope{From: types.NewNode("10.0.0.1", 7946), SeqNo: 1}

	for _, c := range allCodecs(t) {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := c.Encode(env)
			require.NoError(t, err)

			decoded, err := c.Decode(data)
			require.NoError(t, err)
			assert.True(t, decoded.Gossip.IsNone())
		})
	}
}

func TestCBORDeterministicEncoding(t *testing.T) {
	cborCodec, err := NewCBORCodec(config.CBORConfig{DeterministicMode: true})
	require.NoError(t, err)

	env := testEnvelope()
	first, err := cborCodec.Encode(env)
	require.NoError(t, err)
	second, err := cborCodec.Encode(env)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCodecDecodeGarbage(t *testing.T) {
	for _, c := range allCodecs(t) {
		t.Run(c.Name(), func(t *testing.T) {
			_, err := c.Decode([]byte{0xde, 0xad, 0xbe, 0xef})
			require.Error(t, err)

			var lgErr *types.LifeguardError
			require.ErrorAs(t, err, &lgErr)
			assert.Equal(t, types.ErrCodeDeserializationError, lgErr.Code)
		})
	}
}

func TestGetCodecUnknownType(t *testing.T) {
	factory := NewCodecFactory()
	_, err := factory.GetCodec(config.SerializationType("avro"))
	require.Error(t, err)
}

func TestNewCodecFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Serialization.Type = config.SerializationMsgPack

	c, err := NewCodec(cfg)
	require.NoError(t, err)
	assert.Equal(t, "msgpack", c.Name())
}
