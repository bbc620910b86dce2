package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meftunca/lifeguard/pkg/config"
)

func allCompressors(t *testing.T) []Compressor {
	t.Helper()

	cfg := config.DefaultConfig()
	factory := NewCompressorFactory()
	require.NoError(t, factory.InitializeDefaultCompressors(cfg))

	var compressors []Compressor
	for _, compType := range []config.CompressionType{
		config.CompressionNone,
		config.CompressionZstd,
		config.CompressionLZ4,
		config.CompressionGzip,
	} {
		c, err := factory.GetCompressor(compType)
		require.NoError(t, err)
		compressors = append(compressors, c)
	}
	return compressors
}

func TestCompressorRoundTrip(t *testing.T) {
	// Gossip payloads are repetitive: many entries sharing host prefixes.
	payload := bytes.Repeat([]byte(`{"node":"10.0.0.1:7946","status":"alive"}`), 30)

	for _, c := range allCompressors(t) {
		t.Run(c.Name(), func(t *testing.T) {
			compressed, err := c.Compress(payload)
			require.NoError(t, err)

			decompressed, err := c.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, payload, decompressed)
		})
	}
}

func TestCompressorShrinksRepetitiveData(t *testing.T) {
	payload := bytes.Repeat([]byte("10.0.0.1:7946 alive "), 100)

	for _, c := range allCompressors(t) {
		if c.Name() == "none" {
			continue
		}
		t.Run(c.Name(), func(t *testing.T) {
			compressed, err := c.Compress(payload)
			require.NoError(t, err)
			assert.Less(t, len(compressed), len(payload))
		})
	}
}

func TestCompressorEmptyInput(t *testing.T) {
	for _, c := range allCompressors(t) {
		t.Run(c.Name(), func(t *testing.T) {
			compressed, err := c.Compress(nil)
			require.NoError(t, err)

			decompressed, err := c.Decompress(compressed)
			require.NoError(t, err)
			assert.Empty(t, decompressed)
		})
	}
}

func TestDecompressGarbage(t *testing.T) {
	for _, c := range allCompressors(t) {
		if c.Name() == "none" {
			continue
		}
		t.Run(c.Name(), func(t *testing.T) {
			_, err := c.Decompress([]byte{0x01, 0x02, 0x03})
			assert.Error(t, err)
		})
	}
}

func TestGetCompressorUnknownType(t *testing.T) {
	factory := NewCompressorFactory()
	_, err := factory.GetCompressor(config.CompressionType("brotli"))
	require.Error(t, err)
}

func TestNoneAlwaysAvailable(t *testing.T) {
	factory := NewCompressorFactory()
	c, err := factory.GetCompressor(config.CompressionNone)
	require.NoError(t, err)
	assert.Equal(t, "none", c.Name())
}
