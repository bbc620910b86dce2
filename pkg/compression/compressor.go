package compression

import (
	"bytes"
	"compress/gzip"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/meftunca/lifeguard/pkg/config"
	"github.com/meftunca/lifeguard/pkg/types"
)

// Compressor defines the interface for gossip payload compression
type Compressor interface {
	// Compress compresses data
	Compress(data []byte) ([]byte, error)

	// Decompress decompresses data
	Decompress(data []byte) ([]byte, error)

	// Name returns the compressor name
	Name() string

	// MinSize returns minimum size threshold for compression efficiency
	MinSize() int
}

// CompressorFactory creates compressors based on configuration
type CompressorFactory struct {
	compressors map[config.CompressionType]Compressor
	mutex       sync.RWMutex
}

// NewCompressorFactory creates a new compressor factory
func NewCompressorFactory() *CompressorFactory {
	return &CompressorFactory{
		compressors: make(map[config.CompressionType]Compressor),
	}
}

// RegisterCompressor registers a compressor for a compression type
func (f *CompressorFactory) RegisterCompressor(compType config.CompressionType, compressor Compressor) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.compressors[compType] = compressor
}

// GetCompressor returns a compressor for the specified compression type
func (f *CompressorFactory) GetCompressor(compType config.CompressionType) (Compressor, error) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	if compType == config.CompressionNone {
		return &NoCompressor{}, nil
	}

	compressor, exists := f.compressors[compType]
	if !exists {
		return nil, types.NewLifeguardError(types.ErrCodeCompressionError, "unsupported compression type").
			WithDetail("type", compType)
	}

	return compressor, nil
}

// InitializeDefaultCompressors initializes all default compressors
func (f *CompressorFactory) InitializeDefaultCompressors(cfg *config.Config) error {
	zstdCompressor, err := NewZstdCompressor(cfg.Compression.Level)
	if err != nil {
		return err
	}
	f.RegisterCompressor(config.CompressionZstd, zstdCompressor)

	f.RegisterCompressor(config.CompressionLZ4, NewLZ4Compressor())
	f.RegisterCompressor(config.CompressionGzip, NewGzipCompressor(cfg.Compression.Level))

	return nil
}

// NoCompressor implements a no-op compressor
type NoCompressor struct{}

func (n *NoCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (n *NoCompressor) Decompress(data []byte) ([]byte, error) {
	return data, nil
}

func (n *NoCompressor) Name() string {
	return "none"
}

func (n *NoCompressor) MinSize() int {
	return 0
}

// ZstdCompressor implements Zstandard compression
type ZstdCompressor struct {
	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewZstdCompressor creates a new Zstd compressor
func NewZstdCompressor(level int) (*ZstdCompressor, error) {
	encoderLevel := zstd.EncoderLevel(level)

	// Probe the options once so configuration errors surface at startup
	// rather than on the first probe.
	probe, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, types.ErrCompressionError("zstd", err)
	}
	probe.Close()

	comp := &ZstdCompressor{}
	comp.encoderPool.New = func() interface{} {
		enc, _ := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(encoderLevel),
			zstd.WithEncoderConcurrency(1),
		)
		return enc
	}
	comp.decoderPool.New = func() interface{} {
		dec, _ := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(16<<20),
		)
		return dec
	}

	return comp, nil
}

func (z *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	encoder := z.encoderPool.Get().(*zstd.Encoder)
	defer z.encoderPool.Put(encoder)

	return encoder.EncodeAll(data, nil), nil
}

func (z *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	decoder := z.decoderPool.Get().(*zstd.Decoder)
	defer z.decoderPool.Put(decoder)

	result, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, types.ErrDecompressionError("zstd", err)
	}

	return result, nil
}

func (z *ZstdCompressor) Name() string {
	return "zstd"
}

func (z *ZstdCompressor) MinSize() int {
	return 64
}

// LZ4Compressor implements LZ4 compression
type LZ4Compressor struct{}

func NewLZ4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (l *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)

	if _, err := writer.Write(data); err != nil {
		return nil, types.ErrCompressionError("lz4", err)
	}
	if err := writer.Close(); err != nil {
		return nil, types.ErrCompressionError("lz4", err)
	}

	return buf.Bytes(), nil
}

func (l *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	reader := lz4.NewReader(bytes.NewReader(data))

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, types.ErrDecompressionError("lz4", err)
	}

	return buf.Bytes(), nil
}

func (l *LZ4Compressor) Name() string {
	return "lz4"
}

func (l *LZ4Compressor) MinSize() int {
	return 32
}

// GzipCompressor implements gzip compression
type GzipCompressor struct {
	level int
}

func NewGzipCompressor(level int) *GzipCompressor {
	return &GzipCompressor{level: level}
}

func (g *GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, g.level)
	if err != nil {
		return nil, types.ErrCompressionError("gzip", err)
	}

	if _, err := writer.Write(data); err != nil {
		return nil, types.ErrCompressionError("gzip", err)
	}
	if err := writer.Close(); err != nil {
		return nil, types.ErrCompressionError("gzip", err)
	}

	return buf.Bytes(), nil
}

func (g *GzipCompressor) Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, types.ErrDecompressionError("gzip", err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, types.ErrDecompressionError("gzip", err)
	}

	return buf.Bytes(), nil
}

func (g *GzipCompressor) Name() string {
	return "gzip"
}

func (g *GzipCompressor) MinSize() int {
	return 64
}

// NewCompressor builds the compressor selected by the configuration.
func NewCompressor(cfg *config.Config) (Compressor, error) {
	factory := NewCompressorFactory()
	if err := factory.InitializeDefaultCompressors(cfg); err != nil {
		return nil, err
	}
	return factory.GetCompressor(cfg.Compression.Type)
}
