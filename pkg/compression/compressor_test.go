package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleData() []byte {
	// Repetitive payload so every codec actually shrinks it.
	var buf bytes.Buffer
	for i := 0; i < 1000; i++ {
		buf.WriteString("timestamp,price,volume,symbol\n")
	}
	return buf.Bytes()
}

func TestRoundTripAllAlgorithms(t *testing.T) {
	data := sampleData()

	for _, algo := range []Algorithm{None, Snappy, LZ4, Zstd, S2} {
		t.Run(string(algo), func(t *testing.T) {
			comp, err := NewCompressor(&Config{Algorithm: algo, Level: Default})
			require.NoError(t, err)

			compressed, err := comp.Compress(data)
			require.NoError(t, err)

			decompressed, err := comp.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, data, decompressed)

			if algo != None {
				assert.Less(t, len(compressed), len(data))
			}
		})
	}
}

func TestStreamRoundTrip(t *testing.T) {
	data := sampleData()
	comp, err := NewCompressor(&Config{Algorithm: Zstd, Level: Best})
	require.NoError(t, err)

	var compressed bytes.Buffer
	require.NoError(t, comp.CompressStream(&compressed, bytes.NewReader(data)))

	var decompressed bytes.Buffer
	require.NoError(t, comp.DecompressStream(&decompressed, bytes.NewReader(compressed.Bytes())))
	assert.Equal(t, data, decompressed.Bytes())
}

func TestDefaultConfigFavorsRatio(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, Zstd, cfg.Algorithm)
	assert.Equal(t, Best, cfg.Level)
}

func TestUnsupportedAlgorithm(t *testing.T) {
	_, err := NewCompressor(&Config{Algorithm: "brotli"})
	assert.Error(t, err)
}

func TestParseAlgorithm(t *testing.T) {
	algo, err := ParseAlgorithm("lz4")
	require.NoError(t, err)
	assert.Equal(t, LZ4, algo)

	algo, err = ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, Zstd, algo)

	_, err = ParseAlgorithm("bzip2")
	assert.Error(t, err)
}

func TestConcurrentZstdUse(t *testing.T) {
	comp, err := NewCompressor(&Config{Algorithm: Zstd, Level: Fastest})
	require.NoError(t, err)

	data := sampleData()
	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			for j := 0; j < 20; j++ {
				c, err := comp.Compress(data)
				if err != nil {
					done <- err
					return
				}
				d, err := comp.Decompress(c)
				if err != nil {
					done <- err
					return
				}
				if !bytes.Equal(d, data) {
					done <- assert.AnError
					return
				}
			}
			done <- nil
		}()
	}
	for i := 0; i < 8; i++ {
		assert.NoError(t, <-done)
	}
}
