package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quasar-data/quasar/pkg/compression"
	"github.com/quasar-data/quasar/pkg/errors"
	"github.com/quasar-data/quasar/pkg/logger"
	"github.com/quasar-data/quasar/pkg/table"
)

// Artifact file layout: a fixed binary header followed by the compressed
// Arrow IPC payload. The header carries enough metadata to answer stats
// queries without decompressing, and a CRC so a torn write is detected
// instead of decoded.
const (
	artifactMagic   uint32 = 0x51534152 // "QSAR"
	artifactVersion uint16 = 1

	// ArtifactExt is the fixed file extension for artifacts.
	ArtifactExt = ".ipc.zst"
)

// ArtifactInfo is the per-artifact metadata stored in the header.
type ArtifactInfo struct {
	Key               string
	Codec             compression.Algorithm
	RowCount          int64
	SchemaFingerprint uint64
	CreatedAt         time.Time
	CompressedSize    int64
	UncompressedSize  int64
}

// ColdStore is the durable compressed artifact store: one file per key,
// written to a temporary path and atomically renamed into place so a
// partially written artifact is never visible under its key.
type ColdStore struct {
	dir   string
	codec compression.Compressor
	log   *zap.Logger

	// decoders for artifacts written with a different codec than the
	// currently configured one
	decMu    sync.Mutex
	decoders map[compression.Algorithm]compression.Compressor
}

// NewColdStore opens (creating if needed) an artifact directory.
func NewColdStore(dir string, codecCfg *compression.Config) (*ColdStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to create artifact directory")
	}
	codec, err := compression.NewCompressor(codecCfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInvalidArgument, "invalid artifact codec")
	}
	return &ColdStore{
		dir:      dir,
		codec:    codec,
		log:      logger.With(zap.String("component", "coldstore"), zap.String("dir", dir)),
		decoders: map[compression.Algorithm]compression.Compressor{codec.Algorithm(): codec},
	}, nil
}

// Dir returns the artifact directory.
func (s *ColdStore) Dir() string { return s.dir }

// Store atomically writes the table as a compressed artifact under key.
// An existing artifact under the same key is replaced atomically.
func (s *ColdStore) Store(ctx context.Context, key string, tbl *table.Table) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorageIO, "store cancelled")
	}

	path, err := s.keyPath(key)
	if err != nil {
		return err
	}

	raw, err := tbl.ToIPC()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to serialize table")
	}

	payload, err := s.codec.Compress(raw)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to compress artifact")
	}

	info := ArtifactInfo{
		Key:               key,
		Codec:             s.codec.Algorithm(),
		RowCount:          tbl.NumRows(),
		SchemaFingerprint: tbl.SchemaFingerprint(),
		CreatedAt:         time.Now(),
		CompressedSize:    int64(len(payload)),
		UncompressedSize:  int64(len(raw)),
	}

	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to create temp artifact")
	}
	tmpName := tmp.Name()
	// On any failure below the temp file is removed; the published path is
	// only ever touched by the final rename.
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	header, err := encodeHeader(&info, crc32.ChecksumIEEE(payload))
	if err != nil {
		cleanup()
		return err
	}
	if _, err := tmp.Write(header); err != nil {
		cleanup()
		return errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to write artifact header")
	}
	if _, err := tmp.Write(payload); err != nil {
		cleanup()
		return errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to write artifact payload")
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to sync artifact")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to close temp artifact")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to publish artifact")
	}

	s.log.Debug("persisted artifact",
		zap.String("key", key),
		zap.Int64("rows", info.RowCount),
		zap.Int64("compressed_bytes", info.CompressedSize),
		zap.Int64("uncompressed_bytes", info.UncompressedSize))
	return nil
}

// Load reads and decompresses the artifact under key. Missing keys return
// a not-found error; unreadable or corrupt artifacts return storage errors.
func (s *ColdStore) Load(ctx context.Context, key string) (*table.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorageIO, "load cancelled")
	}

	path, err := s.keyPath(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.ErrorTypeNotFound, "no artifact for key %q", key)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to open artifact")
	}
	defer f.Close()

	info, checksum, err := decodeHeader(f)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, info.CompressedSize)
	if _, err := io.ReadFull(f, payload); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorageIO, "truncated artifact payload")
	}
	if crc32.ChecksumIEEE(payload) != checksum {
		return nil, errors.Newf(errors.ErrorTypeStorageIO, "artifact checksum mismatch for key %q", key)
	}

	dec, err := s.decoderFor(info.Codec)
	if err != nil {
		return nil, err
	}
	raw, err := dec.Decompress(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to decompress artifact")
	}

	tbl, err := table.FromIPC(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to decode artifact")
	}
	return tbl, nil
}

// Describe returns the artifact metadata without reading the payload.
func (s *ColdStore) Describe(key string) (*ArtifactInfo, error) {
	path, err := s.keyPath(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.ErrorTypeNotFound, "no artifact for key %q", key)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to open artifact")
	}
	defer f.Close()

	info, _, err := decodeHeader(f)
	if err != nil {
		return nil, err
	}
	info.Key = key
	return info, nil
}

// Exists reports whether an artifact is published under key.
func (s *ColdStore) Exists(key string) bool {
	path, err := s.keyPath(key)
	if err != nil {
		return false
	}
	_, statErr := os.Stat(path)
	return statErr == nil
}

// Delete removes the artifact under key. Deleting a missing key is a no-op.
func (s *ColdStore) Delete(key string) error {
	path, err := s.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to delete artifact")
	}
	return nil
}

// ListKeys returns every published artifact key.
func (s *ColdStore) ListKeys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to list artifact directory")
	}

	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ArtifactExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ArtifactExt))
	}
	return keys, nil
}

// ColdStats aggregates artifact metadata across the store.
type ColdStats struct {
	TotalKeys         int
	TotalRows         int64
	CompressedBytes   int64
	UncompressedBytes int64
	CompressionRatio  float64
}

// Stats scans artifact headers and aggregates totals. Unreadable artifacts
// are skipped with a warning; stats are advisory, never load-bearing.
func (s *ColdStore) Stats() (*ColdStats, error) {
	keys, err := s.ListKeys()
	if err != nil {
		return nil, err
	}

	stats := &ColdStats{TotalKeys: len(keys), CompressionRatio: 1.0}
	for _, key := range keys {
		info, err := s.Describe(key)
		if err != nil {
			s.log.Warn("skipping unreadable artifact in stats", zap.String("key", key), zap.Error(err))
			continue
		}
		stats.TotalRows += info.RowCount
		stats.CompressedBytes += info.CompressedSize
		stats.UncompressedBytes += info.UncompressedSize
	}
	if stats.CompressedBytes > 0 {
		stats.CompressionRatio = float64(stats.UncompressedBytes) / float64(stats.CompressedBytes)
	}
	return stats, nil
}

func (s *ColdStore) decoderFor(algo compression.Algorithm) (compression.Compressor, error) {
	s.decMu.Lock()
	defer s.decMu.Unlock()

	if dec, ok := s.decoders[algo]; ok {
		return dec, nil
	}
	dec, err := compression.NewCompressor(&compression.Config{Algorithm: algo, Level: compression.Default})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorageIO, "artifact written with unknown codec")
	}
	s.decoders[algo] = dec
	return dec, nil
}

// keyPath maps a key to its artifact path, refusing keys that would
// escape the artifact directory.
func (s *ColdStore) keyPath(key string) (string, error) {
	sanitized := sanitizeKey(key)
	if sanitized == "" {
		return "", errors.Newf(errors.ErrorTypeInvalidArgument, "invalid storage key %q", key)
	}
	return filepath.Join(s.dir, sanitized+ArtifactExt), nil
}

func sanitizeKey(key string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", " ", "_")
	return replacer.Replace(key)
}

func encodeHeader(info *ArtifactInfo, checksum uint32) ([]byte, error) {
	var buf bytes.Buffer
	codec := []byte(info.Codec)
	if len(codec) > 255 {
		return nil, errors.Newf(errors.ErrorTypeInvalidArgument, "codec name too long: %q", info.Codec)
	}

	for _, v := range []interface{}{
		artifactMagic,
		artifactVersion,
		uint8(len(codec)),
	} {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to encode artifact header")
		}
	}
	buf.Write(codec)
	for _, v := range []interface{}{
		info.RowCount,
		info.SchemaFingerprint,
		info.CreatedAt.Unix(),
		info.UncompressedSize,
		info.CompressedSize,
		checksum,
	} {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to encode artifact header")
		}
	}
	return buf.Bytes(), nil
}

func decodeHeader(r io.Reader) (*ArtifactInfo, uint32, error) {
	var (
		magic    uint32
		version  uint16
		codecLen uint8
	)
	if err := readFields(r, &magic, &version, &codecLen); err != nil {
		return nil, 0, err
	}
	if magic != artifactMagic {
		return nil, 0, errors.New(errors.ErrorTypeStorageIO, "not a quasar artifact (bad magic)")
	}
	if version != artifactVersion {
		return nil, 0, errors.Newf(errors.ErrorTypeStorageIO, "unsupported artifact version %d", version)
	}

	codec := make([]byte, codecLen)
	if _, err := io.ReadFull(r, codec); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrorTypeStorageIO, "truncated artifact header")
	}

	var (
		rowCount         int64
		schemaFP         uint64
		createdUnix      int64
		uncompressedSize int64
		compressedSize   int64
		checksum         uint32
	)
	if err := readFields(r, &rowCount, &schemaFP, &createdUnix, &uncompressedSize, &compressedSize, &checksum); err != nil {
		return nil, 0, err
	}
	if compressedSize < 0 || uncompressedSize < 0 || rowCount < 0 {
		return nil, 0, errors.New(errors.ErrorTypeStorageIO, "corrupt artifact header")
	}

	return &ArtifactInfo{
		Codec:             compression.Algorithm(codec),
		RowCount:          rowCount,
		SchemaFingerprint: schemaFP,
		CreatedAt:         time.Unix(createdUnix, 0),
		CompressedSize:    compressedSize,
		UncompressedSize:  uncompressedSize,
	}, checksum, nil
}

func readFields(r io.Reader, fields ...interface{}) error {
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorageIO, "truncated artifact header")
		}
	}
	return nil
}
