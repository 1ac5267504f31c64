package spill

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/pierrec/lz4/v4"
)

var (
	ErrInvalidFrame     = errors.New("invalid engram frame")
	ErrCompressFailed   = errors.New("compression failed")
	ErrDecompressFailed = errors.New("decompression failed")
)

// Frame layout: [magic(4)] [flag(1)] [original_size(4)] [checksum(4)]
// followed by the (possibly compressed) payload.
const (
	frameMagic  = "EGRM"
	frameHeader = 4 + 1 + 4 + 4

	flagRaw = 0 // payload stored uncompressed
	flagLZ4 = 1 // payload is an lz4 block
)

// compress frames data with an lz4 block body, falling back to raw
// storage when the data is incompressible.
func compress(data []byte) ([]byte, error) {
	buf := make([]byte, frameHeader, frameHeader+len(data))
	copy(buf, frameMagic)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(data)))
	binary.LittleEndian.PutUint32(buf[9:13], crc32.ChecksumIEEE(data))

	block := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, block, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompressFailed, err)
	}
	if n == 0 || n >= len(data) {
		// Incompressible; store raw.
		buf[4] = flagRaw
		return append(buf, data...), nil
	}

	buf[4] = flagLZ4
	return append(buf, block[:n]...), nil
}

// decompress recovers the original bytes from a frame, verifying the
// checksum.
func decompress(framed []byte) ([]byte, error) {
	if len(framed) < frameHeader || string(framed[:4]) != frameMagic {
		return nil, ErrInvalidFrame
	}

	flag := framed[4]
	origSize := binary.LittleEndian.Uint32(framed[5:9])
	wantCRC := binary.LittleEndian.Uint32(framed[9:13])
	body := framed[frameHeader:]

	var data []byte
	switch flag {
	case flagRaw:
		data = append([]byte(nil), body...)
	case flagLZ4:
		data = make([]byte, origSize)
		n, err := lz4.UncompressBlock(body, data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressFailed, err)
		}
		data = data[:n]
	default:
		return nil, ErrInvalidFrame
	}

	if uint32(len(data)) != origSize {
		return nil, fmt.Errorf("%w: size mismatch", ErrDecompressFailed)
	}
	if crc32.ChecksumIEEE(data) != wantCRC {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrDecompressFailed)
	}
	return data, nil
}

// fingerprint derives a stable filesystem-safe name for an engram id.
func fingerprint(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:12])
}
