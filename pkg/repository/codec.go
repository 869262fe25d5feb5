package repository

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// Codec errors (spec.md §4.2): each failure mode is reported distinctly so
// the surrounding pipelines can decide between retry, corruption-latch, or
// fail-fast.
var (
	ErrFormatTooOld      = errors.New("repository: blob format version too old")
	ErrFormatTooNew      = errors.New("repository: blob format version too new")
	ErrChecksumMismatch  = errors.New("repository: blob checksum mismatch")
	ErrTruncated         = errors.New("repository: blob truncated")
	ErrUnknownCodec      = errors.New("repository: unrecognized codec name")
)

const codecMagic = "SVLT"

// CurrentBlobVersion is the version byte written by this implementation.
// MinSupportedBlobVersion is the oldest version this implementation will
// still decode.
const (
	CurrentBlobVersion     byte = 1
	MinSupportedBlobVersion byte = 1
)

// EncodeBlob frames body under codecName as: 4-byte magic, 1-byte codec-name
// length + name, 1-byte version, 1-byte compressed flag, 4-byte
// little-endian body length, the (optionally compressed) body, and a
// trailing 8-byte little-endian xxhash64 checksum computed over every
// preceding byte.
func EncodeBlob(codecName string, compress bool, body []byte) ([]byte, error) {
	if len(codecName) > 255 {
		return nil, fmt.Errorf("repository: codec name %q too long", codecName)
	}

	payload := body
	if compress {
		var buf bytes.Buffer
		enc, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("failed to create compressor: %w", err)
		}
		if _, err := enc.Write(body); err != nil {
			_ = enc.Close()
			return nil, fmt.Errorf("failed to compress blob body: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("failed to finalize compressed body: %w", err)
		}
		payload = buf.Bytes()
	}

	var header bytes.Buffer
	header.WriteString(codecMagic)
	header.WriteByte(byte(len(codecName)))
	header.WriteString(codecName)
	header.WriteByte(CurrentBlobVersion)
	if compress {
		header.WriteByte(1)
	} else {
		header.WriteByte(0)
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	header.Write(lenBuf[:])
	header.Write(payload)

	sum := xxhash.Sum64(header.Bytes())
	var sumBuf [8]byte
	binary.LittleEndian.PutUint64(sumBuf[:], sum)

	out := make([]byte, 0, header.Len()+8)
	out = append(out, header.Bytes()...)
	out = append(out, sumBuf[:]...)
	return out, nil
}

// DecodeBlob reverses EncodeBlob, validating the magic, version range,
// checksum, and decompressing the body if the compressed flag is set. It
// returns the codec name so the caller can check it matches what it
// expected for this blob kind.
func DecodeBlob(data []byte) (codecName string, body []byte, err error) {
	const minHeader = len(codecMagic) + 1 + 1 + 1 + 4
	if len(data) < minHeader+8 {
		return "", nil, ErrTruncated
	}

	if string(data[:len(codecMagic)]) != codecMagic {
		return "", nil, fmt.Errorf("%w: bad magic", ErrTruncated)
	}
	pos := len(codecMagic)

	nameLen := int(data[pos])
	pos++
	if len(data) < pos+nameLen {
		return "", nil, ErrTruncated
	}
	codecName = string(data[pos : pos+nameLen])
	pos += nameLen

	if len(data) < pos+1+1+4 {
		return "", nil, ErrTruncated
	}
	version := data[pos]
	pos++
	compressed := data[pos] == 1
	pos++

	bodyLen := binary.LittleEndian.Uint32(data[pos : pos+4])
	pos += 4

	if len(data) < pos+int(bodyLen)+8 {
		return "", nil, ErrTruncated
	}
	payload := data[pos : pos+int(bodyLen)]
	pos += int(bodyLen)

	wantSum := binary.LittleEndian.Uint64(data[pos : pos+8])
	gotSum := xxhash.Sum64(data[:pos])
	if wantSum != gotSum {
		return "", nil, ErrChecksumMismatch
	}

	if version < MinSupportedBlobVersion {
		return "", nil, ErrFormatTooOld
	}
	if version > CurrentBlobVersion {
		return "", nil, ErrFormatTooNew
	}

	if !compressed {
		return codecName, payload, nil
	}

	dec, err := zstd.NewReader(bytes.NewReader(payload))
	if err != nil {
		return "", nil, fmt.Errorf("failed to create decompressor: %w", err)
	}
	defer dec.Close()

	decoded, err := io.ReadAll(dec)
	if err != nil {
		return "", nil, fmt.Errorf("%w: decompression failed: %v", ErrTruncated, err)
	}
	return codecName, decoded, nil
}
