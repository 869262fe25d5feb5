package repository

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeBlobRoundTrip(t *testing.T) {
	body := []byte(`{"hello":"world"}`)

	encoded, err := EncodeBlob("test-codec", false, body)
	require.NoError(t, err)

	name, decoded, err := DecodeBlob(encoded)
	require.NoError(t, err)
	require.Equal(t, "test-codec", name)
	require.Equal(t, body, decoded)
}

func TestEncodeDecodeBlobRoundTripCompressed(t *testing.T) {
	body := make([]byte, 4096)
	for i := range body {
		body[i] = byte(i % 7)
	}

	encoded, err := EncodeBlob("test-codec", true, body)
	require.NoError(t, err)

	name, decoded, err := DecodeBlob(encoded)
	require.NoError(t, err)
	require.Equal(t, "test-codec", name)
	require.Equal(t, body, decoded)
}

func TestDecodeBlobChecksumMismatch(t *testing.T) {
	encoded, err := EncodeBlob("test-codec", false, []byte("payload"))
	require.NoError(t, err)

	corrupted := append([]byte(nil), encoded...)
	corrupted[len(corrupted)-1] ^= 0xFF

	_, _, err = DecodeBlob(corrupted)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestDecodeBlobTruncated(t *testing.T) {
	encoded, err := EncodeBlob("test-codec", false, []byte("payload"))
	require.NoError(t, err)

	_, _, err = DecodeBlob(encoded[:len(encoded)-3])
	require.True(t, errors.Is(err, ErrTruncated) || errors.Is(err, ErrChecksumMismatch))
}

func TestDecodeBlobEmptyInput(t *testing.T) {
	_, _, err := DecodeBlob(nil)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeBlobFormatTooNew(t *testing.T) {
	encoded, err := EncodeBlob("test-codec", false, []byte("payload"))
	require.NoError(t, err)

	mutated := bumpVersionByte(t, encoded, CurrentBlobVersion+1)
	_, _, err = DecodeBlob(mutated)
	require.ErrorIs(t, err, ErrFormatTooNew)
}

func TestDecodeBlobFormatTooOld(t *testing.T) {
	encoded, err := EncodeBlob("test-codec", false, []byte("payload"))
	require.NoError(t, err)

	mutated := bumpVersionByte(t, encoded, MinSupportedBlobVersion-1)
	_, _, err = DecodeBlob(mutated)
	require.ErrorIs(t, err, ErrFormatTooOld)
}

// bumpVersionByte rewrites the version byte in an encoded blob and
// recomputes its trailing checksum so only the version check under test
// fails, not an unrelated checksum mismatch.
func bumpVersionByte(t *testing.T, encoded []byte, version byte) []byte {
	t.Helper()
	out := append([]byte(nil), encoded...)
	versionPos := len(codecMagic) + 1 + int(out[len(codecMagic)])
	out[versionPos] = version

	header := out[:len(out)-8]
	sum := xxhash.Sum64(header)
	binary.LittleEndian.PutUint64(out[len(out)-8:], sum)
	return out
}
