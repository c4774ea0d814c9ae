package storage

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Sealed blob layout:
//
//	magic "FHV1" | version (1) | plaintext size (8, big endian) | nonce (24) | ciphertext
//
// The 13-byte prefix before the nonce is authenticated as associated data,
// so a blob whose recorded size was altered fails to open.
const (
	blobMagic     = "FHV1"
	blobVersion   = byte(1)
	sizeOffset    = len(blobMagic) + 1
	nonceOffset   = sizeOffset + 8
	blobHeaderLen = nonceOffset + chacha20poly1305.NonceSizeX

	minSecretLen = 16
)

// Cipher seals and opens whole-file content with one process-wide key.
//
// Every blob gets a fresh random nonce, so identical plaintexts never
// produce identical ciphertext. All tenants share the key; there is no
// per-tenant derivation.
type Cipher struct {
	key       [chacha20poly1305.KeySize]byte
	legacyKey []byte // nil unless legacy ECB decryption is enabled

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewCipher derives the content key from secret with HKDF-SHA256.
// When legacy is true, blobs without a header are decrypted with the
// previous AES-128-ECB format keyed by the first 16 bytes of secret.
func NewCipher(secret string, legacy bool) (*Cipher, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("%w: secret must be at least %d bytes", ErrCrypto, minSecretLen)
	}

	c := &Cipher{}
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("filehaven-content-key"))
	if _, err := io.ReadFull(kdf, c.key[:]); err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", ErrCrypto, err)
	}
	if legacy {
		c.legacyKey = []byte(secret[:legacyKeyLen])
	}

	c.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	c.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return c, nil
}

// Seal compresses and encrypts plaintext into a self-describing blob.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	enc := c.encoderPool.Get().(*zstd.Encoder)
	compressed := enc.EncodeAll(plaintext, nil)
	c.encoderPool.Put(enc)

	aead, err := chacha20poly1305.NewX(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", ErrCrypto, err)
	}

	blob := make([]byte, blobHeaderLen, blobHeaderLen+len(compressed)+aead.Overhead())
	copy(blob, blobMagic)
	blob[len(blobMagic)] = blobVersion
	binary.BigEndian.PutUint64(blob[sizeOffset:nonceOffset], uint64(len(plaintext)))

	nonce := blob[nonceOffset:blobHeaderLen]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(blob, nonce, compressed, blob[:nonceOffset]), nil
}

// Open authenticates, decrypts and decompresses a blob produced by Seal,
// or a legacy blob when legacy decryption is enabled.
func (c *Cipher) Open(blob []byte) ([]byte, error) {
	if !bytes.HasPrefix(blob, []byte(blobMagic)) {
		if c.legacyKey == nil {
			return nil, fmt.Errorf("%w: missing blob header", ErrCrypto)
		}
		return decryptLegacy(c.legacyKey, blob)
	}
	if len(blob) < blobHeaderLen {
		return nil, fmt.Errorf("%w: blob truncated (%d bytes)", ErrCrypto, len(blob))
	}
	if v := blob[len(blobMagic)]; v != blobVersion {
		return nil, fmt.Errorf("%w: unsupported blob version %d", ErrCrypto, v)
	}

	aead, err := chacha20poly1305.NewX(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", ErrCrypto, err)
	}
	compressed, err := aead.Open(nil, blob[nonceOffset:blobHeaderLen], blob[blobHeaderLen:], blob[:nonceOffset])
	if err != nil {
		return nil, fmt.Errorf("%w: authenticate blob: %v", ErrCrypto, err)
	}

	dec := c.decoderPool.Get().(*zstd.Decoder)
	plaintext, err := dec.DecodeAll(compressed, []byte{})
	c.decoderPool.Put(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrCrypto, err)
	}

	want := binary.BigEndian.Uint64(blob[sizeOffset:nonceOffset])
	if uint64(len(plaintext)) != want {
		return nil, fmt.Errorf("%w: size mismatch: header %d, content %d", ErrCrypto, want, len(plaintext))
	}
	return plaintext, nil
}

// PlaintextSize reads the recorded content size from a blob header.
// ok is false when header is not a current-format header.
func PlaintextSize(header []byte) (size int64, ok bool) {
	if len(header) < nonceOffset || !bytes.HasPrefix(header, []byte(blobMagic)) || header[len(blobMagic)] != blobVersion {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(header[sizeOffset:nonceOffset])), true
}
