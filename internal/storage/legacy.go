package storage

import (
	"crypto/aes"
	"fmt"
)

const legacyKeyLen = 16

// decryptLegacy opens blobs written by the previous deployment: AES-128 in
// ECB mode with PKCS#7 padding and no header. ECB is deterministic and
// leaks equal blocks; it is accepted for reads only and never written.
func decryptLegacy(key, blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: legacy cipher: %v", ErrCrypto, err)
	}
	bs := block.BlockSize()
	if len(blob) == 0 || len(blob)%bs != 0 {
		return nil, fmt.Errorf("%w: legacy blob size %d is not a multiple of %d", ErrCrypto, len(blob), bs)
	}

	out := make([]byte, len(blob))
	for i := 0; i < len(blob); i += bs {
		block.Decrypt(out[i:i+bs], blob[i:i+bs])
	}

	pad := int(out[len(out)-1])
	if pad == 0 || pad > bs {
		return nil, fmt.Errorf("%w: bad legacy padding", ErrCrypto)
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("%w: bad legacy padding", ErrCrypto)
		}
	}
	return out[:len(out)-pad], nil
}
