// Package crypto provides the link- and tunnel-layer cryptographic
// primitives shared by the NTCP, SSU and tunnel packages: AES-256 in ECB
// and CBC mode, the double-IV tunnel transform, HMAC-MD5 truncation, the
// fixed 2048-bit I2P Diffie-Hellman/ElGamal group, and signature
// verification across all supported RouterIdentity signing types.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// BlockSize is the AES block size used throughout the link and tunnel
// layers (16 bytes).
const BlockSize = aes.BlockSize

// ECBEncrypt encrypts src one 16-byte block at a time, using key under
// AES-256 ECB, and returns the ciphertext in a newly allocated slice; src
// is left unchanged. len(src) must be a non-zero multiple of BlockSize.
func ECBEncrypt(key, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ecb encrypt: %w", err)
	}
	if len(src) == 0 || len(src)%BlockSize != 0 {
		return nil, fmt.Errorf("ecb encrypt: length %d not a multiple of %d", len(src), BlockSize)
	}
	dst := make([]byte, len(src))
	for off := 0; off < len(src); off += BlockSize {
		block.Encrypt(dst[off:off+BlockSize], src[off:off+BlockSize])
	}
	return dst, nil
}

// ECBDecrypt is the inverse of ECBEncrypt.
func ECBDecrypt(key, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ecb decrypt: %w", err)
	}
	if len(src) == 0 || len(src)%BlockSize != 0 {
		return nil, fmt.Errorf("ecb decrypt: length %d not a multiple of %d", len(src), BlockSize)
	}
	dst := make([]byte, len(src))
	for off := 0; off < len(src); off += BlockSize {
		block.Decrypt(dst[off:off+BlockSize], src[off:off+BlockSize])
	}
	return dst, nil
}

// CBCEncrypt encrypts src under AES-256-CBC with the given key and IV.
// len(src) must be a multiple of BlockSize.
func CBCEncrypt(key, iv, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cbc encrypt: %w", err)
	}
	if len(src)%BlockSize != 0 {
		return nil, fmt.Errorf("cbc encrypt: length %d not a multiple of %d", len(src), BlockSize)
	}
	dst := make([]byte, len(src))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(dst, src)
	return dst, nil
}

// CBCDecrypt is the inverse of CBCEncrypt.
func CBCDecrypt(key, iv, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cbc decrypt: %w", err)
	}
	if len(src)%BlockSize != 0 {
		return nil, fmt.Errorf("cbc decrypt: length %d not a multiple of %d", len(src), BlockSize)
	}
	dst := make([]byte, len(src))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(dst, src)
	return dst, nil
}

// TunnelEncrypt applies the tunnel layer's double-IV transform in the
// forward (encrypt) direction, as used by an outbound gateway building the
// onion layers for each hop in turn (spec §4.5):
//
//	ivKeyCT  = ECB-encrypt(iv, ivKey)
//	payload' = CBC-encrypt(payload, layerKey, ivKeyCT)
//	iv'      = ECB-encrypt(ivKeyCT, ivKey)
//
// It returns the new 16-byte IV and the encrypted 1008-byte payload.
func TunnelEncrypt(layerKey, ivKey, iv, payload []byte) (newIV, out []byte, err error) {
	ivCT, err := ECBEncrypt(ivKey, iv)
	if err != nil {
		return nil, nil, fmt.Errorf("tunnel encrypt: iv stage 1: %w", err)
	}
	out, err = CBCEncrypt(layerKey, ivCT, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("tunnel encrypt: payload: %w", err)
	}
	newIV, err = ECBEncrypt(ivKey, ivCT)
	if err != nil {
		return nil, nil, fmt.Errorf("tunnel encrypt: iv stage 2: %w", err)
	}
	return newIV, out, nil
}

// TunnelDecrypt applies the tunnel layer's double-IV transform in the
// reverse (decrypt) direction, as used by a participant or endpoint
// processing an inbound tunnel data message (spec §4.5):
//
//	iv'  = ECB-encrypt(iv, ivKey)
//	P'   = CBC-decrypt(payload, layerKey, iv')
//	iv'' = ECB-encrypt(iv', ivKey)
//
// It returns the new 16-byte IV (to forward to the next hop) and the
// decrypted 1008-byte payload.
func TunnelDecrypt(layerKey, ivKey, iv, payload []byte) (newIV, out []byte, err error) {
	ivP, err := ECBEncrypt(ivKey, iv)
	if err != nil {
		return nil, nil, fmt.Errorf("tunnel decrypt: iv stage 1: %w", err)
	}
	out, err = CBCDecrypt(layerKey, ivP, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("tunnel decrypt: payload: %w", err)
	}
	newIV, err = ECBEncrypt(ivKey, ivP)
	if err != nil {
		return nil, nil, fmt.Errorf("tunnel decrypt: iv stage 2: %w", err)
	}
	return newIV, out, nil
}
