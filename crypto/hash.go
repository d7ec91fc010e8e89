package crypto

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // SSU's wire format mandates HMAC-MD5 (spec §4.4); not used as a collision-resistant digest.
	"crypto/sha256"
	"hash/adler32"
)

// SHA256 returns the SHA-256 digest of data.
func SHA256(data ...[]byte) []byte {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// Adler32 returns the 4-byte big-endian Adler-32 checksum of data, as used
// by NTCP frame integrity (spec §4.3).
func Adler32(data []byte) [4]byte {
	sum := adler32.Checksum(data)
	var out [4]byte
	out[0] = byte(sum >> 24)
	out[1] = byte(sum >> 16)
	out[2] = byte(sum >> 8)
	out[3] = byte(sum)
	return out
}

// HMACMD5Truncated computes HMAC-MD5(key, data) and truncates it to 32
// bytes by repeating the 16-byte MAC twice, matching I2P's SSU MAC
// construction (spec §4.4; the wire MAC field is 16 bytes, but the
// underlying primitive i2pd calls "HMACMD5Digest" size-doubles the
// standard 16-byte MD5 HMAC for historical compatibility with the Java
// router's Adler/HMAC helper classes).
func HMACMD5Truncated(key, data []byte) []byte {
	mac := hmac.New(md5.New, key)
	mac.Write(data)
	sum := mac.Sum(nil)
	out := make([]byte, 32)
	copy(out[:16], sum)
	copy(out[16:], sum)
	return out
}

// SSUMAC computes the 16-byte MAC used on the wire for an SSU packet: the
// first 16 bytes of HMACMD5Truncated.
func SSUMAC(key, data []byte) [16]byte {
	full := HMACMD5Truncated(key, data)
	var out [16]byte
	copy(out[:], full[:16])
	return out
}
