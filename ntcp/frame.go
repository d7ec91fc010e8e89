// Package ntcp implements the NTCP transport (spec §4.3 C5): a reliable,
// in-order, per-peer TCP session with a 4-phase AES-CBC handshake and
// Adler-32 frame integrity. It generalizes the teacher's link.Link (a TLS
// connection framed by cell.Reader/cell.Writer) to NTCP's CBC-streamed,
// checksum-trailed frame format over a plain TCP+AES link rather than TLS.
package ntcp

import (
	"bufio"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-i2p/router/crypto"
)

// MaxFrameLen is the maximum NTCP I2NP payload size (spec §6).
const MaxFrameLen = 16 * 1024

// FrameReader decrypts and reassembles NTCP frames from a stream of
// 16-byte AES-CBC blocks, mirroring cell.Reader's "accumulate fixed blocks,
// read size from the first one, assemble the rest" idiom (link/io.go).
type FrameReader struct {
	r    *bufio.Reader
	mode cipher.BlockMode
}

// NewFrameReader wraps r with a decrypting frame reader. mode must be a
// CBC decrypter already seeded with the session key/IV.
func NewFrameReader(r *bufio.Reader, mode cipher.BlockMode) *FrameReader {
	return &FrameReader{r: r, mode: mode}
}

func (fr *FrameReader) readBlock() ([]byte, error) {
	ct := make([]byte, crypto.BlockSize)
	if _, err := io.ReadFull(fr.r, ct); err != nil {
		return nil, fmt.Errorf("ntcp: read block: %w", err)
	}
	pt := make([]byte, crypto.BlockSize)
	fr.mode.CryptBlocks(pt, ct)
	return pt, nil
}

// ReadFrame reads one full NTCP frame: uint16 size, size-byte I2NP
// message, zero-padding to a block boundary, and a trailing 4-byte
// Adler-32 over the whole decrypted frame (spec §4.3). size==0 denotes a
// keepalive/time-sync frame; it is returned as a nil payload plus the 4
// timestamp bytes in keepaliveTimestamp so the caller can distinguish it
// from real traffic.
func (fr *FrameReader) ReadFrame() (payload []byte, keepaliveTimestamp []byte, err error) {
	first, err := fr.readBlock()
	if err != nil {
		return nil, nil, err
	}
	size := binary.BigEndian.Uint16(first[0:2])

	if size == 0 {
		// Keepalive: 4 more bytes of clock-seconds timestamp, then pad to
		// a block boundary, then the Adler-32 trailer over it all.
		remaining := first[2:]
		frame := append([]byte(nil), first...)
		for len(remaining) < 4+4 { // timestamp(4) + adler32(4), at minimum
			blk, err := fr.readBlock()
			if err != nil {
				return nil, nil, err
			}
			frame = append(frame, blk...)
			remaining = frame[2:]
		}
		if err := fr.verifyTrailer(frame); err != nil {
			return nil, nil, err
		}
		return nil, frame[2:6], nil
	}

	if int(size) > MaxFrameLen {
		return nil, nil, fmt.Errorf("ntcp: frame size %d exceeds max %d", size, MaxFrameLen)
	}

	frame := append([]byte(nil), first...)
	needed := 2 + int(size) + 4 // size field + payload + adler32 trailer
	for len(frame) < needed {
		blk, err := fr.readBlock()
		if err != nil {
			return nil, nil, err
		}
		frame = append(frame, blk...)
	}

	if err := fr.verifyTrailer(frame); err != nil {
		return nil, nil, err
	}
	return frame[2 : 2+size], nil, nil
}

func (fr *FrameReader) verifyTrailer(frame []byte) error {
	if len(frame) < 4 {
		return fmt.Errorf("ntcp: frame too short for adler32 trailer")
	}
	body := frame[:len(frame)-4]
	trailer := frame[len(frame)-4:]
	want := crypto.Adler32(body)
	for i := range want {
		if want[i] != trailer[i] {
			return fmt.Errorf("ntcp: adler32 mismatch")
		}
	}
	return nil
}

// FrameWriter encrypts and writes NTCP frames.
type FrameWriter struct {
	w    io.Writer
	mode cipher.BlockMode
}

// NewFrameWriter wraps w with an encrypting frame writer. mode must be a
// CBC encrypter already seeded with the session key/IV.
func NewFrameWriter(w io.Writer, mode cipher.BlockMode) *FrameWriter {
	return &FrameWriter{w: w, mode: mode}
}

// WriteFrame builds and sends one frame carrying payload, zero-padded to a
// block boundary and trailed with an Adler-32 checksum over the plaintext
// frame (spec §4.3).
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	if len(payload) > MaxFrameLen {
		return fmt.Errorf("ntcp: payload length %d exceeds max %d", len(payload), MaxFrameLen)
	}
	body := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(body[0:2], uint16(len(payload)))
	copy(body[2:], payload)

	total := len(body) + 4
	padded := (total + crypto.BlockSize - 1) / crypto.BlockSize * crypto.BlockSize
	frame := make([]byte, padded)
	copy(frame, body)
	// padding bytes stay zero; checksum covers body+padding prior to the trailer
	checksum := crypto.Adler32(frame[:padded-4])
	copy(frame[padded-4:], checksum[:])

	ct := make([]byte, len(frame))
	fw.mode.CryptBlocks(ct, frame)
	if _, err := fw.w.Write(ct); err != nil {
		return fmt.Errorf("ntcp: write frame: %w", err)
	}
	return nil
}

// WriteKeepalive sends a size==0 time-sync frame carrying the router's
// clock in whole seconds since the epoch (spec §4.3).
func (fw *FrameWriter) WriteKeepalive(clockSeconds uint32) error {
	frame := make([]byte, crypto.BlockSize) // size(2)=0 + ts(4) + pad(6) + adler32 filled below needs >=1 block
	binary.BigEndian.PutUint32(frame[2:6], clockSeconds)
	checksum := crypto.Adler32(frame[:len(frame)-4])
	copy(frame[len(frame)-4:], checksum[:])

	ct := make([]byte, len(frame))
	fw.mode.CryptBlocks(ct, frame)
	if _, err := fw.w.Write(ct); err != nil {
		return fmt.Errorf("ntcp: write keepalive: %w", err)
	}
	return nil
}
