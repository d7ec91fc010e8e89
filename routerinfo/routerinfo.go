// Package routerinfo implements the signed RouterInfo descriptor (spec §3
// C3): identity + addresses + properties + trailing signature, plus the
// on-disk router.info layout (spec §6). It generalizes the teacher's
// directory.Relay/RelayFlags model (a parsed, read-only consensus entry)
// into a descriptor that the local router also owns, mutates, and re-signs.
package routerinfo

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/go-i2p/router/crypto"
	"github.com/go-i2p/router/identity"
)

// Transport styles (spec §3).
const (
	StyleNTCP = "NTCP"
	StyleSSU  = "SSU"
)

// Address is one entry in a RouterInfo's transport address list.
type Address struct {
	Style   string
	Cost    byte
	Expires time.Time // zero value means "never expires"
	Host    string
	Port    uint16
	Options []KV // e.g. SSU "key" (intro-key), "mtu", "itag0".."itag2"
}

// KV is an ordered key/value property pair. RouterInfo stores properties
// and address options as ordered slices, not Go maps, so re-serialization
// is byte-stable (spec §8 round-trip invariant) — Go map iteration order
// is randomized and would otherwise silently break that invariant across
// runs, unlike the original's std::map which iterates lexicographically.
type KV struct {
	Key, Value string
}

func lookup(kvs []KV, key string) (string, bool) {
	for _, kv := range kvs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

func setOrAppend(kvs []KV, key, value string) []KV {
	for i, kv := range kvs {
		if kv.Key == key {
			kvs[i].Value = value
			return kvs
		}
	}
	return append(kvs, KV{Key: key, Value: value})
}

// RouterInfo is a signed router descriptor (spec §3). Other routers'
// RouterInfos are read-only after Parse; the local router's own RouterInfo
// is mutated in place by SetAddress/SetProperty and must be re-signed
// with Sign before being advertised again (spec §3 lifecycle note).
type RouterInfo struct {
	Identity   *identity.Identity
	Timestamp  time.Time // 64-bit ms precision on the wire
	Addresses  []Address
	Properties []KV
	Signature  []byte

	signedBytes []byte // the exact prefix the Signature was computed over, cached for round-trip fidelity
}

// New constructs an unsigned RouterInfo for the local identity. Call Sign
// before advertising it.
func New(id *identity.Identity) *RouterInfo {
	return &RouterInfo{
		Identity:  id,
		Timestamp: time.Now(),
	}
}

// SetAddress replaces the address with the same Style, Host and Port, or
// appends addr if there is none.
func (ri *RouterInfo) SetAddress(addr Address) {
	for i, a := range ri.Addresses {
		if a.Style == addr.Style && a.Host == addr.Host && a.Port == addr.Port {
			ri.Addresses[i] = addr
			return
		}
	}
	ri.Addresses = append(ri.Addresses, addr)
}

// Property returns a top-level property value (e.g. "caps", "netId",
// "family", "router.version").
func (ri *RouterInfo) Property(key string) (string, bool) {
	return lookup(ri.Properties, key)
}

// SetProperty sets or replaces a top-level property.
func (ri *RouterInfo) SetProperty(key, value string) {
	ri.Properties = setOrAppend(ri.Properties, key, value)
}

// Caps returns the router's published capability string (spec §7: sustained
// Firewalled status causes this to omit the reachable bit).
func (ri *RouterInfo) Caps() string {
	v, _ := ri.Property("caps")
	return v
}

// bytesBeforeSignature serializes everything the signature covers:
// identity, timestamp, addresses, properties (spec §3/§6).
func (ri *RouterInfo) bytesBeforeSignature() []byte {
	var out []byte
	out = append(out, ri.Identity.Bytes()...)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(ri.Timestamp.UnixMilli()))
	out = append(out, ts[:]...)

	out = append(out, byte(len(ri.Addresses)))
	for _, a := range ri.Addresses {
		out = append(out, encodeAddress(a)...)
	}

	// "1-byte peer count followed by peer hashes (typically 0)" (spec §6).
	out = append(out, 0)

	propBlob := encodeProperties(ri.Properties)
	var propLen [2]byte
	binary.BigEndian.PutUint16(propLen[:], uint16(len(propBlob)))
	out = append(out, propLen[:]...)
	out = append(out, propBlob...)

	return out
}

func encodeAddress(a Address) []byte {
	var out []byte
	out = append(out, byte(len(a.Style)))
	out = append(out, []byte(a.Style)...)
	out = append(out, a.Cost)

	var exp [8]byte
	if !a.Expires.IsZero() {
		binary.BigEndian.PutUint64(exp[:], uint64(a.Expires.UnixMilli()))
	}
	out = append(out, exp[:]...)

	out = append(out, byte(len(a.Host)))
	out = append(out, []byte(a.Host)...)

	var port [2]byte
	binary.BigEndian.PutUint16(port[:], a.Port)
	out = append(out, port[:]...)

	optBlob := encodeProperties(a.Options)
	var optLen [2]byte
	binary.BigEndian.PutUint16(optLen[:], uint16(len(optBlob)))
	out = append(out, optLen[:]...)
	out = append(out, optBlob...)
	return out
}

func decodeAddress(buf []byte) (Address, int, error) {
	if len(buf) < 1 {
		return Address{}, 0, fmt.Errorf("routerinfo: truncated address")
	}
	off := 0
	styleLen := int(buf[off])
	off++
	if len(buf) < off+styleLen+1+8+1 {
		return Address{}, 0, fmt.Errorf("routerinfo: truncated address fields")
	}
	style := string(buf[off : off+styleLen])
	off += styleLen
	cost := buf[off]
	off++
	expMs := binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	hostLen := int(buf[off])
	off++
	if len(buf) < off+hostLen+2 {
		return Address{}, 0, fmt.Errorf("routerinfo: truncated address host/port")
	}
	host := string(buf[off : off+hostLen])
	off += hostLen
	port := binary.BigEndian.Uint16(buf[off : off+2])
	off += 2

	if len(buf) < off+2 {
		return Address{}, 0, fmt.Errorf("routerinfo: truncated address options length")
	}
	optLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	if len(buf) < off+optLen {
		return Address{}, 0, fmt.Errorf("routerinfo: truncated address options")
	}
	opts, err := decodeProperties(buf[off : off+optLen])
	if err != nil {
		return Address{}, 0, fmt.Errorf("routerinfo: address options: %w", err)
	}
	off += optLen

	addr := Address{Style: style, Cost: cost, Host: host, Port: port, Options: opts}
	if expMs != 0 {
		addr.Expires = time.UnixMilli(int64(expMs)).UTC()
	}
	return addr, off, nil
}

// encodeProperties serializes "key=value;" pairs where each key/value is a
// length-prefixed (1-byte) string, per spec §6.
func encodeProperties(kvs []KV) []byte {
	var out []byte
	for _, kv := range kvs {
		out = append(out, byte(len(kv.Key)))
		out = append(out, []byte(kv.Key)...)
		out = append(out, '=')
		out = append(out, byte(len(kv.Value)))
		out = append(out, []byte(kv.Value)...)
		out = append(out, ';')
	}
	return out
}

func decodeProperties(buf []byte) ([]KV, error) {
	var kvs []KV
	off := 0
	for off < len(buf) {
		if off >= len(buf) {
			break
		}
		keyLen := int(buf[off])
		off++
		if off+keyLen+1 > len(buf) {
			return nil, fmt.Errorf("routerinfo: truncated property key")
		}
		key := string(buf[off : off+keyLen])
		off += keyLen
		if buf[off] != '=' {
			return nil, fmt.Errorf("routerinfo: malformed property (missing '=')")
		}
		off++
		if off >= len(buf) {
			return nil, fmt.Errorf("routerinfo: truncated property value length")
		}
		valLen := int(buf[off])
		off++
		if off+valLen+1 > len(buf) {
			return nil, fmt.Errorf("routerinfo: truncated property value")
		}
		val := string(buf[off : off+valLen])
		off += valLen
		if buf[off] != ';' {
			return nil, fmt.Errorf("routerinfo: malformed property (missing ';')")
		}
		off++
		kvs = append(kvs, KV{Key: key, Value: val})
	}
	return kvs, nil
}

// Sign serializes the descriptor (minus signature), signs it with sign,
// and stores both the signature and the signed prefix.
func (ri *RouterInfo) Sign(sign func(msg []byte) ([]byte, error)) error {
	msg := ri.bytesBeforeSignature()
	sig, err := sign(msg)
	if err != nil {
		return fmt.Errorf("routerinfo: sign: %w", err)
	}
	ri.signedBytes = msg
	ri.Signature = sig
	return nil
}

// Verify checks the descriptor's signature under its own embedded signing
// key (spec §8 invariant: verify(R.signature, R.bytes_before_sig,
// R.identity.signing_pub) == true).
func (ri *RouterInfo) Verify() (bool, error) {
	msg := ri.bytesBeforeSignature()
	return ri.Identity.Verify(msg, ri.Signature)
}

// Bytes serializes the full RouterInfo including its trailing signature.
// Total length must not exceed 64 KiB (spec §3 invariant).
func (ri *RouterInfo) Bytes() ([]byte, error) {
	msg := ri.bytesBeforeSignature()
	out := append(append([]byte(nil), msg...), ri.Signature...)
	if len(out) > 64*1024 {
		return nil, fmt.Errorf("routerinfo: serialized size %d exceeds 64 KiB", len(out))
	}
	return out, nil
}

// Parse reads a RouterInfo from its on-wire form.
func Parse(buf []byte) (*RouterInfo, error) {
	id, n, err := identity.Parse(buf)
	if err != nil {
		return nil, fmt.Errorf("routerinfo: parse identity: %w", err)
	}
	off := n

	if len(buf) < off+8+1 {
		return nil, fmt.Errorf("routerinfo: truncated after identity")
	}
	tsMs := binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	ts := time.UnixMilli(int64(tsMs)).UTC()

	addrCount := int(buf[off])
	off++
	addrs := make([]Address, 0, addrCount)
	for i := 0; i < addrCount; i++ {
		a, n, err := decodeAddress(buf[off:])
		if err != nil {
			return nil, fmt.Errorf("routerinfo: address %d: %w", i, err)
		}
		addrs = append(addrs, a)
		off += n
	}

	if len(buf) < off+1 {
		return nil, fmt.Errorf("routerinfo: truncated peer count")
	}
	peerCount := int(buf[off])
	off++
	off += peerCount * 32 // peer hashes, typically absent (spec §6)

	if len(buf) < off+2 {
		return nil, fmt.Errorf("routerinfo: truncated properties length")
	}
	propLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	if len(buf) < off+propLen {
		return nil, fmt.Errorf("routerinfo: truncated properties")
	}
	props, err := decodeProperties(buf[off : off+propLen])
	if err != nil {
		return nil, fmt.Errorf("routerinfo: properties: %w", err)
	}
	off += propLen

	signedBytes := append([]byte(nil), buf[:off]...)

	sigLen := crypto.SignatureLen(id.SigType())
	if sigLen == 0 {
		return nil, fmt.Errorf("routerinfo: identity has unknown signature length")
	}
	if len(buf) < off+sigLen {
		return nil, fmt.Errorf("routerinfo: truncated signature")
	}
	sig := append([]byte(nil), buf[off:off+sigLen]...)

	return &RouterInfo{
		Identity:    id,
		Timestamp:   ts,
		Addresses:   addrs,
		Properties:  props,
		Signature:   sig,
		signedBytes: signedBytes,
	}, nil
}

// SortedProperties returns a copy of kvs sorted lexicographically by key,
// the canonical form original_source/RouterInfo.h's std::map produces; kvs
// itself is not modified. Nothing in this package applies it automatically:
// descriptors keep their properties in insertion order when serialized and
// re-signed.
func SortedProperties(kvs []KV) []KV {
	out := append([]KV(nil), kvs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
