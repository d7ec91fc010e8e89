package routerinfo

import (
	"testing"

	"github.com/go-i2p/router/identity"
)

func FuzzParse(f *testing.F) {
	// Seed: valid signed RouterInfo with both transport addresses.
	priv, err := identity.GenerateLocal()
	if err == nil {
		ri := New(priv.Identity)
		ri.SetAddress(Address{Style: StyleNTCP, Host: "1.2.3.4", Port: 12345})
		ri.SetAddress(Address{Style: StyleSSU, Host: "1.2.3.4", Port: 12345, Options: []KV{{Key: "key", Value: "abc"}}})
		ri.SetProperty("caps", "fR")
		if err := ri.Sign(priv.Sign); err == nil {
			if buf, err := ri.Bytes(); err == nil {
				f.Add(buf)
			}
		}
	}

	// Seed: too short to contain an identity.
	f.Add([]byte{0x00, 0x01, 0x02})

	// Seed: empty.
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic on any input.
		Parse(data)
	})
}
