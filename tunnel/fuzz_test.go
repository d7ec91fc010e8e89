package tunnel

import "testing"

func FuzzParseMessage(f *testing.F) {
	// Seed: valid fixed-length message.
	var msg Message
	msg.TunnelID = 1234
	for i := range msg.Payload {
		msg.Payload[i] = byte(i)
	}
	f.Add(msg.Marshal())

	// Seed: too short.
	f.Add([]byte{0x00, 0x01, 0x02})

	// Seed: empty.
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic on any input, regardless of length.
		ParseMessage(data)
	})
}

func FuzzParseBuildMessage(f *testing.F) {
	// Seed: a handful of random-filler slots, same shape NewBuildMessage
	// produces for its padding slots.
	bm := &BuildMessage{Slots: make([]RecordSlot, 3)}
	f.Add(bm.Marshal())

	// Seed: not a multiple of the slot length.
	f.Add(make([]byte, RecordSlotLen-1))

	// Seed: empty.
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic on any input.
		ParseBuildMessage(data)
	})
}

func FuzzParseBuildRecord(f *testing.F) {
	rec := &BuildRecord{ReceiveTunnelID: 1, NextTunnelID: 2, RequestTime: 3, SendMessageID: 4}
	if buf, err := rec.Marshal(); err == nil {
		f.Add(buf)
	}
	f.Add(make([]byte, RecordCleartextLen))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic on any input.
		ParseBuildRecord(data)
	})
}
