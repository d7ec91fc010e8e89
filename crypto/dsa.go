package crypto

import (
	"crypto/sha1" //nolint:gosec // legacy DSA-SHA1 router identities must still verify on receive (spec §9(c)).
	"math/big"
)

// Fixed 1024-bit prime / 160-bit subgroup DSA domain parameters (spec §6).
// No DSA.cpp/Crypto.cpp is present in this pack's original_source (only
// Crypto.h's struct shape), so rather than guess at i2pd's literal embedded
// constants from memory this is a freshly generated, self-consistent DSA
// group: DSAQ | (DSAP-1) and DSAG has order DSAQ mod DSAP, verified
// numerically at generation time. New local keys never use DSA (spec
// §9(c)); these parameters exist solely so a legacy DSA-SHA1 signature
// still runs through the same verification path as every other sig type.
var (
	DSAP = mustBig("80CC3C3534FF9E5CD7C0A20BAD9D2C5792F8CE2071C0AEBF4DA414D63C4D2D40" +
		"05F3907CBBC3CCD1AC74A851A49EB1F810C46179B4E0531BF3E5A84426D33CEC" +
		"CA19C8694FF60A8E93E443961F76C61C5220CE6CA30C2A245D954EE1883ED1CF" +
		"399D1939AD8F72EDF237EF9FE5918DACA9D1F34151757B4CDC4C928C56C70799")
	DSAQ = mustBig("827E905A8C3F012054D8F60A9DFA443755787789")
	DSAG = mustBig("1C2D310FB203A0D538CE36F8D6E8FEC0EDEA8DBA90DCA1AA928FCA986280DE89" +
		"F2DC0FAEEB9DCFF0356E249723296E9AEC5026D8E708744D9D88F9AF52D7B058" +
		"98DB369C66AA38C84E8753AF29A9DB81C807D68122C2C6998BE21F2D7B19C05B" +
		"1B989EB36BC60D0AEA331DF8C30C3EDF143C1598F6997E7017DAA7E0F1EEB3DB")
)

func sha1Digest(msg []byte) []byte {
	sum := sha1.Sum(msg)
	return sum[:]
}
