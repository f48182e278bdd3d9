package abstract

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

type hashWriter interface {
	Write(p []byte) (n int, err error)
}

// Digest hashes every simulated field. Two states with equal digests replay identically.
func (s *State) Digest() string {
	h := sha256.New()
	var tmp [8]byte

	h.Write([]byte(s.Race))
	digestWriteI64(h, &tmp, int64(s.Frame))
	digestWriteI64(h, &tmp, s.MineralsMilli)
	digestWriteI64(h, &tmp, s.GasMilli)
	digestWriteI64(h, &tmp, int64(s.Supply))
	digestWriteI64(h, &tmp, int64(s.MaxSupply))
	digestWriteI64(h, &tmp, int64(s.GasWorkers))

	digestWriteU64(h, &tmp, uint64(len(s.Units)))
	for i := range s.Units {
		u := &s.Units[i]
		digestWriteI64(h, &tmp, int64(u.ID))
		digestWriteU64(h, &tmp, uint64(u.Type))
		digestWriteI64(h, &tmp, int64(u.BuilderID))
		digestWriteI64(h, &tmp, int64(u.BuiltAt))
		digestWriteI64(h, &tmp, int64(u.FreeAt))
		digestWriteU64(h, &tmp, uint64(u.BuildType))
		digestWriteI64(h, &tmp, int64(u.BuildID))
		digestWriteI64(h, &tmp, int64(u.EnergyMilli))
		digestWriteI64(h, &tmp, int64(u.BoostedUntil))
		h.Write([]byte{boolByte(u.Consumed)})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func digestWriteU64(h hashWriter, tmp *[8]byte, v uint64) {
	binary.LittleEndian.PutUint64(tmp[:], v)
	h.Write(tmp[:])
}

func digestWriteI64(h hashWriter, tmp *[8]byte, v int64) {
	digestWriteU64(h, tmp, uint64(v))
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
