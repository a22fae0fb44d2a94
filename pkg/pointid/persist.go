package pointid

import (
	"encoding/binary"
	"io"

	"github.com/gigavector/gigavector/pkg/errs"
)

// Save writes every live (key, id) association as
// {count u32}{(len u32, key bytes, id u64)*}, little-endian throughout,
// matching the framing convention used by pkg/vectorstore's persistence.
func (m *Map) Save(w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(m.count))
	if _, err := w.Write(countBuf[:]); err != nil {
		return errs.Wrap(errs.KindIO, "pointid.Save", err)
	}

	for _, s := range m.slots {
		if s.state != slotFilled {
			continue
		}
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s.key)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return errs.Wrap(errs.KindIO, "pointid.Save", err)
		}
		if _, err := io.WriteString(w, s.key); err != nil {
			return errs.Wrap(errs.KindIO, "pointid.Save", err)
		}
		var idBuf [8]byte
		binary.LittleEndian.PutUint64(idBuf[:], s.id)
		if _, err := w.Write(idBuf[:]); err != nil {
			return errs.Wrap(errs.KindIO, "pointid.Save", err)
		}
	}
	return nil
}

// Load replaces m's contents with the associations read from r, in the
// format written by Save.
func Load(r io.Reader) (*Map, error) {
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, errs.Wrap(errs.KindIO, "pointid.Load", err)
	}
	count := binary.LittleEndian.Uint32(countBuf[:])

	m := New()
	for i := uint32(0); i < count; i++ {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, errs.Wrap(errs.KindIO, "pointid.Load", err)
		}
		keyLen := binary.LittleEndian.Uint32(lenBuf[:])
		keyBytes := make([]byte, keyLen)
		if _, err := io.ReadFull(r, keyBytes); err != nil {
			return nil, errs.Wrap(errs.KindIO, "pointid.Load", err)
		}
		var idBuf [8]byte
		if _, err := io.ReadFull(r, idBuf[:]); err != nil {
			return nil, errs.Wrap(errs.KindIO, "pointid.Load", err)
		}
		id := binary.LittleEndian.Uint64(idBuf[:])
		m.Set(string(keyBytes), id)
	}
	return m, nil
}
