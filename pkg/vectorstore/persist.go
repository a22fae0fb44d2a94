package vectorstore

import (
	"encoding/binary"
	"io"

	"github.com/gigavector/gigavector/pkg/errs"
)

// Magic tags the on-disk snapshot format per
// magic-tagged binary persistence convention.
var Magic = [4]byte{'G', 'V', 'V', 'S'}

const formatVersion uint32 = 1

// Save writes a self-describing snapshot of the store to w. The caller must
// ensure no concurrent writer is active; Save takes only a read lock.
func (s *Store) Save(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := w.Write(Magic[:]); err != nil {
		return errs.Wrap(errs.KindIO, "vectorstore.Save", err)
	}
	if err := writeU32(w, formatVersion); err != nil {
		return errs.Wrap(errs.KindIO, "vectorstore.Save", err)
	}
	if err := writeU32(w, uint32(s.dimension)); err != nil {
		return errs.Wrap(errs.KindIO, "vectorstore.Save", err)
	}
	if err := writeU64(w, uint64(s.count)); err != nil {
		return errs.Wrap(errs.KindIO, "vectorstore.Save", err)
	}
	if err := binary.Write(w, binary.LittleEndian, s.data); err != nil {
		return errs.Wrap(errs.KindIO, "vectorstore.Save", err)
	}
	for i := 0; i < s.count; i++ {
		if err := writeRecord(w, s.records[i]); err != nil {
			return errs.Wrap(errs.KindIO, "vectorstore.Save", err)
		}
	}
	return nil
}

// Load replaces the store's contents with the snapshot read from r. The
// caller must ensure quiescence (no concurrent readers or writers).
func (s *Store) Load(r io.Reader) error {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return errs.Wrap(errs.KindIO, "vectorstore.Load", err)
	}
	if magic != Magic {
		return errs.New(errs.KindInvalidArgument, "vectorstore.Load", "bad magic")
	}
	version, err := readU32(r)
	if err != nil {
		return errs.Wrap(errs.KindIO, "vectorstore.Load", err)
	}
	if version != formatVersion {
		return errs.Newf(errs.KindInvalidArgument, "vectorstore.Load", "unsupported version %d", version)
	}
	dim, err := readU32(r)
	if err != nil {
		return errs.Wrap(errs.KindIO, "vectorstore.Load", err)
	}
	count, err := readU64(r)
	if err != nil {
		return errs.Wrap(errs.KindIO, "vectorstore.Load", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.dimension = int(dim)
	s.count = int(count)
	s.data = make([]float32, int(count)*int(dim))
	if err := binary.Read(r, binary.LittleEndian, s.data); err != nil {
		return errs.Wrap(errs.KindIO, "vectorstore.Load", err)
	}
	s.records = make([]record, count)
	for i := range s.records {
		rec, err := readRecord(r)
		if err != nil {
			return errs.Wrap(errs.KindIO, "vectorstore.Load", err)
		}
		s.records[i] = rec
	}
	return nil
}

func writeRecord(w io.Writer, rec record) error {
	var tomb uint8
	if rec.tombstone {
		tomb = 1
	}
	if _, err := w.Write([]byte{tomb}); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(rec.meta))); err != nil {
		return err
	}
	for _, p := range rec.meta {
		if err := writeString(w, p.Key); err != nil {
			return err
		}
		if err := writeString(w, p.Value); err != nil {
			return err
		}
	}
	return nil
}

func readRecord(r io.Reader) (record, error) {
	var tomb [1]byte
	if _, err := io.ReadFull(r, tomb[:]); err != nil {
		return record{}, err
	}
	n, err := readU32(r)
	if err != nil {
		return record{}, err
	}
	meta := make(Metadata, n)
	for i := range meta {
		k, err := readString(r)
		if err != nil {
			return record{}, err
		}
		v, err := readString(r)
		if err != nil {
			return record{}, err
		}
		meta[i] = MetaPair{Key: k, Value: v}
	}
	return record{tombstone: tomb[0] == 1, meta: meta}, nil
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func writeString(w io.Writer, s string) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
