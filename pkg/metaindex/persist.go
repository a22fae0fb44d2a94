package metaindex

import (
	"encoding/binary"
	"io"

	"github.com/gigavector/gigavector/pkg/errs"
)

// Magic tags MetadataIndex's on-disk snapshot, per the magic-tagged binary
// persistence convention shared by every component in the database.
var Magic = [4]byte{'G', 'V', 'M', 'I'}

const formatVersion uint32 = 1

// Save writes every (key, value) -> posting-list pair as
// {magic 4B}{version u32}{pair_count u32}{(klen u32, key, vlen u32, value,
// id_count u32, ids u64*)*}, little-endian throughout, preserving posting
// order so a reload reproduces identical Query results.
func (idx *Index) Save(w io.Writer) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if _, err := w.Write(Magic[:]); err != nil {
		return errs.Wrap(errs.KindIO, "metaindex.Save", err)
	}
	if err := writeU32(w, formatVersion); err != nil {
		return errs.Wrap(errs.KindIO, "metaindex.Save", err)
	}
	if err := writeU32(w, uint32(len(idx.postings))); err != nil {
		return errs.Wrap(errs.KindIO, "metaindex.Save", err)
	}
	for pk, ids := range idx.postings {
		if err := writeString(w, pk.key); err != nil {
			return errs.Wrap(errs.KindIO, "metaindex.Save", err)
		}
		if err := writeString(w, pk.value); err != nil {
			return errs.Wrap(errs.KindIO, "metaindex.Save", err)
		}
		if err := writeU32(w, uint32(len(ids))); err != nil {
			return errs.Wrap(errs.KindIO, "metaindex.Save", err)
		}
		for _, id := range ids {
			if err := writeU64(w, id); err != nil {
				return errs.Wrap(errs.KindIO, "metaindex.Save", err)
			}
		}
	}
	return nil
}

// Load replaces idx's contents with the snapshot read from r, in the format
// written by Save.
func Load(r io.Reader) (*Index, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, errs.Wrap(errs.KindIO, "metaindex.Load", err)
	}
	if magic != Magic {
		return nil, errs.New(errs.KindProtocol, "metaindex.Load", "bad metaindex magic")
	}
	version, err := readU32(r)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "metaindex.Load", err)
	}
	if version != formatVersion {
		return nil, errs.Newf(errs.KindProtocol, "metaindex.Load", "unsupported metaindex version %d", version)
	}
	pairCount, err := readU32(r)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "metaindex.Load", err)
	}

	idx := New()
	for i := uint32(0); i < pairCount; i++ {
		key, err := readString(r)
		if err != nil {
			return nil, errs.Wrap(errs.KindIO, "metaindex.Load", err)
		}
		value, err := readString(r)
		if err != nil {
			return nil, errs.Wrap(errs.KindIO, "metaindex.Load", err)
		}
		idCount, err := readU32(r)
		if err != nil {
			return nil, errs.Wrap(errs.KindIO, "metaindex.Load", err)
		}
		for j := uint32(0); j < idCount; j++ {
			id, err := readU64(r)
			if err != nil {
				return nil, errs.Wrap(errs.KindIO, "metaindex.Load", err)
			}
			idx.addOneLocked(id, key, value)
		}
	}
	return idx, nil
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeString(w io.Writer, s string) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
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
