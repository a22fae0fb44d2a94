// Package persist implements spec.md §4.15/§6's Database snapshot format: a
// short envelope (magic, version, IndexKind byte) followed by each
// component's own section — the VectorStore, the MetadataIndex, the
// PointIDMap, a has-index flag, and whichever ANN index backs the database —
// one after another in a single stream. The VectorStore, MetadataIndex and
// index sections carry their own magic+version+body framing; the PointIDMap
// section is a count-prefixed entry list without magic. Every section knows
// its own length, so the composite format needs no outer
// length-prefixing of its own; grounded on sqvect's pkg/core/io.go dump/
// export versioning, which likewise composes already-self-describing
// sections rather than re-framing them.
package persist

import (
	"io"

	"github.com/gigavector/gigavector/pkg/errs"
	"github.com/gigavector/gigavector/pkg/index"
	"github.com/gigavector/gigavector/pkg/kernel"
	"github.com/gigavector/gigavector/pkg/metaindex"
	"github.com/gigavector/gigavector/pkg/pointid"
	"github.com/gigavector/gigavector/pkg/vectorstore"
)

// IndexKind tags which ANN index a saved Database section holds, so Load
// knows which decoder to invoke without the caller needing to know the
// index type ahead of time.
type IndexKind uint8

const (
	IndexKindFlat IndexKind = iota
	IndexKindHNSW
	IndexKindIVFPQ
)

// databaseMagic/formatVersion tag the outer envelope: a one-byte IndexKind
// discriminator written ahead of the index section so Load can dispatch to
// the right decoder.
var databaseMagic = [4]byte{'G', 'V', 'D', 'B'}

const databaseFormatVersion uint32 = 1

// IndexSaver is implemented by HNSWIndex and IVFPQIndex. FlatIndex has no
// mutable on-disk state of its own and is therefore not included in the
// Database snapshot; see SaveDatabase below.
type IndexSaver interface {
	Save(w io.Writer) error
}

// Components bundles everything a Database snapshot needs to read or write.
type Components struct {
	Store   *vectorstore.Store
	Meta    *metaindex.Index
	Points  *pointid.Map
	Index   IndexSaver // nil for FlatIndex, which holds no index-local state
	Kind    IndexKind
}

// SaveDatabase writes VectorStore | MetadataIndex | PointIDMap | chosen
// Index (when present) as one concatenated snapshot, per spec.md §6's
// Database file format. Callers must ensure quiescence: no concurrent
// writers across any of the bundled components during the call.
func SaveDatabase(w io.Writer, c Components) error {
	if _, err := w.Write(databaseMagic[:]); err != nil {
		return errs.Wrap(errs.KindIO, "persist.SaveDatabase", err)
	}
	if err := writeU32(w, databaseFormatVersion); err != nil {
		return errs.Wrap(errs.KindIO, "persist.SaveDatabase", err)
	}
	if err := writeU8(w, byte(c.Kind)); err != nil {
		return errs.Wrap(errs.KindIO, "persist.SaveDatabase", err)
	}

	if err := c.Store.Save(w); err != nil {
		return err
	}
	if err := c.Meta.Save(w); err != nil {
		return err
	}
	if err := c.Points.Save(w); err != nil {
		return errs.Wrap(errs.KindIO, "persist.SaveDatabase", err)
	}
	hasIndex := c.Index != nil
	if err := writeBool(w, hasIndex); err != nil {
		return errs.Wrap(errs.KindIO, "persist.SaveDatabase", err)
	}
	if hasIndex {
		if err := c.Index.Save(w); err != nil {
			return err
		}
	}
	return nil
}

// Loaded holds the components reconstructed by LoadDatabasePrefix. The
// index section is not decoded here (decoding depends on per-index
// constructor arguments — metric, M, nlist, … — that this package cannot
// know); the caller decodes it from the reader LoadDatabasePrefix leaves
// positioned at its start.
type Loaded struct {
	Store  *vectorstore.Store
	Meta   *metaindex.Index
	Points *pointid.Map
	Kind   IndexKind
	// HasIndex reports whether an index section follows in r, starting
	// exactly at the index's own magic-tagged body.
	HasIndex bool
}

// LoadDatabasePrefix reads the VectorStore, MetadataIndex, and PointIDMap
// sections (and the IndexKind/HasIndex discriminators) from r, leaving r
// positioned at the start of the index section (if any) so the caller can
// dispatch to index.LoadHNSWIndex / index.LoadIVFPQIndex / a fresh
// index.NewFlatIndex as appropriate.
func LoadDatabasePrefix(r io.Reader) (*Loaded, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, errs.Wrap(errs.KindIO, "persist.LoadDatabasePrefix", err)
	}
	if magic != databaseMagic {
		return nil, errs.New(errs.KindProtocol, "persist.LoadDatabasePrefix", "bad database magic")
	}
	version, err := readU32(r)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "persist.LoadDatabasePrefix", err)
	}
	if version != databaseFormatVersion {
		return nil, errs.Newf(errs.KindProtocol, "persist.LoadDatabasePrefix", "unsupported database version %d", version)
	}
	kindByte, err := readU8(r)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "persist.LoadDatabasePrefix", err)
	}

	store := &vectorstore.Store{}
	if err := store.Load(r); err != nil {
		return nil, err
	}
	meta, err := metaindex.Load(r)
	if err != nil {
		return nil, err
	}
	points, err := pointid.Load(r)
	if err != nil {
		return nil, err
	}
	hasIndex, err := readBool(r)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "persist.LoadDatabasePrefix", err)
	}

	return &Loaded{
		Store:    store,
		Meta:     meta,
		Points:   points,
		Kind:     IndexKind(kindByte),
		HasIndex: hasIndex,
	}, nil
}

// Metric is re-exported for callers that only import pkg/persist to decode
// a Database header before deciding which index constructor to call.
type Metric = kernel.Metric

// Candidate is re-exported for the same reason.
type Candidate = index.Candidate

func writeU8(w io.Writer, v byte) error {
	_, err := w.Write([]byte{v})
	return err
}

func readU8(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func writeBool(w io.Writer, v bool) error {
	if v {
		return writeU8(w, 1)
	}
	return writeU8(w, 0)
}

func readBool(r io.Reader) (bool, error) {
	b, err := readU8(r)
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
	_, err := w.Write(buf[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}
