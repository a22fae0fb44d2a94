// Package gigavector is the top-level facade tying VectorStore,
// MetadataIndex, PointIDMap, one backing ANN index, QueryEngine, and
// ResultCache into a single embeddable database handle, and bridging it to
// pkg/server for the TCP wire protocol. Grounded on sqvect's top-level
// pkg/sqvect/sqvect.go DB/Config/Open/functional-option shape (Open wires
// sub-stores together, Option funcs tweak a Config before construction),
// restructured around GigaVector's own VectorStore/Index/QueryEngine
// components in place of that package's single SQLiteStore.
package gigavector

import (
	"io"
	"sync"

	"github.com/gigavector/gigavector/pkg/errs"
	"github.com/gigavector/gigavector/pkg/index"
	"github.com/gigavector/gigavector/pkg/kernel"
	"github.com/gigavector/gigavector/pkg/metaindex"
	"github.com/gigavector/gigavector/pkg/persist"
	"github.com/gigavector/gigavector/pkg/pointid"
	"github.com/gigavector/gigavector/pkg/query"
	"github.com/gigavector/gigavector/pkg/quantization"
	"github.com/gigavector/gigavector/pkg/resultcache"
	"github.com/gigavector/gigavector/pkg/vectorstore"
)

// IndexKind selects which ANN index backs a DB.
type IndexKind int

const (
	// IndexFlat performs exact brute-force k-NN; no training required.
	IndexFlat IndexKind = iota
	// IndexHNSW performs approximate k-NN over a layered proximity graph;
	// no training required, online insert.
	IndexHNSW
	// IndexIVFPQ performs approximate k-NN over PQ-encoded residuals
	// partitioned by coarse centroids; requires Train before Insert.
	IndexIVFPQ
)

// HNSWConfig tunes an IndexHNSW-backed DB.
type HNSWConfig struct {
	M              int
	EfConstruction int
	EfSearch       int
	Seed           int64
}

// DefaultHNSWConfig returns GigaVector's spec-default HNSW tuning: M=16.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{M: 16, EfConstruction: 200, EfSearch: 64, Seed: 1}
}

// IVFPQConfig tunes an IndexIVFPQ-backed DB. PQM must divide Dimension;
// PQNbits must be in [1,8].
type IVFPQConfig struct {
	NList      int
	NProbe     int
	PQM        int
	PQNbits    int
	TrainIters int
	Seed       int64
}

// DefaultIVFPQConfig returns reasonable defaults for a small-to-medium
// dataset; callers with large datasets should raise NList.
func DefaultIVFPQConfig() IVFPQConfig {
	return IVFPQConfig{NList: 100, NProbe: 8, PQM: 8, PQNbits: 8, TrainIters: 25, Seed: 1}
}

// Config bundles every knob Open needs to construct a DB.
type Config struct {
	Dimension                  int
	Metric                     kernel.Metric
	Index                      IndexKind
	HNSW                       HNSWConfig
	IVFPQ                      IVFPQConfig
	Cache                      *resultcache.Config // nil disables the ResultCache
	FilterSelectivityThreshold float64
}

// DefaultConfig returns a Config for an IndexFlat database over the given
// dimension using Euclidean distance and no result cache.
func DefaultConfig(dimension int) Config {
	return Config{
		Dimension:                  dimension,
		Metric:                     kernel.Euclidean,
		Index:                      IndexFlat,
		HNSW:                       DefaultHNSWConfig(),
		IVFPQ:                      DefaultIVFPQConfig(),
		FilterSelectivityThreshold: 0.2,
	}
}

// Option is a functional option applied to a Config before Open constructs
// its DB, matching sqvect's WithEmbedder-style configuration.
type Option func(*Config)

// WithMetric overrides the distance kernel.
func WithMetric(m kernel.Metric) Option {
	return func(c *Config) { c.Metric = m }
}

// WithIndex selects the backing ANN index kind.
func WithIndex(kind IndexKind) Option {
	return func(c *Config) { c.Index = kind }
}

// WithHNSWConfig overrides HNSW tuning; only meaningful with WithIndex(IndexHNSW).
func WithHNSWConfig(cfg HNSWConfig) Option {
	return func(c *Config) { c.HNSW = cfg }
}

// WithIVFPQConfig overrides IVFPQ tuning; only meaningful with
// WithIndex(IndexIVFPQ).
func WithIVFPQConfig(cfg IVFPQConfig) Option {
	return func(c *Config) { c.IVFPQ = cfg }
}

// WithCache enables the ResultCache with the given bounds.
func WithCache(cfg resultcache.Config) Option {
	return func(c *Config) { c.Cache = &cfg }
}

// storeFetcher adapts *vectorstore.Store to index.VectorFetcher, letting
// HNSWIndex resolve a neighbor id to its vector without holding its own
// copy of vector data.
type storeFetcher struct {
	store *vectorstore.Store
}

func (f storeFetcher) Fetch(id uint64) ([]float32, bool) {
	vec, err := f.store.Get(id)
	if err != nil {
		return nil, false
	}
	return vec, true
}

// DB is GigaVector's embeddable database handle: VectorStore + MetadataIndex
// + PointIDMap + one ANN index + QueryEngine + optional ResultCache, all
// addressed through user-supplied string ids rather than VectorStore's
// internal uint64 ids.
type DB struct {
	mu sync.RWMutex

	cfg    Config
	store  *vectorstore.Store
	meta   *metaindex.Index
	points *pointid.Map
	cache  *resultcache.Cache
	engine *query.Engine

	kind  persist.IndexKind
	flat  *index.FlatIndex
	hnsw  *index.HNSWIndex
	ivfpq *index.IVFPQIndex

	ivfpqTrained bool
}

// Open constructs a DB per cfg (as adjusted by opts). For IndexIVFPQ, the
// returned DB rejects Insert/Search until Train has been called.
func Open(cfg Config, opts ...Option) (*DB, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Dimension <= 0 {
		return nil, errs.New(errs.KindInvalidArgument, "gigavector.Open", "Dimension must be positive")
	}

	store, err := vectorstore.New(cfg.Dimension)
	if err != nil {
		return nil, err
	}
	meta := metaindex.New()
	points := pointid.New()

	var cache *resultcache.Cache
	if cfg.Cache != nil {
		cache, err = resultcache.New(*cfg.Cache)
		if err != nil {
			return nil, err
		}
	}

	db := &DB{cfg: cfg, store: store, meta: meta, points: points, cache: cache}

	var engineIndex query.Index
	switch cfg.Index {
	case IndexFlat:
		db.flat = index.NewFlatIndex(cfg.Dimension, cfg.Metric)
		db.kind = persist.IndexKindFlat
		engineIndex = &query.FlatAdapter{Flat: db.flat, Store: store}
	case IndexHNSW:
		db.hnsw = index.NewHNSWIndex(cfg.Dimension, cfg.Metric, cfg.HNSW.M, cfg.HNSW.EfConstruction, cfg.HNSW.Seed, storeFetcher{store})
		db.kind = persist.IndexKindHNSW
		engineIndex = &query.HNSWAdapter{HNSW: db.hnsw, EfSearch: cfg.HNSW.EfSearch}
	case IndexIVFPQ:
		ivf, err := index.NewIVFPQIndex(cfg.Dimension, cfg.Metric, cfg.IVFPQ.NList, cfg.IVFPQ.NProbe)
		if err != nil {
			return nil, err
		}
		db.ivfpq = ivf
		db.kind = persist.IndexKindIVFPQ
		engineIndex = &query.IVFPQAdapter{IVFPQ: ivf}
	default:
		return nil, errs.New(errs.KindInvalidArgument, "gigavector.Open", "unknown IndexKind")
	}

	engine, err := query.NewEngine(query.Config{
		Store:                      store,
		Meta:                       meta,
		Index:                      engineIndex,
		Metric:                     cfg.Metric,
		Cache:                      cache,
		FilterSelectivityThreshold: cfg.FilterSelectivityThreshold,
	})
	if err != nil {
		return nil, err
	}
	db.engine = engine
	return db, nil
}

// Train trains an IndexIVFPQ-backed DB's coarse quantizer and PQ codebook
// against trainingVectors, which must number at least NList. Train is a
// precondition for Insert/Search on an IVFPQ database; it is a no-op error
// on any other IndexKind.
func (db *DB) Train(trainingVectors [][]float32) error {
	if db.kind != persist.IndexKindIVFPQ {
		return errs.New(errs.KindInvalidArgument, "gigavector.DB.Train", "Train is only meaningful for IndexIVFPQ databases")
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.ivfpq.TrainCoarse(trainingVectors, db.cfg.IVFPQ.TrainIters, db.cfg.IVFPQ.Seed); err != nil {
		return err
	}
	residuals := make([][]float32, 0, len(trainingVectors))
	for _, v := range trainingVectors {
		res, _, err := db.ivfpq.Residual(v)
		if err != nil {
			return err
		}
		residuals = append(residuals, res)
	}
	codebook, err := quantization.NewCodebook(db.cfg.Dimension, db.cfg.IVFPQ.PQM, 1<<uint(db.cfg.IVFPQ.PQNbits))
	if err != nil {
		return err
	}
	if err := db.ivfpq.TrainCodebook(codebook, residuals, db.cfg.IVFPQ.TrainIters); err != nil {
		return err
	}
	db.ivfpqTrained = true
	return nil
}

func (db *DB) checkTrained(op string) error {
	if db.kind == persist.IndexKindIVFPQ && !db.ivfpqTrained {
		return errs.New(errs.KindNotTrained, op, "IVFPQ database must be trained before use")
	}
	return nil
}

// Insert stores vector under the user-supplied string id, overwriting any
// prior internal-id association for that string. metadata may be nil.
func (db *DB) Insert(id string, vector []float32, meta vectorstore.Metadata) error {
	if err := db.checkTrained("gigavector.DB.Insert"); err != nil {
		return err
	}
	internalID, err := db.engine.Insert(vector, meta)
	if err != nil {
		return err
	}
	db.points.Set(id, internalID)
	return nil
}

// Delete removes the vector associated with id (tombstoning its storage
// record) and retracts its PointIDMap association. Idempotent: deleting an
// unknown id is a no-op.
func (db *DB) Delete(id string) error {
	internalID, ok := db.points.Get(id)
	if !ok {
		return nil
	}
	if err := db.engine.Delete(internalID); err != nil {
		return err
	}
	return db.points.Remove(id)
}

// Update overwrites the vector and/or metadata associated with id.
func (db *DB) Update(id string, newVector []float32, newMeta vectorstore.Metadata) error {
	internalID, ok := db.points.Get(id)
	if !ok {
		return errs.New(errs.KindNotFound, "gigavector.DB.Update", "unknown id")
	}
	return db.engine.Update(internalID, newVector, newMeta)
}

// Get returns the vector currently stored for id.
func (db *DB) Get(id string) ([]float32, error) {
	internalID, ok := db.points.Get(id)
	if !ok {
		return nil, errs.New(errs.KindNotFound, "gigavector.DB.Get", "unknown id")
	}
	return db.store.Get(internalID)
}

// ScoredPoint is a single k-NN/range-search result translated back to its
// user-supplied string id.
type ScoredPoint struct {
	ID       string
	Distance float32
}

func (db *DB) toScoredPoints(cands []index.Candidate) []ScoredPoint {
	out := make([]ScoredPoint, 0, len(cands))
	for _, c := range cands {
		userID, ok := db.points.ReverseLookup(c.ID)
		if !ok {
			continue
		}
		out = append(out, ScoredPoint{ID: userID, Distance: c.Distance})
	}
	return out
}

// Search performs k-NN search, returning up to k results ordered by
// ascending distance.
func (db *DB) Search(query []float32, k int) ([]ScoredPoint, error) {
	if err := db.checkTrained("gigavector.DB.Search"); err != nil {
		return nil, err
	}
	cands, err := db.engine.KNN(query, k)
	if err != nil {
		return nil, err
	}
	return db.toScoredPoints(cands), nil
}

// RangeSearch returns every result within radius of query, ascending
// distance, capped at maxResults.
func (db *DB) RangeSearch(query []float32, radius float32, maxResults int) ([]ScoredPoint, error) {
	if err := db.checkTrained("gigavector.DB.RangeSearch"); err != nil {
		return nil, err
	}
	cands, err := db.engine.RangeSearch(query, radius, maxResults)
	if err != nil {
		return nil, err
	}
	return db.toScoredPoints(cands), nil
}

// FilteredSearch performs k-NN search restricted to vectors matching expr.
func (db *DB) FilteredSearch(query []float32, k int, expr *metaindex.Expr) ([]ScoredPoint, error) {
	if err := db.checkTrained("gigavector.DB.FilteredSearch"); err != nil {
		return nil, err
	}
	cands, err := db.engine.FilteredSearch(query, k, expr)
	if err != nil {
		return nil, err
	}
	return db.toScoredPoints(cands), nil
}

// SaveTo writes a full Database snapshot (VectorStore + MetadataIndex +
// PointIDMap + the backing ANN index) to w. The caller must ensure
// quiescence: no concurrent Insert/Update/Delete while SaveTo runs.
func (db *DB) SaveTo(w io.Writer) error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var saver persist.IndexSaver
	switch db.kind {
	case persist.IndexKindHNSW:
		saver = db.hnsw
	case persist.IndexKindIVFPQ:
		saver = db.ivfpq
	}
	return persist.SaveDatabase(w, persist.Components{
		Store:  db.store,
		Meta:   db.meta,
		Points: db.points,
		Index:  saver,
		Kind:   db.kind,
	})
}

// Save writes a full Database snapshot to path, truncating/creating the
// file. It satisfies pkg/server's Saver interface for the wire protocol's
// SAVE message.
func (db *DB) Save(path string) error {
	return saveToFile(path, db.SaveTo)
}

// LoadFrom replaces db's contents with the snapshot read from r. The loaded
// index kind must match db's configured IndexKind; db must not be serving
// concurrent requests while LoadFrom runs.
func (db *DB) LoadFrom(r io.Reader) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	loaded, err := persist.LoadDatabasePrefix(r)
	if err != nil {
		return err
	}
	if loaded.Kind != db.kind {
		return errs.Newf(errs.KindInvalidArgument, "gigavector.DB.Load", "snapshot index kind %d does not match configured kind %d", loaded.Kind, db.kind)
	}

	var engineIndex query.Index
	switch db.kind {
	case persist.IndexKindFlat:
		db.flat = index.NewFlatIndex(db.cfg.Dimension, db.cfg.Metric)
		engineIndex = &query.FlatAdapter{Flat: db.flat, Store: loaded.Store}
	case persist.IndexKindHNSW:
		if !loaded.HasIndex {
			return errs.New(errs.KindProtocol, "gigavector.DB.Load", "snapshot missing HNSW index section")
		}
		hnsw, err := index.LoadHNSWIndex(r, db.cfg.Metric, db.cfg.HNSW.Seed, storeFetcher{loaded.Store})
		if err != nil {
			return err
		}
		db.hnsw = hnsw
		engineIndex = &query.HNSWAdapter{HNSW: hnsw, EfSearch: db.cfg.HNSW.EfSearch}
	case persist.IndexKindIVFPQ:
		if !loaded.HasIndex {
			return errs.New(errs.KindProtocol, "gigavector.DB.Load", "snapshot missing IVFPQ index section")
		}
		ivf, err := index.LoadIVFPQIndex(r, db.cfg.Metric)
		if err != nil {
			return err
		}
		db.ivfpq = ivf
		db.ivfpqTrained = true
		engineIndex = &query.IVFPQAdapter{IVFPQ: ivf}
	}

	engine, err := query.NewEngine(query.Config{
		Store:                      loaded.Store,
		Meta:                       loaded.Meta,
		Index:                      engineIndex,
		Metric:                     db.cfg.Metric,
		Cache:                      db.cache,
		FilterSelectivityThreshold: db.cfg.FilterSelectivityThreshold,
	})
	if err != nil {
		return err
	}

	db.store = loaded.Store
	db.meta = loaded.Meta
	db.points = loaded.Points
	db.engine = engine
	return nil
}

// Engine exposes the underlying QueryEngine for advanced callers (hybrid
// fusion, MMR reranking) that need operations not wrapped by string-id
// convenience methods above.
func (db *DB) Engine() *query.Engine {
	return db.engine
}

// Store exposes the underlying VectorStore, e.g. for pkg/server's GET
// message which answers by internal id directly.
func (db *DB) Store() *vectorstore.Store {
	return db.store
}
