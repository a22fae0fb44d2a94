package index

import (
	"encoding/binary"
	"io"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/gigavector/gigavector/pkg/errs"
	"github.com/gigavector/gigavector/pkg/kernel"
)

// VectorFetcher resolves an internal id to its vector and liveness, letting
// HNSWIndex consult pkg/vectorstore without owning a copy of vector data —
// the index holds only its graph structure rather than a redundant copy
// of every vector.
type VectorFetcher interface {
	Fetch(id uint64) (vector []float32, live bool)
}

type hnswNode struct {
	mu        sync.RWMutex
	level     int
	neighbors [][]uint64 // neighbors[level]
	deleted   bool
}

// HNSWIndex is a Hierarchical Navigable Small World graph: a layered
// proximity graph supporting concurrent search and incremental insertion.
// Grounded on sqvect's pkg/index/hnsw.go HNSW struct and its
// Insert/searchLayer/selectNeighborsHeuristic shape, generalized to uint64
// ids, pluggable pkg/kernel metrics, fine-grained per-node RWMutex locking
// in place of a single index-wide mutex, and vector storage
// delegated to a VectorFetcher rather than kept on the node.
type HNSWIndex struct {
	dimension      int
	metric         kernel.Metric
	distFunc       kernel.Func
	m              int
	mMax0          int
	efConstruction int
	levelMult      float64
	fetch          VectorFetcher

	rngMu sync.Mutex
	rng   *rand.Rand

	nodesMu sync.RWMutex
	nodes   map[uint64]*hnswNode

	entryMu    sync.RWMutex
	entryPoint uint64
	entryLevel int
	hasEntry   bool
}

// NewHNSWIndex creates an empty HNSWIndex. seed fixes the level-assignment
// PRNG for reproducible graph construction across runs on identical insert
// sequences.
func NewHNSWIndex(dimension int, metric kernel.Metric, m, efConstruction int, seed int64, fetch VectorFetcher) *HNSWIndex {
	return &HNSWIndex{
		dimension:      dimension,
		metric:         metric,
		distFunc:       kernel.ByMetric(metric),
		m:              m,
		mMax0:          2 * m,
		efConstruction: efConstruction,
		levelMult:      1.0 / math.Log(float64(m)),
		fetch:          fetch,
		rng:            rand.New(rand.NewSource(seed)),
		nodes:          make(map[uint64]*hnswNode),
	}
}

func (h *HNSWIndex) selectLevel() int {
	h.rngMu.Lock()
	u := h.rng.Float64()
	h.rngMu.Unlock()
	for u <= 0 {
		h.rngMu.Lock()
		u = h.rng.Float64()
		h.rngMu.Unlock()
	}
	level := int(math.Floor(-math.Log(u) * h.levelMult))
	if level > 32 {
		level = 32 // defends against the vanishingly rare pathological draw
	}
	return level
}

// Insert adds id to the graph. vector must already be present in the
// backing VectorFetcher (the caller inserts into VectorStore first).
func (h *HNSWIndex) Insert(id uint64, vector []float32) error {
	if len(vector) != h.dimension {
		return errs.Newf(errs.KindInvalidArgument, "index.HNSWIndex.Insert", "vector dimension %d != index dimension %d", len(vector), h.dimension)
	}

	level := h.selectLevel()
	node := &hnswNode{level: level, neighbors: make([][]uint64, level+1)}

	h.nodesMu.Lock()
	if _, exists := h.nodes[id]; exists {
		h.nodesMu.Unlock()
		return errs.Newf(errs.KindInvalidArgument, "index.HNSWIndex.Insert", "id %d already present", id)
	}
	h.nodes[id] = node
	h.nodesMu.Unlock()

	h.entryMu.RLock()
	hasEntry := h.hasEntry
	entryID, entryLevel := h.entryPoint, h.entryLevel
	h.entryMu.RUnlock()

	if !hasEntry {
		h.entryMu.Lock()
		if !h.hasEntry {
			h.entryPoint, h.entryLevel, h.hasEntry = id, level, true
		}
		h.entryMu.Unlock()
		return nil
	}

	curr := []uint64{entryID}
	for lc := entryLevel; lc > level; lc-- {
		curr = h.searchLayer(vector, curr, 1, lc)
	}

	top := entryLevel
	if level < top {
		top = level
	}
	for lc := top; lc >= 0; lc-- {
		maxDegree := h.m
		if lc == 0 {
			maxDegree = h.mMax0
		}
		candidates := h.searchLayer(vector, curr, h.efConstruction, lc)
		neighbors := h.selectNeighborsHeuristic(vector, candidates, maxDegree)

		node.mu.Lock()
		node.neighbors[lc] = neighbors
		node.mu.Unlock()

		for _, nb := range neighbors {
			h.connectBidirectional(id, nb, lc, maxDegree)
		}
		curr = neighbors
	}

	if level > entryLevel {
		h.entryMu.Lock()
		if level > h.entryLevel {
			h.entryPoint, h.entryLevel = id, level
		}
		h.entryMu.Unlock()
	}
	return nil
}

// connectBidirectional adds the reverse edge nb->id at level (the forward
// edge id->nb is set by the caller under the new node's own lock, which no
// other goroutine can yet observe), pruning nb's neighbor list back to maxDegree
// via the diversity heuristic if the new edge pushed it over. Only nb's
// lock is taken here, so concurrent inserts touching disjoint neighbors
// never contend, and a cycle of inserts can never deadlock on this lock
// alone since each acquires exactly one node's lock at a time.
func (h *HNSWIndex) connectBidirectional(id, nb uint64, level, maxDegree int) {
	h.nodesMu.RLock()
	nbNode := h.nodes[nb]
	h.nodesMu.RUnlock()
	if nbNode == nil {
		return
	}

	nbNode.mu.Lock()
	defer nbNode.mu.Unlock()
	if level >= len(nbNode.neighbors) {
		return
	}
	for _, existing := range nbNode.neighbors[level] {
		if existing == id {
			return
		}
	}
	nbNode.neighbors[level] = append(nbNode.neighbors[level], id)

	if len(nbNode.neighbors[level]) > maxDegree {
		nbVec, live := h.fetch.Fetch(nb)
		if !live && nbVec == nil {
			return
		}
		pruned := h.selectNeighborsHeuristicLocked(nbVec, nbNode.neighbors[level], maxDegree)
		nbNode.neighbors[level] = pruned
	}
}

func (h *HNSWIndex) lookupNode(id uint64) *hnswNode {
	h.nodesMu.RLock()
	defer h.nodesMu.RUnlock()
	return h.nodes[id]
}

func (h *HNSWIndex) neighborsAt(id uint64, level int) []uint64 {
	node := h.lookupNode(id)
	if node == nil {
		return nil
	}
	node.mu.RLock()
	defer node.mu.RUnlock()
	if level >= len(node.neighbors) {
		return nil
	}
	out := make([]uint64, len(node.neighbors[level]))
	copy(out, node.neighbors[level])
	return out
}

// searchLayer performs a greedy best-first search within one graph level,
// returning up to ef ids ordered nearest-first.
func (h *HNSWIndex) searchLayer(query []float32, entryPoints []uint64, ef int, level int) []uint64 {
	visited := make(map[uint64]bool, ef*2)
	candidates := &minHeap{}
	dynamic := &maxHeapIDs{}

	for _, id := range entryPoints {
		vec, _ := h.fetch.Fetch(id)
		if vec == nil {
			continue
		}
		d := h.distFunc(query, vec)
		*candidates = append(*candidates, idDist{id, d})
		*dynamic = append(*dynamic, idDist{id, d})
		visited[id] = true
	}
	sortMin(candidates)
	sortMax(dynamic)

	for len(*candidates) > 0 {
		if len(*dynamic) > 0 && (*candidates)[0].dist > (*dynamic)[0].dist {
			break
		}
		current := (*candidates)[0]
		*candidates = (*candidates)[1:]

		for _, nb := range h.neighborsAt(current.id, level) {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			vec, _ := h.fetch.Fetch(nb)
			if vec == nil {
				continue
			}
			d := h.distFunc(query, vec)
			if len(*dynamic) < ef || d < (*dynamic)[0].dist {
				insertSortedMin(candidates, idDist{nb, d})
				insertSortedMax(dynamic, idDist{nb, d})
				if len(*dynamic) > ef {
					*dynamic = (*dynamic)[:len(*dynamic)-1]
				}
			}
		}
	}

	out := make([]uint64, len(*dynamic))
	for i, e := range *dynamic {
		out[i] = e.id
	}
	return out
}

type idDist struct {
	id   uint64
	dist float32
}

type minHeap []idDist
type maxHeapIDs []idDist

func sortMin(h *minHeap) {
	sort.Slice(*h, func(i, j int) bool { return (*h)[i].dist < (*h)[j].dist })
}
func sortMax(h *maxHeapIDs) {
	sort.Slice(*h, func(i, j int) bool { return (*h)[i].dist < (*h)[j].dist })
}
func insertSortedMin(h *minHeap, e idDist) {
	i := sort.Search(len(*h), func(i int) bool { return (*h)[i].dist >= e.dist })
	*h = append(*h, idDist{})
	copy((*h)[i+1:], (*h)[i:])
	(*h)[i] = e
}
func insertSortedMax(h *maxHeapIDs, e idDist) {
	i := sort.Search(len(*h), func(i int) bool { return (*h)[i].dist >= e.dist })
	*h = append(*h, idDist{})
	copy((*h)[i+1:], (*h)[i:])
	(*h)[i] = e
}

// selectNeighborsHeuristic picks up to maxDegree candidates for query, preferring
// candidates closer to query than to any candidate already selected — the
// diversity heuristic, rather than a naive
// closest-maxDegree sort.
func (h *HNSWIndex) selectNeighborsHeuristic(query []float32, candidates []uint64, maxDegree int) []uint64 {
	if len(candidates) <= maxDegree {
		return candidates
	}
	return h.diversitySelect(query, candidates, maxDegree, func(id uint64) []float32 {
		v, _ := h.fetch.Fetch(id)
		return v
	})
}

func (h *HNSWIndex) selectNeighborsHeuristicLocked(query []float32, candidates []uint64, maxDegree int) []uint64 {
	return h.selectNeighborsHeuristic(query, candidates, maxDegree)
}

func (h *HNSWIndex) diversitySelect(query []float32, candidates []uint64, maxDegree int, fetch func(uint64) []float32) []uint64 {
	type scored struct {
		id   uint64
		vec  []float32
		dist float32
	}
	pool := make([]scored, 0, len(candidates))
	for _, id := range candidates {
		v := fetch(id)
		if v == nil {
			continue
		}
		pool = append(pool, scored{id: id, vec: v, dist: h.distFunc(query, v)})
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].dist < pool[j].dist })

	var selected []scored
	for _, cand := range pool {
		if len(selected) >= maxDegree {
			break
		}
		diverse := true
		for _, s := range selected {
			if h.distFunc(cand.vec, s.vec) < cand.dist {
				diverse = false
				break
			}
		}
		if diverse {
			selected = append(selected, cand)
		}
	}
	// Backfill with the closest remaining candidates if the heuristic
	// pruned too aggressively, so neighbor lists never thin unnecessarily.
	if len(selected) < maxDegree {
		have := make(map[uint64]bool, len(selected))
		for _, s := range selected {
			have[s.id] = true
		}
		for _, cand := range pool {
			if len(selected) >= maxDegree {
				break
			}
			if !have[cand.id] {
				selected = append(selected, cand)
			}
		}
	}

	out := make([]uint64, len(selected))
	for i, s := range selected {
		out[i] = s.id
	}
	return out
}

// Search returns up to k approximate nearest neighbors of query. Tombstoned
// ids are skipped from the returned set but remain traversable during the
// graph walk.
func (h *HNSWIndex) Search(query []float32, k, efSearch int) ([]Candidate, error) {
	if len(query) != h.dimension {
		return nil, errs.Newf(errs.KindInvalidArgument, "index.HNSWIndex.Search", "query dimension %d != index dimension %d", len(query), h.dimension)
	}
	h.entryMu.RLock()
	hasEntry := h.hasEntry
	entryID, entryLevel := h.entryPoint, h.entryLevel
	h.entryMu.RUnlock()
	if !hasEntry {
		return nil, nil
	}

	curr := []uint64{entryID}
	for lc := entryLevel; lc > 0; lc-- {
		curr = h.searchLayer(query, curr, 1, lc)
	}

	ef := efSearch
	if ef < k {
		ef = k
	}
	candidates := h.searchLayer(query, curr, ef, 0)

	out := make([]Candidate, 0, len(candidates))
	for _, id := range candidates {
		vec, live := h.fetch.Fetch(id)
		if vec == nil || !live {
			continue
		}
		out = append(out, Candidate{ID: id, Distance: h.distFunc(query, vec)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// MarkDeleted tombstones id within the graph: it is skipped by future
// Search results but its edges remain so neighbors stay traversable. If id
// was the entry point, a new one is chosen from the remaining live nodes.
func (h *HNSWIndex) MarkDeleted(id uint64) error {
	node := h.lookupNode(id)
	if node == nil {
		return errs.Newf(errs.KindNotFound, "index.HNSWIndex.MarkDeleted", "id %d not present", id)
	}
	node.mu.Lock()
	node.deleted = true
	node.mu.Unlock()

	h.entryMu.RLock()
	isEntry := h.hasEntry && h.entryPoint == id
	h.entryMu.RUnlock()
	if !isEntry {
		return nil
	}

	h.nodesMu.RLock()
	var replacement uint64
	var replacementLevel int
	found := false
	for nid, n := range h.nodes {
		n.mu.RLock()
		deleted := n.deleted
		lvl := n.level
		n.mu.RUnlock()
		if nid != id && !deleted {
			if !found || lvl > replacementLevel {
				replacement, replacementLevel, found = nid, lvl, true
			}
		}
	}
	h.nodesMu.RUnlock()

	h.entryMu.Lock()
	if h.hasEntry && h.entryPoint == id {
		h.hasEntry = found
		if found {
			h.entryPoint, h.entryLevel = replacement, replacementLevel
		}
	}
	h.entryMu.Unlock()
	return nil
}

// Size returns the number of nodes (live and tombstoned) in the graph.
func (h *HNSWIndex) Size() int {
	h.nodesMu.RLock()
	defer h.nodesMu.RUnlock()
	return len(h.nodes)
}

const hnswMagic = "GVHN"
const hnswFormatVersion = 1

// Save serializes the graph: magic, version, parameters, entry point, then
// each node's level and per-level neighbor list, all little-endian.
func (h *HNSWIndex) Save(w io.Writer) error {
	h.nodesMu.RLock()
	defer h.nodesMu.RUnlock()
	h.entryMu.RLock()
	defer h.entryMu.RUnlock()

	var hdr [4 + 4 + 4 + 4 + 4 + 1 + 8 + 4]byte
	off := 0
	copy(hdr[off:], hnswMagic)
	off += 4
	binary.LittleEndian.PutUint32(hdr[off:], hnswFormatVersion)
	off += 4
	binary.LittleEndian.PutUint32(hdr[off:], uint32(h.dimension))
	off += 4
	binary.LittleEndian.PutUint32(hdr[off:], uint32(h.m))
	off += 4
	binary.LittleEndian.PutUint32(hdr[off:], uint32(h.efConstruction))
	off += 4
	if h.hasEntry {
		hdr[off] = 1
	}
	off++
	binary.LittleEndian.PutUint64(hdr[off:], h.entryPoint)
	off += 8
	binary.LittleEndian.PutUint32(hdr[off:], uint32(h.entryLevel))
	if _, err := w.Write(hdr[:]); err != nil {
		return errs.Wrap(errs.KindIO, "index.HNSWIndex.Save", err)
	}

	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(h.nodes)))
	if _, err := w.Write(countBuf[:]); err != nil {
		return errs.Wrap(errs.KindIO, "index.HNSWIndex.Save", err)
	}

	for id, node := range h.nodes {
		node.mu.RLock()
		err := writeNode(w, id, node)
		node.mu.RUnlock()
		if err != nil {
			return errs.Wrap(errs.KindIO, "index.HNSWIndex.Save", err)
		}
	}
	return nil
}

func writeNode(w io.Writer, id uint64, node *hnswNode) error {
	var buf [8 + 4 + 1]byte
	binary.LittleEndian.PutUint64(buf[:8], id)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(node.level))
	if node.deleted {
		buf[12] = 1
	}
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	for lc := 0; lc <= node.level; lc++ {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(node.neighbors[lc])))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		for _, nb := range node.neighbors[lc] {
			var idBuf [8]byte
			binary.LittleEndian.PutUint64(idBuf[:], nb)
			if _, err := w.Write(idBuf[:]); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadHNSWIndex reads a graph previously written by Save, reattaching it to
// fetch for subsequent vector lookups.
func LoadHNSWIndex(r io.Reader, metric kernel.Metric, seed int64, fetch VectorFetcher) (*HNSWIndex, error) {
	hdr := make([]byte, 4+4+4+4+4+1+8+4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, errs.Wrap(errs.KindIO, "index.LoadHNSWIndex", err)
	}
	if string(hdr[:4]) != hnswMagic {
		return nil, errs.New(errs.KindProtocol, "index.LoadHNSWIndex", "bad HNSW magic")
	}
	off := 4
	version := binary.LittleEndian.Uint32(hdr[off:])
	off += 4
	if version != hnswFormatVersion {
		return nil, errs.Newf(errs.KindProtocol, "index.LoadHNSWIndex", "unsupported HNSW version %d", version)
	}
	dim := int(binary.LittleEndian.Uint32(hdr[off:]))
	off += 4
	m := int(binary.LittleEndian.Uint32(hdr[off:]))
	off += 4
	efConstruction := int(binary.LittleEndian.Uint32(hdr[off:]))
	off += 4
	hasEntry := hdr[off] == 1
	off++
	entryPoint := binary.LittleEndian.Uint64(hdr[off:])
	off += 8
	entryLevel := int(binary.LittleEndian.Uint32(hdr[off:]))

	h := NewHNSWIndex(dim, metric, m, efConstruction, seed, fetch)
	h.hasEntry, h.entryPoint, h.entryLevel = hasEntry, entryPoint, entryLevel

	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, errs.Wrap(errs.KindIO, "index.LoadHNSWIndex", err)
	}
	count := binary.LittleEndian.Uint32(countBuf[:])

	for i := uint32(0); i < count; i++ {
		id, node, err := readNode(r)
		if err != nil {
			return nil, errs.Wrap(errs.KindIO, "index.LoadHNSWIndex", err)
		}
		h.nodes[id] = node
	}
	return h, nil
}

func readNode(r io.Reader) (uint64, *hnswNode, error) {
	var buf [8 + 4 + 1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, nil, err
	}
	id := binary.LittleEndian.Uint64(buf[:8])
	level := int(binary.LittleEndian.Uint32(buf[8:12]))
	deleted := buf[12] == 1

	node := &hnswNode{level: level, deleted: deleted, neighbors: make([][]uint64, level+1)}
	for lc := 0; lc <= level; lc++ {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return 0, nil, err
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		neighbors := make([]uint64, n)
		for i := range neighbors {
			var idBuf [8]byte
			if _, err := io.ReadFull(r, idBuf[:]); err != nil {
				return 0, nil, err
			}
			neighbors[i] = binary.LittleEndian.Uint64(idBuf[:])
		}
		node.neighbors[lc] = neighbors
	}
	return id, node, nil
}
