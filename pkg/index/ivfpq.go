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
	"github.com/gigavector/gigavector/pkg/quantization"
)

// ivfEntry is one posting in an inverted list: the PQ code of a vector's
// residual against its list's coarse centroid.
type ivfEntry struct {
	id   uint64
	code []byte
}

// IVFPQIndex is an inverted-file index over product-quantized residuals:
// coarse k-means partitions the space into nlist cells, and each cell's
// members are stored as PQ codes of their residual against the cell's
// centroid. Grounded on sqvect's pkg/index/ivf.go IVFIndex (coarse
// k-means, nprobe search, inverted lists) merged with pkg/quantization's PQ
// codebook for residual encoding instead of storing raw vectors per list.
type IVFPQIndex struct {
	mu sync.RWMutex

	dimension int
	metric    kernel.Metric
	distFunc  kernel.Func
	nlist     int
	nprobe    int

	trained   bool
	centroids [][]float32
	codebook  *quantization.Codebook

	lists      [][]ivfEntry
	tombstones []map[uint64]bool // per-list tombstone bitmap, keyed by id
}

// NewIVFPQIndex creates an untrained IVFPQ index with no PQ codebook. The
// coarse quantizer is trained by TrainCoarse; a codebook shaped for the
// residual dimension (same dimension as the coarse space) is supplied and
// trained on residuals by TrainCodebook, or supplied pre-trained by
// AttachCodebook.
func NewIVFPQIndex(dimension int, metric kernel.Metric, nlist, nprobe int) (*IVFPQIndex, error) {
	if nlist <= 0 {
		return nil, errs.New(errs.KindInvalidArgument, "index.NewIVFPQIndex", "nlist must be positive")
	}
	if nprobe <= 0 || nprobe > nlist {
		nprobe = nlist
	}
	return &IVFPQIndex{
		dimension:  dimension,
		metric:     metric,
		distFunc:   kernel.ByMetric(metric),
		nlist:      nlist,
		nprobe:     nprobe,
		lists:      make([][]ivfEntry, nlist),
		tombstones: make([]map[uint64]bool, nlist),
	}, nil
}

// TrainCoarse clusters vectors into nlist coarse centroids via k-means++
// initialization (matching sqvect's kMeansIVF) followed by Lloyd
// refinement.
func (ix *IVFPQIndex) TrainCoarse(vectors [][]float32, maxIters int, seed int64) error {
	if len(vectors) < ix.nlist {
		return errs.Newf(errs.KindInvalidArgument, "index.IVFPQIndex.TrainCoarse", "need at least %d training vectors, got %d", ix.nlist, len(vectors))
	}
	rng := rand.New(rand.NewSource(seed))
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.centroids = kMeansPlusPlus(vectors, ix.nlist, maxIters, rng)
	for i := range ix.lists {
		ix.lists[i] = nil
		ix.tombstones[i] = make(map[uint64]bool)
	}
	ix.trained = true
	return nil
}

// TrainCodebook trains the PQ codebook used to encode residuals. Call this
// with residuals computed against TrainCoarse's centroids (Residual helps
// build that training set).
func (ix *IVFPQIndex) TrainCodebook(codebook *quantization.Codebook, residuals [][]float32, maxIters int) error {
	if err := codebook.Train(residuals, maxIters); err != nil {
		return err
	}
	ix.mu.Lock()
	ix.codebook = codebook
	ix.mu.Unlock()
	return nil
}

// AttachCodebook installs an already-trained codebook directly, bypassing
// TrainCodebook's training step. Used when restoring an index from a
// snapshot, where the codebook was already trained and saved by a prior
// run and retraining it would silently replace its clusters with a fresh,
// differently-seeded set.
func (ix *IVFPQIndex) AttachCodebook(codebook *quantization.Codebook) error {
	if !codebook.Trained() {
		return errs.New(errs.KindNotTrained, "index.IVFPQIndex.AttachCodebook", "codebook is not trained")
	}
	ix.mu.Lock()
	ix.codebook = codebook
	ix.mu.Unlock()
	return nil
}

// Residual returns vector minus its nearest coarse centroid, the quantity
// PQ residual codebooks are trained and encoded against.
func (ix *IVFPQIndex) Residual(vector []float32) ([]float32, int, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if !ix.trained {
		return nil, 0, errs.New(errs.KindNotTrained, "index.IVFPQIndex.Residual", "coarse quantizer not trained")
	}
	list := ix.nearestCentroidLocked(vector)
	res := make([]float32, len(vector))
	for i := range vector {
		res[i] = vector[i] - ix.centroids[list][i]
	}
	return res, list, nil
}

func (ix *IVFPQIndex) nearestCentroidLocked(vector []float32) int {
	best, bestDist := 0, float32(math.MaxFloat32)
	for i, c := range ix.centroids {
		d := kernel.SquaredEuclidean(vector, c)
		if d < bestDist {
			bestDist, best = d, i
		}
	}
	return best
}

// Insert assigns vector to its nearest coarse list, encoding the residual
// with the trained PQ codebook.
func (ix *IVFPQIndex) Insert(id uint64, vector []float32) error {
	if len(vector) != ix.dimension {
		return errs.Newf(errs.KindInvalidArgument, "index.IVFPQIndex.Insert", "vector dimension %d != index dimension %d", len(vector), ix.dimension)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if !ix.trained || ix.codebook == nil || !ix.codebook.Trained() {
		return errs.New(errs.KindNotTrained, "index.IVFPQIndex.Insert", "coarse quantizer or PQ codebook not trained")
	}
	list := ix.nearestCentroidLocked(vector)
	residual := make([]float32, ix.dimension)
	for i := range vector {
		residual[i] = vector[i] - ix.centroids[list][i]
	}
	code, err := ix.codebook.Encode(residual)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "index.IVFPQIndex.Insert", err)
	}
	ix.lists[list] = append(ix.lists[list], ivfEntry{id: id, code: code})
	return nil
}

// Delete tombstones id within its list. The id is never looked up globally;
// callers that don't know which list an id landed in should route deletes
// through the VectorStore tombstone and let search-time filtering handle
// it, or retain the list index returned at insert time.
func (ix *IVFPQIndex) Delete(list int, id uint64) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if list < 0 || list >= ix.nlist {
		return errs.Newf(errs.KindInvalidArgument, "index.IVFPQIndex.Delete", "list %d out of range", list)
	}
	if ix.tombstones[list] == nil {
		ix.tombstones[list] = make(map[uint64]bool)
	}
	ix.tombstones[list][id] = true
	return nil
}

// Search probes the nprobe coarse lists nearest to query, building a
// per-probe ADC table against the query's residual in that list's frame,
// and returns the k closest non-tombstoned entries. Candidate distances are
// ADC estimates of the squared Euclidean distance, whatever metric the
// index was created with.
func (ix *IVFPQIndex) Search(query []float32, k int) ([]Candidate, error) {
	if len(query) != ix.dimension {
		return nil, errs.Newf(errs.KindInvalidArgument, "index.IVFPQIndex.Search", "query dimension %d != index dimension %d", len(query), ix.dimension)
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if !ix.trained || ix.codebook == nil || !ix.codebook.Trained() {
		return nil, errs.New(errs.KindNotTrained, "index.IVFPQIndex.Search", "coarse quantizer or PQ codebook not trained")
	}

	type probeDist struct {
		list int
		dist float32
	}
	probes := make([]probeDist, len(ix.centroids))
	for i, c := range ix.centroids {
		probes[i] = probeDist{i, kernel.SquaredEuclidean(query, c)}
	}
	sort.Slice(probes, func(i, j int) bool { return probes[i].dist < probes[j].dist })

	nprobe := ix.nprobe
	if nprobe > len(probes) {
		nprobe = len(probes)
	}

	var out []Candidate
	for p := 0; p < nprobe; p++ {
		list := probes[p].list
		residualQuery := make([]float32, ix.dimension)
		for i := range query {
			residualQuery[i] = query[i] - ix.centroids[list][i]
		}
		table, err := ix.codebook.DistanceTable(residualQuery)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "index.IVFPQIndex.Search", err)
		}
		tomb := ix.tombstones[list]
		for _, e := range ix.lists[list] {
			if tomb != nil && tomb[e.id] {
				continue
			}
			d := quantization.ADC(table, e.code)
			out = append(out, Candidate{ID: e.id, Distance: d})
		}
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

// Listed returns the live ids posted to a single coarse list, letting a
// caller doing filtered search restrict a scan to the lists a metadata
// predicate's candidate set actually touches instead of probing every list.
func (ix *IVFPQIndex) Listed(list int) ([]uint64, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if list < 0 || list >= ix.nlist {
		return nil, errs.Newf(errs.KindInvalidArgument, "index.IVFPQIndex.Listed", "list %d out of range", list)
	}
	tomb := ix.tombstones[list]
	out := make([]uint64, 0, len(ix.lists[list]))
	for _, e := range ix.lists[list] {
		if tomb != nil && tomb[e.id] {
			continue
		}
		out = append(out, e.id)
	}
	return out, nil
}

// SetNProbe updates the number of coarse lists probed per search.
func (ix *IVFPQIndex) SetNProbe(nprobe int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if nprobe > ix.nlist {
		nprobe = ix.nlist
	}
	if nprobe < 1 {
		nprobe = 1
	}
	ix.nprobe = nprobe
}

// Size returns the total number of live postings across every list.
func (ix *IVFPQIndex) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := 0
	for i, list := range ix.lists {
		tomb := ix.tombstones[i]
		for _, e := range list {
			if tomb == nil || !tomb[e.id] {
				n++
			}
		}
	}
	return n
}

// kMeansPlusPlus clusters vectors into k centroids using k-means++
// seeding (probability proportional to squared distance to the nearest
// already-chosen centroid) followed by Lloyd refinement, matching the
// sqvect's kMeansIVF.
func kMeansPlusPlus(vectors [][]float32, k, maxIters int, rng *rand.Rand) [][]float32 {
	dim := len(vectors[0])
	centroids := make([][]float32, k)
	centroids[0] = append([]float32(nil), vectors[rng.Intn(len(vectors))]...)

	for i := 1; i < k; i++ {
		distances := make([]float32, len(vectors))
		var total float32
		for j, v := range vectors {
			best := float32(math.MaxFloat32)
			for c := 0; c < i; c++ {
				d := kernel.SquaredEuclidean(v, centroids[c])
				if d < best {
					best = d
				}
			}
			distances[j] = best
			total += best
		}
		r := rng.Float32() * total
		var cum float32
		chosen := len(vectors) - 1
		for j, d := range distances {
			cum += d
			if cum >= r {
				chosen = j
				break
			}
		}
		centroids[i] = append([]float32(nil), vectors[chosen]...)
	}

	assignments := make([]int, len(vectors))
	for iter := 0; iter < maxIters; iter++ {
		changed := false
		for i, v := range vectors {
			best, bestDist := 0, float32(math.MaxFloat32)
			for j, c := range centroids {
				d := kernel.SquaredEuclidean(v, c)
				if d < bestDist {
					bestDist, best = d, j
				}
			}
			if assignments[i] != best {
				changed = true
				assignments[i] = best
			}
		}
		if !changed && iter > 0 {
			break
		}
		sums := make([][]float32, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float32, dim)
		}
		for i, v := range vectors {
			cl := assignments[i]
			counts[cl]++
			for d := 0; d < dim; d++ {
				sums[cl][d] += v[d]
			}
		}
		for i := 0; i < k; i++ {
			if counts[i] == 0 {
				continue
			}
			for d := 0; d < dim; d++ {
				centroids[i][d] = sums[i][d] / float32(counts[i])
			}
		}
	}
	return centroids
}

const ivfpqMagic = "GVIV"
const ivfpqFormatVersion = 1

// Save serializes the coarse centroids, the trained PQ codebook, and every
// list's postings, so a Load needs no separate codebook-attachment step to
// reach a fully queryable index.
func (ix *IVFPQIndex) Save(w io.Writer) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if !ix.trained {
		return errs.New(errs.KindNotTrained, "index.IVFPQIndex.Save", "cannot save an untrained index")
	}
	if ix.codebook == nil || !ix.codebook.Trained() {
		return errs.New(errs.KindNotTrained, "index.IVFPQIndex.Save", "cannot save an index with no trained PQ codebook")
	}

	var hdr [4 + 4 + 4 + 4 + 4]byte
	copy(hdr[:4], ivfpqMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], ivfpqFormatVersion)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(ix.dimension))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(ix.nlist))
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(ix.nprobe))
	if _, err := w.Write(hdr[:]); err != nil {
		return errs.Wrap(errs.KindIO, "index.IVFPQIndex.Save", err)
	}
	if err := ix.codebook.Save(w); err != nil {
		return err
	}

	buf4 := make([]byte, 4)
	for _, c := range ix.centroids {
		for _, v := range c {
			binary.LittleEndian.PutUint32(buf4, math.Float32bits(v))
			if _, err := w.Write(buf4); err != nil {
				return errs.Wrap(errs.KindIO, "index.IVFPQIndex.Save", err)
			}
		}
	}

	for i, list := range ix.lists {
		live := make([]ivfEntry, 0, len(list))
		tomb := ix.tombstones[i]
		for _, e := range list {
			if tomb == nil || !tomb[e.id] {
				live = append(live, e)
			}
		}
		binary.LittleEndian.PutUint32(buf4, uint32(len(live)))
		if _, err := w.Write(buf4); err != nil {
			return errs.Wrap(errs.KindIO, "index.IVFPQIndex.Save", err)
		}
		for _, e := range live {
			var idBuf [8]byte
			binary.LittleEndian.PutUint64(idBuf[:], e.id)
			if _, err := w.Write(idBuf[:]); err != nil {
				return errs.Wrap(errs.KindIO, "index.IVFPQIndex.Save", err)
			}
			codeLenBuf := make([]byte, 4)
			binary.LittleEndian.PutUint32(codeLenBuf, uint32(len(e.code)))
			if _, err := w.Write(codeLenBuf); err != nil {
				return errs.Wrap(errs.KindIO, "index.IVFPQIndex.Save", err)
			}
			if _, err := w.Write(e.code); err != nil {
				return errs.Wrap(errs.KindIO, "index.IVFPQIndex.Save", err)
			}
		}
	}
	return nil
}

// LoadIVFPQIndex reads an index previously written by Save, including its PQ
// codebook, and returns a fully trained index ready for Search/Insert with
// no further attachment step.
func LoadIVFPQIndex(r io.Reader, metric kernel.Metric) (*IVFPQIndex, error) {
	hdr := make([]byte, 4+4+4+4+4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, errs.Wrap(errs.KindIO, "index.LoadIVFPQIndex", err)
	}
	if string(hdr[:4]) != ivfpqMagic {
		return nil, errs.New(errs.KindProtocol, "index.LoadIVFPQIndex", "bad IVFPQ magic")
	}
	version := binary.LittleEndian.Uint32(hdr[4:8])
	if version != ivfpqFormatVersion {
		return nil, errs.Newf(errs.KindProtocol, "index.LoadIVFPQIndex", "unsupported IVFPQ version %d", version)
	}
	dim := int(binary.LittleEndian.Uint32(hdr[8:12]))
	nlist := int(binary.LittleEndian.Uint32(hdr[12:16]))
	nprobe := int(binary.LittleEndian.Uint32(hdr[16:20]))

	ix, err := NewIVFPQIndex(dim, metric, nlist, nprobe)
	if err != nil {
		return nil, err
	}

	codebook, err := quantization.LoadCodebook(r)
	if err != nil {
		return nil, err
	}
	if err := ix.AttachCodebook(codebook); err != nil {
		return nil, err
	}

	buf4 := make([]byte, 4)
	ix.centroids = make([][]float32, nlist)
	for i := range ix.centroids {
		ix.centroids[i] = make([]float32, dim)
		for d := 0; d < dim; d++ {
			if _, err := io.ReadFull(r, buf4); err != nil {
				return nil, errs.Wrap(errs.KindIO, "index.LoadIVFPQIndex", err)
			}
			ix.centroids[i][d] = math.Float32frombits(binary.LittleEndian.Uint32(buf4))
		}
	}
	ix.trained = true

	for i := 0; i < nlist; i++ {
		if _, err := io.ReadFull(r, buf4); err != nil {
			return nil, errs.Wrap(errs.KindIO, "index.LoadIVFPQIndex", err)
		}
		count := binary.LittleEndian.Uint32(buf4)
		entries := make([]ivfEntry, count)
		for j := uint32(0); j < count; j++ {
			var idBuf [8]byte
			if _, err := io.ReadFull(r, idBuf[:]); err != nil {
				return nil, errs.Wrap(errs.KindIO, "index.LoadIVFPQIndex", err)
			}
			if _, err := io.ReadFull(r, buf4); err != nil {
				return nil, errs.Wrap(errs.KindIO, "index.LoadIVFPQIndex", err)
			}
			codeLen := binary.LittleEndian.Uint32(buf4)
			code := make([]byte, codeLen)
			if _, err := io.ReadFull(r, code); err != nil {
				return nil, errs.Wrap(errs.KindIO, "index.LoadIVFPQIndex", err)
			}
			entries[j] = ivfEntry{id: binary.LittleEndian.Uint64(idBuf[:]), code: code}
		}
		ix.lists[i] = entries
		ix.tombstones[i] = make(map[uint64]bool)
	}
	return ix, nil
}
