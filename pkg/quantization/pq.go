// Package quantization implements Product Quantization, compressing each
// vector into one byte per subspace so large indexes (IVFPQ in particular)
// can keep an approximate copy of every vector resident in memory. The
// training loop and distance-table machinery are grounded on sqvect's
// pkg/quantization/product_quantization.go k-means/ADC implementation,
// restructured around GigaVector's error taxonomy and deterministic,
// reproducible initialization.
package quantization

import (
	"encoding/binary"
	"io"
	"math"
	"math/rand"

	"github.com/gigavector/gigavector/pkg/errs"
)

const maxCentroids = 256

// Codebook holds the M per-subspace centroid tables produced by training.
// Encode maps a full vector to M byte codes, one centroid index per
// subspace; Decode and DistanceTable reconstruct/approximate against it.
type Codebook struct {
	dim       int
	m         int
	k         int
	subDim    int
	centroids [][][]float32 // [subspace][centroid][subDim]
	trained   bool
}

// NewCodebook creates an untrained codebook splitting dim-dimensional
// vectors into m equal subspaces, each quantized to k centroids (k<=256 so
// a centroid index fits in one byte).
func NewCodebook(dim, m, k int) (*Codebook, error) {
	if m <= 0 || dim%m != 0 {
		return nil, errs.Newf(errs.KindInvalidArgument, "quantization.NewCodebook", "dimension %d must be divisible by subspace count %d", dim, m)
	}
	if k <= 0 || k > maxCentroids {
		return nil, errs.Newf(errs.KindInvalidArgument, "quantization.NewCodebook", "centroid count %d must be in (0, %d]", k, maxCentroids)
	}
	return &Codebook{dim: dim, m: m, k: k, subDim: dim / m}, nil
}

// Dim, M, K, SubDim expose the codebook's fixed shape.
func (c *Codebook) Dim() int    { return c.dim }
func (c *Codebook) M() int      { return c.m }
func (c *Codebook) K() int      { return c.k }
func (c *Codebook) SubDim() int { return c.subDim }
func (c *Codebook) Trained() bool { return c.trained }

// Train learns the M per-subspace codebooks from vectors via Lloyd's
// algorithm, running maxIters iterations per subspace (or until
// convergence). Initial centroids are chosen by a Fisher-Yates shuffle
// driven by a PRNG seeded deterministically from (len(vectors), m), so
// training the same dataset twice always reproduces the same codebook.
func (c *Codebook) Train(vectors [][]float32, maxIters int) error {
	if len(vectors) < c.k {
		return errs.Newf(errs.KindInvalidArgument, "quantization.Train", "need at least %d training vectors, got %d", c.k, len(vectors))
	}
	c.centroids = make([][][]float32, c.m)
	rng := rand.New(rand.NewSource(seedFor(len(vectors), c.m)))

	for m := 0; m < c.m; m++ {
		start := m * c.subDim
		sub := make([][]float32, len(vectors))
		for i, v := range vectors {
			sub[i] = v[start : start+c.subDim]
		}
		c.centroids[m] = lloyd(sub, c.k, maxIters, rng)
	}
	c.trained = true
	return nil
}

// seedFor derives a deterministic PRNG seed from the training set size and
// subspace count, so repeated training runs against identical inputs always
// pick the same initial centroids.
func seedFor(count, m int) int64 {
	return int64(count)*1000003 + int64(m)
}

// fisherYatesPerm returns a uniformly random permutation of [0, n) using
// the classic Fisher-Yates shuffle, driven by rng.
func fisherYatesPerm(n int, rng *rand.Rand) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm
}

func lloyd(vectors [][]float32, k, maxIters int, rng *rand.Rand) [][]float32 {
	dim := len(vectors[0])
	perm := fisherYatesPerm(len(vectors), rng)

	centroids := make([][]float32, k)
	for i := 0; i < k; i++ {
		centroids[i] = append([]float32(nil), vectors[perm[i]]...)
	}

	assignments := make([]int, len(vectors))
	for iter := 0; iter < maxIters; iter++ {
		changed := false
		for i, v := range vectors {
			best, bestDist := 0, float32(math.MaxFloat32)
			for j, cen := range centroids {
				d := squaredEuclidean(v, cen)
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
				continue // starved cluster keeps its previous centroid
			}
			for d := 0; d < dim; d++ {
				centroids[i][d] = sums[i][d] / float32(counts[i])
			}
		}
	}
	return centroids
}

func squaredEuclidean(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Encode maps vector to M byte codes, one nearest-centroid index per
// subspace.
func (c *Codebook) Encode(vector []float32) ([]byte, error) {
	if !c.trained {
		return nil, errs.New(errs.KindNotTrained, "quantization.Encode", "codebook not trained")
	}
	if len(vector) != c.dim {
		return nil, errs.Newf(errs.KindInvalidArgument, "quantization.Encode", "vector dimension %d != codebook dimension %d", len(vector), c.dim)
	}
	codes := make([]byte, c.m)
	for m := 0; m < c.m; m++ {
		start := m * c.subDim
		sub := vector[start : start+c.subDim]
		best, bestDist := 0, float32(math.MaxFloat32)
		for k, cen := range c.centroids[m] {
			d := squaredEuclidean(sub, cen)
			if d < bestDist {
				bestDist, best = d, k
			}
		}
		codes[m] = byte(best)
	}
	return codes, nil
}

// Decode reconstructs an approximate vector from PQ codes.
func (c *Codebook) Decode(codes []byte) ([]float32, error) {
	if !c.trained {
		return nil, errs.New(errs.KindNotTrained, "quantization.Decode", "codebook not trained")
	}
	if len(codes) != c.m {
		return nil, errs.Newf(errs.KindInvalidArgument, "quantization.Decode", "code length %d != subspace count %d", len(codes), c.m)
	}
	out := make([]float32, c.dim)
	for m := 0; m < c.m; m++ {
		idx := int(codes[m])
		if idx >= c.k {
			return nil, errs.Newf(errs.KindInvalidArgument, "quantization.Decode", "code %d out of range for subspace %d", idx, m)
		}
		copy(out[m*c.subDim:(m+1)*c.subDim], c.centroids[m][idx])
	}
	return out, nil
}

// DistanceTable precomputes, for each subspace, the squared-Euclidean
// distance from query's subvector to every centroid — the Asymmetric
// Distance Computation (ADC) table. ADC then sums table[m][codes[m]] across
// subspaces in O(M) per candidate instead of O(D).
func (c *Codebook) DistanceTable(query []float32) ([][]float32, error) {
	if !c.trained {
		return nil, errs.New(errs.KindNotTrained, "quantization.DistanceTable", "codebook not trained")
	}
	if len(query) != c.dim {
		return nil, errs.Newf(errs.KindInvalidArgument, "quantization.DistanceTable", "query dimension %d != codebook dimension %d", len(query), c.dim)
	}
	table := make([][]float32, c.m)
	for m := 0; m < c.m; m++ {
		start := m * c.subDim
		sub := query[start : start+c.subDim]
		table[m] = make([]float32, c.k)
		for k, cen := range c.centroids[m] {
			table[m][k] = squaredEuclidean(sub, cen)
		}
	}
	return table, nil
}

// ADC sums the precomputed per-subspace distances for codes against a
// DistanceTable, yielding an approximate squared-Euclidean distance between
// the table's query and the vector codes encodes.
func ADC(table [][]float32, codes []byte) float32 {
	var sum float32
	for m, code := range codes {
		sum += table[m][code]
	}
	return sum
}

const codebookMagic = "GVPQ"
const codebookFormatVersion = 1

// Save serializes the trained codebook: magic, version, then dim/m/k/subDim
// header followed by the flat centroid table, all little-endian.
func (c *Codebook) Save(w io.Writer) error {
	if !c.trained {
		return errs.New(errs.KindNotTrained, "quantization.Save", "cannot save an untrained codebook")
	}
	var hdr [4*4 + 4]byte
	copy(hdr[:4], codebookMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], codebookFormatVersion)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(c.dim))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(c.m))
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(c.k))
	if _, err := w.Write(hdr[:]); err != nil {
		return errs.Wrap(errs.KindIO, "quantization.Save", err)
	}

	buf := make([]byte, 4)
	for m := 0; m < c.m; m++ {
		for k := 0; k < c.k; k++ {
			for d := 0; d < c.subDim; d++ {
				binary.LittleEndian.PutUint32(buf, math.Float32bits(c.centroids[m][k][d]))
				if _, err := w.Write(buf); err != nil {
					return errs.Wrap(errs.KindIO, "quantization.Save", err)
				}
			}
		}
	}
	return nil
}

// LoadCodebook reads a codebook previously written by Save.
func LoadCodebook(r io.Reader) (*Codebook, error) {
	hdr := make([]byte, 4*4+4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, errs.Wrap(errs.KindIO, "quantization.LoadCodebook", err)
	}
	if string(hdr[:4]) != codebookMagic {
		return nil, errs.New(errs.KindProtocol, "quantization.LoadCodebook", "bad codebook magic")
	}
	version := binary.LittleEndian.Uint32(hdr[4:8])
	if version != codebookFormatVersion {
		return nil, errs.Newf(errs.KindProtocol, "quantization.LoadCodebook", "unsupported codebook version %d", version)
	}
	dim := int(binary.LittleEndian.Uint32(hdr[8:12]))
	m := int(binary.LittleEndian.Uint32(hdr[12:16]))
	k := int(binary.LittleEndian.Uint32(hdr[16:20]))

	c, err := NewCodebook(dim, m, k)
	if err != nil {
		return nil, err
	}
	c.centroids = make([][][]float32, m)
	buf := make([]byte, 4)
	for mi := 0; mi < m; mi++ {
		c.centroids[mi] = make([][]float32, k)
		for ki := 0; ki < k; ki++ {
			c.centroids[mi][ki] = make([]float32, c.subDim)
			for d := 0; d < c.subDim; d++ {
				if _, err := io.ReadFull(r, buf); err != nil {
					return nil, errs.Wrap(errs.KindIO, "quantization.LoadCodebook", err)
				}
				c.centroids[mi][ki][d] = math.Float32frombits(binary.LittleEndian.Uint32(buf))
			}
		}
	}
	c.trained = true
	return c, nil
}
