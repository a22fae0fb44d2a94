package wire

import "github.com/gigavector/gigavector/pkg/errs"

// Status codes used by every status-payload response (ADD/DELETE/UPDATE/
// BATCH_ADD/SAVE): 0 means success, matching err_code=0 on the RESPONSE
// envelope.
const StatusOK int32 = 0

// AddRequest is message 1's request payload: dim | dim*f32.
type AddRequest struct {
	Vector []float32
}

func (m AddRequest) Encode() []byte {
	buf := PutU32(nil, uint32(len(m.Vector)))
	return PutF32Slice(buf, m.Vector)
}

func DecodeAddRequest(payload []byte) (AddRequest, error) {
	r := NewReader("wire.DecodeAddRequest", payload)
	dim, err := r.U32()
	if err != nil {
		return AddRequest{}, err
	}
	vec, err := r.F32Slice(int(dim))
	if err != nil {
		return AddRequest{}, err
	}
	return AddRequest{Vector: vec}, nil
}

// StatusResponse is the `i32 status` response shape shared by ADD, DELETE,
// UPDATE, BATCH_ADD, and SAVE.
type StatusResponse struct {
	Status int32
}

func (m StatusResponse) Encode() []byte {
	return PutI32(nil, m.Status)
}

func DecodeStatusResponse(payload []byte) (StatusResponse, error) {
	r := NewReader("wire.DecodeStatusResponse", payload)
	status, err := r.I32()
	if err != nil {
		return StatusResponse{}, err
	}
	return StatusResponse{Status: status}, nil
}

// SearchRequest is message 2's request payload: dim | k | metric | dim*f32.
type SearchRequest struct {
	K      uint32
	Metric uint32
	Query  []float32
}

func (m SearchRequest) Encode() []byte {
	buf := PutU32(nil, uint32(len(m.Query)))
	buf = PutU32(buf, m.K)
	buf = PutU32(buf, m.Metric)
	return PutF32Slice(buf, m.Query)
}

func DecodeSearchRequest(payload []byte) (SearchRequest, error) {
	r := NewReader("wire.DecodeSearchRequest", payload)
	dim, err := r.U32()
	if err != nil {
		return SearchRequest{}, err
	}
	k, err := r.U32()
	if err != nil {
		return SearchRequest{}, err
	}
	metric, err := r.U32()
	if err != nil {
		return SearchRequest{}, err
	}
	query, err := r.F32Slice(int(dim))
	if err != nil {
		return SearchRequest{}, err
	}
	return SearchRequest{K: k, Metric: metric, Query: query}, nil
}

// ScoredID is one (id, distance) pair as carried by SEARCH/BATCH_SEARCH
// responses.
type ScoredID struct {
	ID       uint64
	Distance float32
}

// SearchResponse is message 2's response payload: n | (id, dist)*n.
type SearchResponse struct {
	Results []ScoredID
}

func (m SearchResponse) Encode() []byte {
	buf := PutU32(nil, uint32(len(m.Results)))
	for _, r := range m.Results {
		buf = PutU64(buf, r.ID)
		buf = PutF32(buf, r.Distance)
	}
	return buf
}

func DecodeSearchResponse(payload []byte) (SearchResponse, error) {
	r := NewReader("wire.DecodeSearchResponse", payload)
	n, err := r.U32()
	if err != nil {
		return SearchResponse{}, err
	}
	out := make([]ScoredID, n)
	for i := range out {
		id, err := r.U64()
		if err != nil {
			return SearchResponse{}, err
		}
		d, err := r.F32()
		if err != nil {
			return SearchResponse{}, err
		}
		out[i] = ScoredID{ID: id, Distance: d}
	}
	return SearchResponse{Results: out}, nil
}

// DeleteRequest is message 3's request payload: id.
type DeleteRequest struct {
	ID uint64
}

func (m DeleteRequest) Encode() []byte {
	return PutU64(nil, m.ID)
}

func DecodeDeleteRequest(payload []byte) (DeleteRequest, error) {
	r := NewReader("wire.DecodeDeleteRequest", payload)
	id, err := r.U64()
	if err != nil {
		return DeleteRequest{}, err
	}
	return DeleteRequest{ID: id}, nil
}

// UpdateRequest is message 4's request payload: id | dim | dim*f32.
type UpdateRequest struct {
	ID     uint64
	Vector []float32
}

func (m UpdateRequest) Encode() []byte {
	buf := PutU64(nil, m.ID)
	buf = PutU32(buf, uint32(len(m.Vector)))
	return PutF32Slice(buf, m.Vector)
}

func DecodeUpdateRequest(payload []byte) (UpdateRequest, error) {
	r := NewReader("wire.DecodeUpdateRequest", payload)
	id, err := r.U64()
	if err != nil {
		return UpdateRequest{}, err
	}
	dim, err := r.U32()
	if err != nil {
		return UpdateRequest{}, err
	}
	vec, err := r.F32Slice(int(dim))
	if err != nil {
		return UpdateRequest{}, err
	}
	return UpdateRequest{ID: id, Vector: vec}, nil
}

// GetRequest is message 5's request payload: id.
type GetRequest struct {
	ID uint64
}

func (m GetRequest) Encode() []byte {
	return PutU64(nil, m.ID)
}

func DecodeGetRequest(payload []byte) (GetRequest, error) {
	r := NewReader("wire.DecodeGetRequest", payload)
	id, err := r.U64()
	if err != nil {
		return GetRequest{}, err
	}
	return GetRequest{ID: id}, nil
}

// GetResponse is message 5's success response payload: dim | dim*f32.
type GetResponse struct {
	Vector []float32
}

func (m GetResponse) Encode() []byte {
	buf := PutU32(nil, uint32(len(m.Vector)))
	return PutF32Slice(buf, m.Vector)
}

func DecodeGetResponse(payload []byte) (GetResponse, error) {
	r := NewReader("wire.DecodeGetResponse", payload)
	dim, err := r.U32()
	if err != nil {
		return GetResponse{}, err
	}
	vec, err := r.F32Slice(int(dim))
	if err != nil {
		return GetResponse{}, err
	}
	return GetResponse{Vector: vec}, nil
}

// BatchAddRequest is message 6's request payload: N | dim | N*dim*f32.
type BatchAddRequest struct {
	Dim  uint32
	Flat []float32 // N*Dim elements
}

func (m BatchAddRequest) Encode() []byte {
	n := uint32(0)
	if m.Dim > 0 {
		n = uint32(len(m.Flat)) / m.Dim
	}
	buf := PutU32(nil, n)
	buf = PutU32(buf, m.Dim)
	return PutF32Slice(buf, m.Flat)
}

func DecodeBatchAddRequest(payload []byte) (BatchAddRequest, error) {
	r := NewReader("wire.DecodeBatchAddRequest", payload)
	n, err := r.U32()
	if err != nil {
		return BatchAddRequest{}, err
	}
	dim, err := r.U32()
	if err != nil {
		return BatchAddRequest{}, err
	}
	flat, err := r.F32Slice(int(n) * int(dim))
	if err != nil {
		return BatchAddRequest{}, err
	}
	return BatchAddRequest{Dim: dim, Flat: flat}, nil
}

// BatchSearchRequest is message 7's request payload:
// Q | dim | k | metric | Q*dim*f32.
type BatchSearchRequest struct {
	Dim     uint32
	K       uint32
	Metric  uint32
	Queries []float32 // Q*Dim elements
}

func (m BatchSearchRequest) Encode() []byte {
	q := uint32(0)
	if m.Dim > 0 {
		q = uint32(len(m.Queries)) / m.Dim
	}
	buf := PutU32(nil, q)
	buf = PutU32(buf, m.Dim)
	buf = PutU32(buf, m.K)
	buf = PutU32(buf, m.Metric)
	return PutF32Slice(buf, m.Queries)
}

func DecodeBatchSearchRequest(payload []byte) (BatchSearchRequest, error) {
	r := NewReader("wire.DecodeBatchSearchRequest", payload)
	q, err := r.U32()
	if err != nil {
		return BatchSearchRequest{}, err
	}
	dim, err := r.U32()
	if err != nil {
		return BatchSearchRequest{}, err
	}
	k, err := r.U32()
	if err != nil {
		return BatchSearchRequest{}, err
	}
	metric, err := r.U32()
	if err != nil {
		return BatchSearchRequest{}, err
	}
	queries, err := r.F32Slice(int(q) * int(dim))
	if err != nil {
		return BatchSearchRequest{}, err
	}
	return BatchSearchRequest{Dim: dim, K: k, Metric: metric, Queries: queries}, nil
}

// BatchSearchResponse is message 7's response payload:
// Q | (k | (id, dist)*k)*Q.
type BatchSearchResponse struct {
	Results [][]ScoredID
}

func (m BatchSearchResponse) Encode() []byte {
	buf := PutU32(nil, uint32(len(m.Results)))
	for _, res := range m.Results {
		buf = PutU32(buf, uint32(len(res)))
		for _, r := range res {
			buf = PutU64(buf, r.ID)
			buf = PutF32(buf, r.Distance)
		}
	}
	return buf
}

func DecodeBatchSearchResponse(payload []byte) (BatchSearchResponse, error) {
	r := NewReader("wire.DecodeBatchSearchResponse", payload)
	q, err := r.U32()
	if err != nil {
		return BatchSearchResponse{}, err
	}
	out := make([][]ScoredID, q)
	for i := range out {
		k, err := r.U32()
		if err != nil {
			return BatchSearchResponse{}, err
		}
		res := make([]ScoredID, k)
		for j := range res {
			id, err := r.U64()
			if err != nil {
				return BatchSearchResponse{}, err
			}
			d, err := r.F32()
			if err != nil {
				return BatchSearchResponse{}, err
			}
			res[j] = ScoredID{ID: id, Distance: d}
		}
		out[i] = res
	}
	return BatchSearchResponse{Results: out}, nil
}

// StatsResponse is message 8's response payload: 4x u64.
type StatsResponse struct {
	TotalRequests     uint64
	ActiveConnections uint64
	BytesSent         uint64
	BytesReceived     uint64
}

func (m StatsResponse) Encode() []byte {
	buf := PutU64(nil, m.TotalRequests)
	buf = PutU64(buf, m.ActiveConnections)
	buf = PutU64(buf, m.BytesSent)
	return PutU64(buf, m.BytesReceived)
}

func DecodeStatsResponse(payload []byte) (StatsResponse, error) {
	r := NewReader("wire.DecodeStatsResponse", payload)
	total, err := r.U64()
	if err != nil {
		return StatsResponse{}, err
	}
	active, err := r.U64()
	if err != nil {
		return StatsResponse{}, err
	}
	sent, err := r.U64()
	if err != nil {
		return StatsResponse{}, err
	}
	recv, err := r.U64()
	if err != nil {
		return StatsResponse{}, err
	}
	return StatsResponse{TotalRequests: total, ActiveConnections: active, BytesSent: sent, BytesReceived: recv}, nil
}

// HealthResponse is message 9's response payload: i32 health (1 = healthy).
type HealthResponse struct {
	Health int32
}

func (m HealthResponse) Encode() []byte {
	return PutI32(nil, m.Health)
}

func DecodeHealthResponse(payload []byte) (HealthResponse, error) {
	r := NewReader("wire.DecodeHealthResponse", payload)
	h, err := r.I32()
	if err != nil {
		return HealthResponse{}, err
	}
	return HealthResponse{Health: h}, nil
}

// SaveRequest is message 10's request payload: an optional filepath. An
// empty Path is encoded as an empty payload and decodes back to an empty
// Path, which the dispatcher hands to its Saver unchanged.
type SaveRequest struct {
	Path string
}

func (m SaveRequest) Encode() []byte {
	if m.Path == "" {
		return nil
	}
	return []byte(m.Path)
}

func DecodeSaveRequest(payload []byte) (SaveRequest, error) {
	return SaveRequest{Path: string(payload)}, nil
}

// ErrorResponse is message 128's failure payload: i32 err_code | message.
type ErrorResponse struct {
	Code    int32
	Message string
}

func (m ErrorResponse) Encode() []byte {
	buf := PutI32(nil, m.Code)
	return append(buf, m.Message...)
}

func DecodeErrorResponse(payload []byte) (ErrorResponse, error) {
	r := NewReader("wire.DecodeErrorResponse", payload)
	code, err := r.I32()
	if err != nil {
		return ErrorResponse{}, err
	}
	return ErrorResponse{Code: code, Message: string(r.Remaining())}, nil
}

// ErrCodeFor maps a pkg/errs.Kind to the wire i32 error code carried in an
// ErrorResponse.
func ErrCodeFor(kind errs.Kind) int32 {
	switch kind {
	case errs.KindInvalidArgument:
		return 1
	case errs.KindNotFound:
		return 2
	case errs.KindNotTrained:
		return 3
	case errs.KindCapacityExceeded:
		return 4
	case errs.KindIO:
		return 5
	case errs.KindProtocol:
		return 6
	default:
		return 7
	}
}
