package server

import (
	"context"

	"github.com/gigavector/gigavector/pkg/errs"
	"github.com/gigavector/gigavector/pkg/index"
	"github.com/gigavector/gigavector/pkg/query"
	"github.com/gigavector/gigavector/pkg/vectorstore"
	"github.com/gigavector/gigavector/pkg/wire"
)

// Saver is implemented by whatever owns snapshotting (the root facade); the
// SAVE message is a no-op returning StatusOK when the dispatcher has none
// configured.
type Saver interface {
	Save(path string) error
}

// EngineDispatcher implements Dispatcher by decoding each wire.Frame's
// payload per spec.md §4.13's message table and calling the matching
// query.Engine / vectorstore.Store operation.
type EngineDispatcher struct {
	Engine *query.Engine
	Store  *vectorstore.Store
	Saver  Saver // nil disables SAVE
	stats  func() Stats
}

// NewEngineDispatcher builds an EngineDispatcher. statsFn supplies the STATS
// message's counters (normally Server.Stats once the Server wrapping this
// dispatcher exists).
func NewEngineDispatcher(engine *query.Engine, store *vectorstore.Store, saver Saver, statsFn func() Stats) *EngineDispatcher {
	return &EngineDispatcher{Engine: engine, Store: store, Saver: saver, stats: statsFn}
}

// Dispatch implements Dispatcher.
func (d *EngineDispatcher) Dispatch(ctx context.Context, req wire.Frame) wire.Frame {
	var payload []byte
	var err error

	switch req.Type {
	case wire.MsgAdd:
		payload, err = d.handleAdd(req.Payload)
	case wire.MsgSearch:
		payload, err = d.handleSearch(req.Payload)
	case wire.MsgDelete:
		payload, err = d.handleDelete(req.Payload)
	case wire.MsgUpdate:
		payload, err = d.handleUpdate(req.Payload)
	case wire.MsgGet:
		payload, err = d.handleGet(req.Payload)
	case wire.MsgBatchAdd:
		payload, err = d.handleBatchAdd(req.Payload)
	case wire.MsgBatchSearch:
		payload, err = d.handleBatchSearch(req.Payload)
	case wire.MsgStats:
		payload, err = d.handleStats()
	case wire.MsgHealth:
		payload, err = d.handleHealth()
	case wire.MsgSave:
		payload, err = d.handleSave(req.Payload)
	default:
		err = errs.Newf(errs.KindProtocol, "server.EngineDispatcher.Dispatch", "unknown message type %d", req.Type)
	}

	if err != nil {
		errResp := wire.ErrorResponse{Code: wire.ErrCodeFor(errs.KindOf(err)), Message: err.Error()}
		return wire.Frame{Type: wire.MsgResponse, RequestID: req.RequestID, Payload: errResp.Encode()}
	}
	return wire.Frame{Type: wire.MsgResponse, RequestID: req.RequestID, Payload: payload}
}

func (d *EngineDispatcher) handleAdd(raw []byte) ([]byte, error) {
	req, err := wire.DecodeAddRequest(raw)
	if err != nil {
		return nil, err
	}
	if _, err := d.Engine.Insert(req.Vector, nil); err != nil {
		return nil, err
	}
	return wire.StatusResponse{Status: wire.StatusOK}.Encode(), nil
}

func (d *EngineDispatcher) handleSearch(raw []byte) ([]byte, error) {
	req, err := wire.DecodeSearchRequest(raw)
	if err != nil {
		return nil, err
	}
	cands, err := d.Engine.KNN(req.Query, int(req.K))
	if err != nil {
		return nil, err
	}
	return wire.SearchResponse{Results: toScored(cands)}.Encode(), nil
}

func (d *EngineDispatcher) handleDelete(raw []byte) ([]byte, error) {
	req, err := wire.DecodeDeleteRequest(raw)
	if err != nil {
		return nil, err
	}
	if err := d.Engine.Delete(req.ID); err != nil {
		return nil, err
	}
	return wire.StatusResponse{Status: wire.StatusOK}.Encode(), nil
}

func (d *EngineDispatcher) handleUpdate(raw []byte) ([]byte, error) {
	req, err := wire.DecodeUpdateRequest(raw)
	if err != nil {
		return nil, err
	}
	if err := d.Engine.Update(req.ID, req.Vector, nil); err != nil {
		return nil, err
	}
	return wire.StatusResponse{Status: wire.StatusOK}.Encode(), nil
}

func (d *EngineDispatcher) handleGet(raw []byte) ([]byte, error) {
	req, err := wire.DecodeGetRequest(raw)
	if err != nil {
		return nil, err
	}
	vec, err := d.Store.Get(req.ID)
	if err != nil {
		return nil, err
	}
	return wire.GetResponse{Vector: vec}.Encode(), nil
}

func (d *EngineDispatcher) handleBatchAdd(raw []byte) ([]byte, error) {
	req, err := wire.DecodeBatchAddRequest(raw)
	if err != nil {
		return nil, err
	}
	n := 0
	if req.Dim > 0 {
		n = len(req.Flat) / int(req.Dim)
	}
	for i := 0; i < n; i++ {
		vec := req.Flat[i*int(req.Dim) : (i+1)*int(req.Dim)]
		if _, err := d.Engine.Insert(vec, nil); err != nil {
			return nil, err
		}
	}
	return wire.StatusResponse{Status: wire.StatusOK}.Encode(), nil
}

func (d *EngineDispatcher) handleBatchSearch(raw []byte) ([]byte, error) {
	req, err := wire.DecodeBatchSearchRequest(raw)
	if err != nil {
		return nil, err
	}
	q := 0
	if req.Dim > 0 {
		q = len(req.Queries) / int(req.Dim)
	}
	results := make([][]wire.ScoredID, q)
	for i := 0; i < q; i++ {
		query := req.Queries[i*int(req.Dim) : (i+1)*int(req.Dim)]
		cands, err := d.Engine.KNN(query, int(req.K))
		if err != nil {
			return nil, err
		}
		results[i] = toScored(cands)
	}
	return wire.BatchSearchResponse{Results: results}.Encode(), nil
}

func (d *EngineDispatcher) handleStats() ([]byte, error) {
	var s Stats
	if d.stats != nil {
		s = d.stats()
	}
	return wire.StatsResponse{
		TotalRequests:     s.TotalRequests,
		ActiveConnections: s.ActiveConnections,
		BytesSent:         s.BytesSent,
		BytesReceived:     s.BytesReceived,
	}.Encode(), nil
}

func (d *EngineDispatcher) handleHealth() ([]byte, error) {
	return wire.HealthResponse{Health: 1}.Encode(), nil
}

func (d *EngineDispatcher) handleSave(raw []byte) ([]byte, error) {
	req, err := wire.DecodeSaveRequest(raw)
	if err != nil {
		return nil, err
	}
	if d.Saver == nil {
		return wire.StatusResponse{Status: wire.StatusOK}.Encode(), nil
	}
	if err := d.Saver.Save(req.Path); err != nil {
		return nil, err
	}
	return wire.StatusResponse{Status: wire.StatusOK}.Encode(), nil
}

func toScored(cands []index.Candidate) []wire.ScoredID {
	out := make([]wire.ScoredID, len(cands))
	for i, c := range cands {
		out[i] = wire.ScoredID{ID: c.ID, Distance: c.Distance}
	}
	return out
}
