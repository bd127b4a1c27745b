package raft

// ApplyResult is handed to an Apply callback once the command has been
// applied to the FSM.
type ApplyResult struct {
	Index  Index
	Result any
}

// request is a pending client callback keyed by the log index of the entry
// it waits for.
type request struct {
	index Index
	typ   EntryType
	time  int64

	applyCB   func(ApplyResult, error)
	barrierCB func(error)
}

// changeRequest tracks the single outstanding configuration change.
type changeRequest struct {
	index Index
	time  int64
	// serverID is the server whose role the change affects, for the role
	// change notification hook; zero when not applicable.
	serverID ID
	cb       func(error)
}

// requestRegistry holds the leader's pending client callbacks in index
// order.
type requestRegistry struct {
	pending []*request
}

func (q *requestRegistry) init() {
	q.pending = nil
}

func (q *requestRegistry) enqueue(req *request) {
	q.pending = append(q.pending, req)
}

// dequeue removes and returns the pending request for the given index and
// type, or nil.
func (q *requestRegistry) dequeue(index Index, typ EntryType) *request {
	for i, req := range q.pending {
		if req.index != index {
			continue
		}
		if req.typ != typ {
			return nil
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		return req
	}
	return nil
}

// remove drops the pending request for the given index without firing it.
func (q *requestRegistry) remove(index Index) {
	for i, req := range q.pending {
		if req.index == index {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// flush fires every pending callback with the given error and empties the
// registry. Used on step-down and shutdown.
func (q *requestRegistry) flush(err error) {
	pending := q.pending
	q.pending = nil
	for _, req := range pending {
		q.fire(req, err)
	}
}

// truncate fires callbacks for requests at or past the given index with a
// truncation error and drops them.
func (q *requestRegistry) truncate(from Index) {
	kept := q.pending[:0]
	var dropped []*request
	for _, req := range q.pending {
		if req.index >= from {
			dropped = append(dropped, req)
			continue
		}
		kept = append(kept, req)
	}
	q.pending = kept
	for _, req := range dropped {
		q.fire(req, ErrTruncated)
	}
}

func (q *requestRegistry) fire(req *request, err error) {
	switch {
	case req.applyCB != nil:
		req.applyCB(ApplyResult{Index: req.index}, err)
	case req.barrierCB != nil:
		req.barrierCB(err)
	}
}
