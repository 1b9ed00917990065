package scheduler

import (
	"context"
	"time"
)

// pendingRequest is work waiting for admission.
type pendingRequest struct {
	ctx        context.Context
	work       Func
	handle     *Handle
	enqueuedAt time.Time
}

// queue is an unbounded FIFO of pending requests.
type queue struct {
	items []*pendingRequest
}

func (q *queue) push(req *pendingRequest) {
	q.items = append(q.items, req)
}

func (q *queue) pop() *pendingRequest {
	if len(q.items) == 0 {
		return nil
	}
	req := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return req
}

func (q *queue) len() int {
	return len(q.items)
}
