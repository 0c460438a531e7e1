package handshake

import (
	"sort"
	"strings"
	"time"
)

// RequestKind names one handshake step that expects a reply.
type RequestKind string

const KindConnect RequestKind = "connect"

// PendingRequest tracks one request awaiting its reply.
type PendingRequest struct {
	Kind          RequestKind
	Attempts      int
	SentAt        time.Time
	LastAttemptAt time.Time
	LastError     string
}

// Outbox stores pending requests by kind. It is owned by one session and
// touched only from the tick loop.
type Outbox struct {
	items map[RequestKind]PendingRequest
}

func NewOutbox() *Outbox {
	return &Outbox{items: make(map[RequestKind]PendingRequest)}
}

func (o *Outbox) Upsert(item PendingRequest) {
	if strings.TrimSpace(string(item.Kind)) == "" {
		return
	}
	o.items[item.Kind] = item
}

func (o *Outbox) MarkAttempt(kind RequestKind, at time.Time, lastErr string) (PendingRequest, bool) {
	item, ok := o.items[kind]
	if !ok {
		return PendingRequest{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	item.LastError = strings.TrimSpace(lastErr)
	o.items[kind] = item
	return item, true
}

func (o *Outbox) Remove(kind RequestKind) {
	delete(o.items, kind)
}

func (o *Outbox) Get(kind RequestKind) (PendingRequest, bool) {
	item, ok := o.items[kind]
	return item, ok
}

func (o *Outbox) Clear() {
	clear(o.items)
}

func (o *Outbox) List() []PendingRequest {
	out := make([]PendingRequest, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Kind < out[j].Kind
	})
	return out
}
