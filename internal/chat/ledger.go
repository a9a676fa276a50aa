package chat

import (
	"sort"
	"sync"
)

// MessageLedger is the source of truth for per-conversation message
// state. All operations are serialized behind one mutex: the store is a
// single serialization domain, not one lock per conversation. Callers
// must not invoke ledger methods from within ledger callbacks (there are
// none today; the rule exists so none get added).
//
// Readers only ever observe fully applied mutations. Snapshot returns a
// copy, so no caller can alias the internal slices.
type MessageLedger struct {
	mu     sync.Mutex
	userID string
	convos map[string]*timeline

	// sortCount counts timeline sort passes. InsertBatch guarantees one
	// sort per call regardless of batch size; tests assert on this.
	sortCount int
}

// timeline holds one peer's ordered messages plus the id index used for
// O(1) duplicate checks.
type timeline struct {
	msgs  []Message
	ids   map[string]struct{}
	temps map[string]struct{}
}

// NewMessageLedger creates an empty ledger. userID identifies the local
// user; it is needed to tell inbound messages from own sends when
// counting unread.
func NewMessageLedger(userID string) *MessageLedger {
	return &MessageLedger{
		userID: userID,
		convos: make(map[string]*timeline),
	}
}

func (l *MessageLedger) conversation(peerID string) *timeline {
	t, ok := l.convos[peerID]
	if !ok {
		t = &timeline{
			ids:   make(map[string]struct{}),
			temps: make(map[string]struct{}),
		}
		l.convos[peerID] = t
	}
	return t
}

// sortLocked re-sorts one timeline into the canonical order: ascending
// CreatedAt, ties broken by id.
func (l *MessageLedger) sortLocked(t *timeline) {
	l.sortCount++
	sort.Slice(t.msgs, func(i, j int) bool {
		return t.msgs[i].Before(t.msgs[j])
	})
}

// Insert appends a confirmed message to the peer's timeline and restores
// ordering. Returns false without mutating anything when the id is empty
// or already present, so the insert is idempotent.
func (l *MessageLedger) Insert(msg Message, peerID string) bool {
	if msg.ID == "" {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.conversation(peerID)
	if _, dup := t.ids[msg.ID]; dup {
		return false
	}

	t.ids[msg.ID] = struct{}{}
	t.msgs = append(t.msgs, msg)
	l.sortLocked(t)

	return true
}

// InsertBatch inserts a page of messages with a single dedup filter pass
// and a single sort. Equivalent to calling Insert per message, but the
// existing-id set is computed once and the combined slice is sorted once;
// per-message re-sorts are what let bulk loads interleave incorrectly
// with concurrently arriving pushes. Returns the number inserted.
func (l *MessageLedger) InsertBatch(msgs []Message, peerID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.conversation(peerID)

	inserted := 0
	for _, msg := range msgs {
		if msg.ID == "" {
			continue
		}
		if _, dup := t.ids[msg.ID]; dup {
			continue
		}
		t.ids[msg.ID] = struct{}{}
		t.msgs = append(t.msgs, msg)
		inserted++
	}

	if inserted > 0 {
		l.sortLocked(t)
	}

	return inserted
}

// AddTemporary registers a pending locally-originated message. It is
// visible in snapshots immediately, tagged by its placeholder id.
func (l *MessageLedger) AddTemporary(msg Message, peerID string) bool {
	if msg.ID == "" {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.conversation(peerID)
	if _, dup := t.ids[msg.ID]; dup {
		return false
	}

	t.ids[msg.ID] = struct{}{}
	t.temps[msg.ID] = struct{}{}
	t.msgs = append(t.msgs, msg)
	l.sortLocked(t)

	return true
}

// ReconcileTemporary atomically replaces the temporary entry with its
// server-confirmed counterpart. Returns false if the temporary id is
// unknown for that peer. If the confirmed id is already present (the
// echo raced a history fetch), the temporary is still removed.
func (l *MessageLedger) ReconcileTemporary(tempID string, confirmed Message, peerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.convos[peerID]
	if !ok {
		return false
	}
	if _, ok := t.temps[tempID]; !ok {
		return false
	}

	delete(t.temps, tempID)
	delete(t.ids, tempID)

	idx := indexOf(t.msgs, tempID)

	if _, dup := t.ids[confirmed.ID]; dup || confirmed.ID == "" {
		// Confirmed copy already landed via another path. Drop the temp.
		if idx >= 0 {
			t.msgs = append(t.msgs[:idx], t.msgs[idx+1:]...)
		}
		return true
	}

	t.ids[confirmed.ID] = struct{}{}
	if idx >= 0 {
		// Replace in place, then restore ordering against the confirmed
		// timestamp.
		t.msgs[idx] = confirmed
	} else {
		t.msgs = append(t.msgs, confirmed)
	}
	l.sortLocked(t)

	return true
}

// RemoveTemporary deletes a temporary entry outright. Used when a failed
// send is retried under a fresh placeholder id. Returns false if the id
// is not a known temporary for that peer.
func (l *MessageLedger) RemoveTemporary(tempID, peerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.convos[peerID]
	if !ok {
		return false
	}
	if _, ok := t.temps[tempID]; !ok {
		return false
	}

	delete(t.temps, tempID)
	delete(t.ids, tempID)
	if idx := indexOf(t.msgs, tempID); idx >= 0 {
		t.msgs = append(t.msgs[:idx], t.msgs[idx+1:]...)
	}

	return true
}

// MarkDeliveryFailed transitions a temporary message to the failed state.
// The entry stays in the timeline so the caller can surface a retry
// affordance; this is a local-only transition, never a deletion.
func (l *MessageLedger) MarkDeliveryFailed(tempID, peerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.convos[peerID]
	if !ok {
		return false
	}
	if _, ok := t.temps[tempID]; !ok {
		return false
	}

	if idx := indexOf(t.msgs, tempID); idx >= 0 {
		t.msgs[idx].Delivery = DeliveryFailed
		return true
	}
	return false
}

// UpdateReadStatus mutates a message's read flag and delivery state in
// place. Ordering and id are untouched. Returns false if the message is
// not present for that peer.
func (l *MessageLedger) UpdateReadStatus(msgID, peerID string, read bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.convos[peerID]
	if !ok {
		return false
	}

	idx := indexOf(t.msgs, msgID)
	if idx < 0 {
		return false
	}

	t.msgs[idx].Read = read
	if read {
		t.msgs[idx].Delivery = DeliveryRead
	} else if t.msgs[idx].Delivery == DeliveryRead {
		t.msgs[idx].Delivery = DeliveryDelivered
	}

	return true
}

// FindConversation resolves which peer's timeline contains the given
// message id. Read receipts reference a message without naming its
// conversation, so this is the lookup that routes them.
func (l *MessageLedger) FindConversation(msgID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for peerID, t := range l.convos {
		if _, ok := t.ids[msgID]; ok {
			return peerID, true
		}
	}
	return "", false
}

// Snapshot returns a copy of the peer's ordered timeline reflecting the
// most recently completed mutation.
func (l *MessageLedger) Snapshot(peerID string) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.convos[peerID]
	if !ok {
		return nil
	}

	out := make([]Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// PendingTemporaries returns the peer's unconfirmed sends in timeline
// order. The reconciliation match scans these.
func (l *MessageLedger) PendingTemporaries(peerID string) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.convos[peerID]
	if !ok {
		return nil
	}

	var out []Message
	for _, m := range t.msgs {
		if _, ok := t.temps[m.ID]; ok {
			out = append(out, m)
		}
	}
	return out
}

// LatestTimestamp returns the newest confirmed CreatedAt for the peer,
// or 0 when no confirmed message exists. Temporaries are excluded: their
// local timestamps must not advance the recovery cursor.
func (l *MessageLedger) LatestTimestamp(peerID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.convos[peerID]
	if !ok {
		return 0
	}

	var latest int64
	for _, m := range t.msgs {
		if _, temp := t.temps[m.ID]; temp {
			continue
		}
		if m.CreatedAt > latest {
			latest = m.CreatedAt
		}
	}
	return latest
}

// UnreadCounts returns the number of unread inbound messages per peer.
// Own sends and temporaries never count as unread.
func (l *MessageLedger) UnreadCounts() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[string]int, len(l.convos))
	for peerID, t := range l.convos {
		n := 0
		for _, m := range t.msgs {
			if m.Read || m.SenderID == l.userID {
				continue
			}
			if _, temp := t.temps[m.ID]; temp {
				continue
			}
			n++
		}
		if n > 0 {
			counts[peerID] = n
		}
	}
	return counts
}

// SortCount reports how many timeline sort passes have run. Exposed so
// tests can verify the batch path sorts exactly once.
func (l *MessageLedger) SortCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortCount
}

func indexOf(msgs []Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}
