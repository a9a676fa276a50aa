package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cherrors "github.com/murmurapp/chatsync/internal/errors"
)

const (
	defaultPageSize        = 50
	defaultSendTimeout     = 15 * time.Second
	defaultReconcileWindow = 10 * time.Second

	// ackTimeout bounds the upstream read-receipt acknowledgement call.
	ackTimeout = 10 * time.Second

	// observerChanSize is deliberately 1: observers get latest-wins
	// snapshot delivery, never a backlog.
	observerChanSize = 1
)

// HistoryAPI is the request/response accessor the coordinator pulls
// conversation history and read-receipt mutations through.
type HistoryAPI interface {
	FetchHistory(ctx context.Context, peerID string, page, pageSize int, sortOrder string) ([]Message, PageInfo, error)
	FetchNewerThan(ctx context.Context, peerID string, sinceMillis int64) ([]Message, error)
	MarkRead(ctx context.Context, messageID string) error
	SendFallback(ctx context.Context, receiverID, content, clientRef string) (Message, error)
}

// PushChannel is the persistent channel surface the coordinator
// consumes. It observes connection state, never sets it.
type PushChannel interface {
	States() <-chan State
	Inbound() <-chan Message
	Receipts() <-chan ReadReceipt
	Send(ctx context.Context, receiverID, content, clientRef string) error
	Connected() bool
}

// CursorStore persists per-peer recovery cursors so a restarted client
// can bound its catch-up fetches. May be nil; recovery then starts from
// whatever the ledger holds.
type CursorStore interface {
	Cursor(peerID string) (int64, error)
	SetCursor(peerID string, ts int64) error
}

// CoordinatorConfig holds the tunables for a SyncCoordinator.
type CoordinatorConfig struct {
	UserID          string
	PageSize        int
	SendTimeout     time.Duration
	ReconcileWindow time.Duration
	MaxContentLen   int
}

// pendingSend tracks one optimistic send awaiting confirmation.
type pendingSend struct {
	tempID     string
	peerID     string
	receiverID string
	content    string
	issuedAt   int64 // unix millis
	confirmed  chan struct{}
}

// SyncCoordinator keeps the MessageLedger consistent across the two
// racing data sources (history API and push channel) and republishes a
// unified snapshot stream to subscribers.
//
// The coordinator is the only writer path into the ledger. Its own
// bookkeeping (active set, pending sends, auto-read flags, observer
// registry) is guarded by mu/obsMu and never shared with a second
// writer.
type SyncCoordinator struct {
	ledger  *MessageLedger
	history HistoryAPI
	channel PushChannel
	cursors CursorStore
	logger  *slog.Logger

	userID          string
	pageSize        int
	sendTimeout     time.Duration
	reconcileWindow time.Duration
	maxContentLen   int

	mu          sync.Mutex
	active      map[string]struct{}
	autoRead    map[string]struct{}
	pending     map[string]*pendingSend
	connected   bool
	lastState   State
	connWaiters []chan struct{}

	obsMu     sync.Mutex
	nextObsID int
	observers map[string]map[int]chan []Message
	unreadObs map[int]chan map[string]int
}

// NewSyncCoordinator wires a coordinator over its collaborators.
// cursors may be nil.
func NewSyncCoordinator(ledger *MessageLedger, history HistoryAPI, channel PushChannel, cursors CursorStore, cfg CoordinatorConfig, logger *slog.Logger) *SyncCoordinator {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.ReconcileWindow <= 0 {
		cfg.ReconcileWindow = defaultReconcileWindow
	}

	return &SyncCoordinator{
		ledger:          ledger,
		history:         history,
		channel:         channel,
		cursors:         cursors,
		logger:          logger,
		userID:          cfg.UserID,
		pageSize:        cfg.PageSize,
		sendTimeout:     cfg.SendTimeout,
		reconcileWindow: cfg.ReconcileWindow,
		maxContentLen:   cfg.MaxContentLen,
		active:          make(map[string]struct{}),
		autoRead:        make(map[string]struct{}),
		pending:         make(map[string]*pendingSend),
		lastState:       StateDisconnected,
		observers:       make(map[string]map[int]chan []Message),
		unreadObs:       make(map[int]chan map[string]int),
	}
}

// Run consumes the channel's streams until ctx is cancelled. It is the
// single goroutine that routes inbound messages, receipts, and state
// transitions; recovery fetches run on their own goroutines so the loop
// never stalls.
func (sc *SyncCoordinator) Run(ctx context.Context) error {
	for {
		select {
		case s := <-sc.channel.States():
			sc.handleState(ctx, s)

		case msg := <-sc.channel.Inbound():
			sc.handleInbound(msg)

		case r := <-sc.channel.Receipts():
			sc.handleReceipt(r)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleState records the transition and, on every entry into the
// connected state (initial connect or reconnect), kicks off gap
// recovery for all active conversations.
func (sc *SyncCoordinator) handleState(ctx context.Context, s State) {
	sc.mu.Lock()
	sc.lastState = s
	wasConnected := sc.connected
	sc.connected = s == StateConnected
	var waiters []chan struct{}
	if sc.connected || s == StateFailed {
		waiters = sc.connWaiters
		sc.connWaiters = nil
	}
	sc.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	sc.logger.Debug("connection state", slog.String("state", string(s)))

	if sc.connected && !wasConnected {
		go sc.recover(ctx)
	}
}

// awaitConnected blocks until the channel reports connected, the channel
// settles in the failed state (degraded mode: history still works), or
// ctx is done.
func (sc *SyncCoordinator) awaitConnected(ctx context.Context) error {
	sc.mu.Lock()
	if sc.connected || sc.lastState == StateFailed || sc.channel.Connected() {
		sc.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	sc.connWaiters = append(sc.connWaiters, w)
	sc.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Open registers the conversation for live recovery and performs the
// atomic load+connect: the push channel must be up before the history
// fetch is issued, so nothing can slip into the gap between them. Any
// message racing in on the channel during the fetch is absorbed by the
// ledger's dedup when the overlapping history page lands.
func (sc *SyncCoordinator) Open(ctx context.Context, peerID string) ([]Message, error) {
	sc.mu.Lock()
	sc.active[peerID] = struct{}{}
	sc.mu.Unlock()

	if err := sc.awaitConnected(ctx); err != nil {
		return nil, err
	}

	msgs, _, err := sc.history.FetchHistory(ctx, peerID, 1, sc.pageSize, SortAscending)
	if err != nil {
		return nil, err
	}

	if sc.ledger.InsertBatch(sc.normalizeBatch(msgs), peerID) > 0 {
		sc.advanceCursor(peerID)
	}
	sc.publish(peerID)

	return sc.ledger.Snapshot(peerID), nil
}

// Send performs the optimistic write protocol: the temporary message is
// visible to observers before any network round trip, delivery happens
// in the background, and confirmation or timeout resolves the entry
// later. Returns the placeholder id. Cancelling ctx transitions an
// unconfirmed send to failed, never removes it.
func (sc *SyncCoordinator) Send(ctx context.Context, peerID, content string) (string, error) {
	if content == "" {
		return "", cherrors.ErrEmptyContent
	}
	if sc.maxContentLen > 0 && len(content) > sc.maxContentLen {
		return "", cherrors.ErrContentTooLong
	}

	now := time.Now().UnixMilli()
	tempID := NewLocalID()
	temp := Message{
		ID:         tempID,
		ClientRef:  tempID,
		PeerID:     peerID,
		SenderID:   sc.userID,
		ReceiverID: peerID,
		Content:    content,
		CreatedAt:  now,
		Delivery:   DeliverySending,
	}
	sc.ledger.AddTemporary(temp, peerID)

	p := &pendingSend{
		tempID:     tempID,
		peerID:     peerID,
		receiverID: peerID,
		content:    content,
		issuedAt:   now,
		confirmed:  make(chan struct{}),
	}

	sc.mu.Lock()
	sc.active[peerID] = struct{}{}
	sc.pending[tempID] = p
	sc.mu.Unlock()

	sc.publish(peerID)

	go sc.deliver(ctx, p)

	return tempID, nil
}

// Retry re-issues a failed send under a fresh placeholder id. The old
// failed entry is removed only once the new temporary is registered.
func (sc *SyncCoordinator) Retry(ctx context.Context, peerID, messageID string) (string, error) {
	var content string
	found := false
	for _, m := range sc.ledger.PendingTemporaries(peerID) {
		if m.ID == messageID && m.Delivery == DeliveryFailed {
			content = m.Content
			found = true
			break
		}
	}
	if !found {
		return "", cherrors.ErrUnknownMessage
	}

	newID, err := sc.Send(ctx, peerID, content)
	if err != nil {
		return "", err
	}
	sc.ledger.RemoveTemporary(messageID, peerID)
	sc.publish(peerID)
	return newID, nil
}

// deliver attempts the channel path first, falling back to the
// request/response send, then waits for confirmation or times out.
func (sc *SyncCoordinator) deliver(ctx context.Context, p *pendingSend) {
	timer := time.NewTimer(sc.sendTimeout)
	defer timer.Stop()

	if sc.channel.Connected() {
		if err := sc.channel.Send(ctx, p.receiverID, p.content, p.tempID); err != nil {
			sc.logger.Warn("channel send failed, trying fallback",
				slog.String("peer", p.peerID),
				slog.String("error", err.Error()),
			)
			sc.fallbackSend(ctx, p)
		}
	} else {
		sc.fallbackSend(ctx, p)
	}

	select {
	case <-p.confirmed:
	case <-timer.C:
		sc.failSend(p, "confirmation timeout")
	case <-ctx.Done():
		sc.failSend(p, "cancelled")
	}
}

func (sc *SyncCoordinator) fallbackSend(ctx context.Context, p *pendingSend) {
	confirmed, err := sc.history.SendFallback(ctx, p.receiverID, p.content, p.tempID)
	if err != nil {
		// Leave the pending entry; the timeout will mark it failed.
		sc.logger.Warn("fallback send failed",
			slog.String("peer", p.peerID),
			slog.String("error", err.Error()),
		)
		return
	}
	sc.confirmSend(p, confirmed)
}

// confirmSend resolves a pending send with its server-confirmed copy.
// Exactly one of confirmSend/failSend wins; the loser sees the pending
// entry already gone and does nothing.
func (sc *SyncCoordinator) confirmSend(p *pendingSend, confirmed Message) {
	sc.mu.Lock()
	if _, ok := sc.pending[p.tempID]; !ok {
		sc.mu.Unlock()
		return
	}
	delete(sc.pending, p.tempID)
	sc.mu.Unlock()

	confirmed.PeerID = p.peerID
	if confirmed.Delivery == "" {
		confirmed.Delivery = DeliverySent
	}
	if confirmed.Read {
		confirmed.Delivery = DeliveryRead
	}

	sc.ledger.ReconcileTemporary(p.tempID, confirmed, p.peerID)
	close(p.confirmed)
	sc.advanceCursor(p.peerID)
	sc.publish(p.peerID)
}

func (sc *SyncCoordinator) failSend(p *pendingSend, reason string) {
	sc.mu.Lock()
	if _, ok := sc.pending[p.tempID]; !ok {
		sc.mu.Unlock()
		return
	}
	delete(sc.pending, p.tempID)
	sc.mu.Unlock()

	sc.logger.Warn("send failed",
		slog.String("peer", p.peerID),
		slog.String("temp_id", p.tempID),
		slog.String("reason", reason),
	)
	sc.ledger.MarkDeliveryFailed(p.tempID, p.peerID)
	sc.publish(p.peerID)
}

// conversationKey resolves which conversation an inbound message belongs
// to. The channel delivers every message symmetrically, including echoes
// of this user's own sends, so the key is NOT simply the sender: an echo
// of our own message files under its receiver.
func (sc *SyncCoordinator) conversationKey(msg Message) string {
	if msg.SenderID == sc.userID {
		return msg.ReceiverID
	}
	return msg.SenderID
}

// handleInbound routes one message from the push channel. The
// reconciliation match runs first; only a miss inserts as a new message,
// and id dedup guards against an echo that also arrived via history.
func (sc *SyncCoordinator) handleInbound(msg Message) {
	if msg.ID == "" {
		sc.logger.Warn("dropping inbound message without id")
		return
	}

	peerID := sc.conversationKey(msg)
	msg.PeerID = peerID

	if p := sc.matchPending(peerID, msg); p != nil {
		sc.confirmSend(p, msg)
		return
	}

	sc.mu.Lock()
	_, auto := sc.autoRead[peerID]
	sc.mu.Unlock()

	if msg.Delivery == "" {
		msg.Delivery = DeliveryDelivered
	}
	if auto && msg.SenderID != sc.userID && !msg.Read {
		// Mark read before inserting so the one snapshot emission for
		// this insert already reflects it; a second UpdateReadStatus
		// pass would double the downstream renders per inbound message.
		msg.Read = true
		msg.Delivery = DeliveryRead
		go sc.ackRead(msg.ID)
	}
	if msg.Read {
		msg.Delivery = DeliveryRead
	}

	if sc.ledger.Insert(msg, peerID) {
		sc.advanceCursor(peerID)
		sc.publish(peerID)
	}
}

// matchPending scans pending sends for the confirmation counterpart of
// an inbound message: exact match on the echoed client ref when the
// server carries it through, else the content+sender+receiver heuristic
// within the recency window. The heuristic is needed because the server
// assigns the authoritative id only after the round trip.
func (sc *SyncCoordinator) matchPending(peerID string, msg Message) *pendingSend {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if msg.ClientRef != "" {
		if p, ok := sc.pending[msg.ClientRef]; ok && p.peerID == peerID {
			return p
		}
		return nil
	}

	if msg.SenderID != sc.userID {
		return nil
	}

	window := sc.reconcileWindow.Milliseconds()
	for _, p := range sc.pending {
		if p.peerID != peerID || p.receiverID != msg.ReceiverID || p.content != msg.Content {
			continue
		}
		delta := msg.CreatedAt - p.issuedAt
		if delta < 0 {
			delta = -delta
		}
		if delta <= window {
			return p
		}
	}
	return nil
}

// handleReceipt applies a far-end read receipt. Receipts carry only a
// message id; the ledger's reverse lookup resolves the conversation.
// Unknown ids are dropped silently.
func (sc *SyncCoordinator) handleReceipt(r ReadReceipt) {
	peerID, ok := sc.ledger.FindConversation(r.MessageID)
	if !ok {
		sc.logger.Debug("receipt for unknown message", slog.String("message_id", r.MessageID))
		return
	}
	if sc.ledger.UpdateReadStatus(r.MessageID, peerID, true) {
		sc.publish(peerID)
	}
}

// recover closes the delivery gap after (re)connection: for every active
// conversation, fetch everything newer than the latest known timestamp
// and batch-insert it. Redundant runs are safe; dedup absorbs overlap
// with messages that arrived by other means.
func (sc *SyncCoordinator) recover(ctx context.Context) {
	sc.mu.Lock()
	peers := make([]string, 0, len(sc.active))
	for peerID := range sc.active {
		peers = append(peers, peerID)
	}
	sc.mu.Unlock()

	for _, peerID := range peers {
		since := sc.ledger.LatestTimestamp(peerID)
		if since == 0 && sc.cursors != nil {
			if stored, err := sc.cursors.Cursor(peerID); err == nil {
				since = stored
			}
		}

		msgs, err := sc.history.FetchNewerThan(ctx, peerID, since)
		if err != nil {
			sc.logger.Warn("recovery fetch failed",
				slog.String("peer", peerID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if sc.ledger.InsertBatch(sc.normalizeBatch(msgs), peerID) > 0 {
			sc.advanceCursor(peerID)
			sc.publish(peerID)
		}
	}
}

// MarkActive turns on auto-read for a conversation and sweeps its
// current unread inbound messages: each is marked read locally and
// acknowledged upstream, with a single snapshot emission for the whole
// sweep.
func (sc *SyncCoordinator) MarkActive(peerID string) {
	sc.mu.Lock()
	sc.active[peerID] = struct{}{}
	sc.autoRead[peerID] = struct{}{}
	sc.mu.Unlock()

	changed := false
	for _, m := range sc.ledger.Snapshot(peerID) {
		if m.Read || m.SenderID == sc.userID || m.IsTemporary() {
			continue
		}
		if sc.ledger.UpdateReadStatus(m.ID, peerID, true) {
			changed = true
			go sc.ackRead(m.ID)
		}
	}
	if changed {
		sc.publish(peerID)
	}
}

// MarkInactive turns off auto-read for a conversation. The peer stays in
// the active-conversation set; stale entries only cost an extra recovery
// fetch.
func (sc *SyncCoordinator) MarkInactive(peerID string) {
	sc.mu.Lock()
	delete(sc.autoRead, peerID)
	sc.mu.Unlock()
}

func (sc *SyncCoordinator) ackRead(messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()

	if err := sc.history.MarkRead(ctx, messageID); err != nil {
		sc.logger.Warn("read ack failed",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()),
		)
	}
}

// Observe subscribes to a conversation's snapshot stream. Every ledger
// mutation affecting the peer re-emits the full ordered snapshot;
// subscribers must treat each emission as a complete re-render, not a
// diff. Delivery is latest-wins: a slow subscriber skips intermediate
// snapshots, it is never blocked on. The returned func unsubscribes.
func (sc *SyncCoordinator) Observe(peerID string) (<-chan []Message, func()) {
	ch := make(chan []Message, observerChanSize)
	// Seed with the current snapshot so late subscribers render
	// immediately. Done before registration so no concurrent publish or
	// cancel can interleave.
	ch <- sc.ledger.Snapshot(peerID)

	sc.obsMu.Lock()
	id := sc.nextObsID
	sc.nextObsID++
	if sc.observers[peerID] == nil {
		sc.observers[peerID] = make(map[int]chan []Message)
	}
	sc.observers[peerID][id] = ch
	sc.obsMu.Unlock()

	cancel := func() {
		sc.obsMu.Lock()
		if obs, ok := sc.observers[peerID]; ok {
			if _, ok := obs[id]; ok {
				delete(obs, id)
				close(ch)
			}
			if len(obs) == 0 {
				delete(sc.observers, peerID)
			}
		}
		sc.obsMu.Unlock()
	}
	return ch, cancel
}

// ObserveUnreadTotals subscribes to the per-peer unread counts stream
// for list-level badges. Same latest-wins delivery as Observe.
func (sc *SyncCoordinator) ObserveUnreadTotals() (<-chan map[string]int, func()) {
	ch := make(chan map[string]int, observerChanSize)
	ch <- sc.ledger.UnreadCounts()

	sc.obsMu.Lock()
	id := sc.nextObsID
	sc.nextObsID++
	sc.unreadObs[id] = ch
	sc.obsMu.Unlock()

	cancel := func() {
		sc.obsMu.Lock()
		if _, ok := sc.unreadObs[id]; ok {
			delete(sc.unreadObs, id)
			close(ch)
		}
		sc.obsMu.Unlock()
	}
	return ch, cancel
}

// publish fans the peer's current snapshot out to its observers and
// refreshes the unread totals stream.
func (sc *SyncCoordinator) publish(peerID string) {
	snap := sc.ledger.Snapshot(peerID)
	totals := sc.ledger.UnreadCounts()

	sc.obsMu.Lock()
	for _, ch := range sc.observers[peerID] {
		offer(ch, snap)
	}
	for _, ch := range sc.unreadObs {
		offer(ch, totals)
	}
	sc.obsMu.Unlock()
}

// normalizeBatch fills in delivery state for messages arriving from the
// history API, which reports only the read flag.
func (sc *SyncCoordinator) normalizeBatch(msgs []Message) []Message {
	for i := range msgs {
		if msgs[i].Delivery != "" {
			continue
		}
		if msgs[i].Read {
			msgs[i].Delivery = DeliveryRead
		} else {
			msgs[i].Delivery = DeliveryDelivered
		}
	}
	return msgs
}

// advanceCursor persists the peer's newest confirmed timestamp.
func (sc *SyncCoordinator) advanceCursor(peerID string) {
	if sc.cursors == nil {
		return
	}
	latest := sc.ledger.LatestTimestamp(peerID)
	if latest == 0 {
		return
	}
	if err := sc.cursors.SetCursor(peerID, latest); err != nil {
		sc.logger.Warn("failed to persist cursor",
			slog.String("peer", peerID),
			slog.String("error", err.Error()),
		)
	}
}

// offer delivers latest-wins: if the buffer is full, the stale value is
// evicted so the newest always lands.
func offer[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
