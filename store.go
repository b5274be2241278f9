package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RefreshTimeout bounds a background dialog refresh.
const RefreshTimeout = 30 * time.Second

// maxHeldPerCounterpart bounds messages held for a counterpart whose dialog
// is not known yet.
const maxHeldPerCounterpart = 256

// ChatAPI is the REST backend the store calls. *Client implements it.
type ChatAPI interface {
	ListDialogs(ctx context.Context) ([]Dialog, error)
	ListMessages(ctx context.Context, counterpartID int64) ([]Message, error)
	SendMessage(ctx context.Context, receiverID int64, content string) (*Message, error)
	MarkRead(ctx context.Context, receiverID int64) error
}

// ChangeKind says which part of the store changed.
type ChangeKind int

const (
	ChangeDialogs ChangeKind = iota + 1
	ChangeMessages
	ChangeSubscription
	ChangeProfile
	ChangeError
	ChangeReset
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeDialogs:
		return "dialogs"
	case ChangeMessages:
		return "messages"
	case ChangeSubscription:
		return "subscription"
	case ChangeProfile:
		return "profile"
	case ChangeError:
		return "error"
	case ChangeReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Change is delivered to OnChange listeners after each mutation.
// CounterpartID is zero for store-wide changes.
type Change struct {
	Kind          ChangeKind
	CounterpartID int64
}

// ============================================================================
// Store
// ============================================================================

// Store owns dialogs, per-counterpart message caches, the subscription set
// and unread counts, and merges REST responses with socket-pushed events.
//
// REST calls run outside the lock. Results that arrive after Reset are
// discarded.
type Store struct {
	api         ChatAPI
	log         zerolog.Logger
	newClientID func() string
	now         func() time.Time

	mu         sync.RWMutex
	gen        uint64
	self       int64
	dialogs    []Dialog
	loaded     bool
	messages   map[int64][]Message
	threads    map[int64]bool // counterparts whose thread was fetched
	subscribed map[int64]struct{}
	epoch      map[int64]uint64
	held       map[int64][]Message
	seen       *idRing
	profileID  int64
	profileURL string
	err        error

	refreshMu     sync.Mutex
	refreshing    bool
	refreshQueued bool

	changes listenerSet[Change]
}

// NewStore creates an empty store for the given backend.
func NewStore(api ChatAPI, logger zerolog.Logger) *Store {
	s := &Store{
		api:         api,
		log:         logger.With().Str("component", "store").Logger(),
		newClientID: uuid.NewString,
		now:         time.Now,
	}
	s.resetLocked(0)
	return s
}

func (s *Store) resetLocked(userID int64) {
	s.gen++
	s.self = userID
	s.dialogs = nil
	s.loaded = false
	s.messages = make(map[int64][]Message)
	s.threads = make(map[int64]bool)
	s.subscribed = make(map[int64]struct{})
	s.epoch = make(map[int64]uint64)
	s.held = make(map[int64][]Message)
	s.seen = newIDRing(1024)
	s.profileID = 0
	s.profileURL = ""
	s.err = nil
}

// Reset wipes all state and binds the store to userID. In-flight REST
// results are discarded.
func (s *Store) Reset(userID int64) {
	s.mu.Lock()
	s.resetLocked(userID)
	s.mu.Unlock()
	s.commit([]Change{{Kind: ChangeReset}})
}

// OnChange registers a change listener. Listeners run synchronously on the
// mutating goroutine, after the store lock is released.
func (s *Store) OnChange(fn func(Change)) func() {
	return s.changes.add(fn)
}

// ============================================================================
// Accessors
// ============================================================================

// Self returns the current user id.
func (s *Store) Self() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

// Dialogs returns the dialog list ordered by most recent activity.
func (s *Store) Dialogs() []Dialog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Dialog(nil), s.dialogs...)
}

// Dialog returns the dialog with counterpartID.
func (s *Store) Dialog(counterpartID int64) (Dialog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.dialogIndexLocked(counterpartID); i >= 0 {
		return s.dialogs[i], true
	}
	return Dialog{}, false
}

// Messages returns the cached thread with counterpartID.
func (s *Store) Messages(counterpartID int64) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages[counterpartID]...)
}

// storeState is a consistent copy of what the snapshot stores for one
// user.
type storeState struct {
	owner   int64
	dialogs []Dialog
	threads map[int64][]Message
}

// persistState copies the owner, the dialogs and the requested threads that
// are still open, all under one read lock.
func (s *Store) persistState(threads map[int64]bool) storeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := storeState{
		owner:   s.self,
		dialogs: append([]Dialog(nil), s.dialogs...),
		threads: make(map[int64][]Message, len(threads)),
	}
	for cp := range threads {
		if s.isSubscribedLocked(cp) {
			st.threads[cp] = append([]Message(nil), s.messages[cp]...)
		}
	}
	return st
}

// UnreadTotal sums unread counts across dialogs.
func (s *Store) UnreadTotal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unreadLocked()
}

func (s *Store) unreadLocked() int {
	total := 0
	for _, d := range s.dialogs {
		total += d.UnreadCount
	}
	return total
}

// Subscribed reports whether counterpartID's thread is open.
func (s *Store) Subscribed(counterpartID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isSubscribedLocked(counterpartID)
}

func (s *Store) isSubscribedLocked(counterpartID int64) bool {
	_, ok := s.subscribed[counterpartID]
	return ok
}

// Err returns the last error recorded by a store operation.
func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// ViewProfile marks userID as the profile currently on screen, with its
// known avatar.
func (s *Store) ViewProfile(userID int64, avatarURL string) {
	s.mu.Lock()
	s.profileID = userID
	s.profileURL = avatarURL
	s.mu.Unlock()
	s.commit([]Change{{Kind: ChangeProfile, CounterpartID: userID}})
}

// ProfileAvatar returns the viewed profile and its avatar.
func (s *Store) ProfileAvatar() (int64, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profileID, s.profileURL
}

// Seed installs dialogs restored from a snapshot. It does nothing once a
// dialog list has been fetched.
func (s *Store) Seed(dialogs []Dialog) {
	s.mu.Lock()
	if s.loaded {
		s.mu.Unlock()
		return
	}
	s.dialogs = append([]Dialog(nil), dialogs...)
	sortDialogs(s.dialogs)
	s.mu.Unlock()
	s.commit([]Change{{Kind: ChangeDialogs}})
}

// ============================================================================
// Operations
// ============================================================================

// LoadDialogs replaces the dialog list with the backend's. Held messages
// are applied once the refresh completes.
//
// The result is last-write-wins: an unread bump delivered over the socket
// while the request is in flight is overwritten by the server's count.
func (s *Store) LoadDialogs(ctx context.Context) error {
	gen := s.generation()
	list, err := s.api.ListDialogs(ctx)
	if err != nil {
		return s.fail(gen, err)
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return nil
	}
	s.dialogs = append(make([]Dialog, 0, len(list)), list...)
	sortDialogs(s.dialogs)
	s.loaded = true
	changes := []Change{{Kind: ChangeDialogs}}
	changes = append(changes, s.releaseHeldLocked()...)
	s.mu.Unlock()

	s.log.Debug().Int("dialogs", len(list)).Msg("dialogs loaded")
	s.commit(changes)
	return nil
}

// LoadMessages fetches the thread with counterpartID and merges it with the
// cache as a set union keyed by id. Pending local sends stay at the tail.
// The thread is cached only while the counterpart is subscribed; it is
// returned either way.
func (s *Store) LoadMessages(ctx context.Context, counterpartID int64) ([]Message, error) {
	s.mu.RLock()
	gen, epoch := s.gen, s.epoch[counterpartID]
	s.mu.RUnlock()

	fetched, err := s.api.ListMessages(ctx, counterpartID)
	if err != nil {
		return nil, s.fail(gen, err)
	}

	s.mu.Lock()
	if gen != s.gen || epoch != s.epoch[counterpartID] || !s.isSubscribedLocked(counterpartID) {
		s.mu.Unlock()
		return mergeThread(fetched, nil), nil
	}
	merged := mergeThread(fetched, s.messages[counterpartID])
	s.messages[counterpartID] = merged
	s.threads[counterpartID] = true
	s.mu.Unlock()

	s.commit([]Change{{Kind: ChangeMessages, CounterpartID: counterpartID}})
	return append([]Message(nil), merged...), nil
}

// Subscribe opens counterpartID's thread, fetching it when not cached.
// Unread counts are left alone; call MarkRead to clear them.
func (s *Store) Subscribe(ctx context.Context, counterpartID int64) error {
	s.mu.Lock()
	_, already := s.subscribed[counterpartID]
	if !already {
		s.subscribed[counterpartID] = struct{}{}
		s.epoch[counterpartID]++
	}
	fetched := s.threads[counterpartID]
	s.mu.Unlock()

	if !already {
		s.commit([]Change{{Kind: ChangeSubscription, CounterpartID: counterpartID}})
	}
	if fetched {
		return nil
	}
	_, err := s.LoadMessages(ctx, counterpartID)
	return err
}

// Unsubscribe closes counterpartID's thread and discards its cache.
func (s *Store) Unsubscribe(counterpartID int64) {
	s.mu.Lock()
	if _, ok := s.subscribed[counterpartID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subscribed, counterpartID)
	delete(s.messages, counterpartID)
	delete(s.threads, counterpartID)
	s.epoch[counterpartID]++
	s.mu.Unlock()

	s.commit([]Change{{Kind: ChangeSubscription, CounterpartID: counterpartID}})
}

// SendMessage sends content to counterpartID. While the thread is open a
// pending copy is appended first and replaced in place by the confirmed
// message; on failure it is removed and the error returned.
func (s *Store) SendMessage(ctx context.Context, counterpartID int64, content string) (*Message, error) {
	s.mu.Lock()
	gen := s.gen
	pending := Message{
		SenderID:   s.self,
		ReceiverID: counterpartID,
		Content:    content,
		CreatedAt:  s.now().UTC(),
		ClientID:   s.newClientID(),
	}
	_, hadCache := s.messages[counterpartID]
	optimistic := s.isSubscribedLocked(counterpartID)
	if optimistic {
		s.messages[counterpartID] = append(s.messages[counterpartID], pending)
	}
	s.mu.Unlock()

	if optimistic {
		s.commit([]Change{{Kind: ChangeMessages, CounterpartID: counterpartID}})
	}

	confirmed, err := s.api.SendMessage(ctx, counterpartID, content)
	if err != nil {
		if optimistic {
			s.rollback(gen, counterpartID, pending.ClientID, hadCache)
		}
		return nil, s.fail(gen, err)
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return confirmed, nil
	}
	var changes []Change
	if s.confirmLocked(counterpartID, pending.ClientID, *confirmed) {
		changes = append(changes, Change{Kind: ChangeMessages, CounterpartID: counterpartID})
	}
	more, refresh := s.reconcileLocked(*confirmed, false)
	changes = append(changes, more...)
	s.mu.Unlock()

	s.commit(changes)
	if refresh {
		s.requestRefresh()
	}
	return confirmed, nil
}

// rollback removes the pending copy identified by clientID. A cache the
// send created is dropped again if nothing else landed in it.
func (s *Store) rollback(gen uint64, counterpartID int64, clientID string, hadCache bool) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	cache, ok := s.messages[counterpartID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if i := indexByClientID(cache, clientID); i >= 0 {
		cache = append(cache[:i:i], cache[i+1:]...)
	}
	if len(cache) == 0 && !hadCache {
		delete(s.messages, counterpartID)
	} else {
		s.messages[counterpartID] = cache
	}
	s.mu.Unlock()

	s.log.Debug().Int64("counterpart", counterpartID).Msg("optimistic send rolled back")
	s.commit([]Change{{Kind: ChangeMessages, CounterpartID: counterpartID}})
}

// MarkRead acknowledges counterpartID's messages and zeroes its unread
// count once the backend accepted it.
func (s *Store) MarkRead(ctx context.Context, counterpartID int64) error {
	gen := s.generation()
	if err := s.api.MarkRead(ctx, counterpartID); err != nil {
		return s.fail(gen, err)
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return nil
	}
	if i := s.dialogIndexLocked(counterpartID); i >= 0 {
		s.dialogs[i].UnreadCount = 0
	}
	now := s.now().UTC()
	cache := s.messages[counterpartID]
	for i := range cache {
		if cache[i].SenderID == counterpartID && cache[i].ReadAt == nil {
			cache[i].ReadAt = &now
		}
	}
	s.mu.Unlock()

	s.commit([]Change{
		{Kind: ChangeDialogs, CounterpartID: counterpartID},
		{Kind: ChangeMessages, CounterpartID: counterpartID},
	})
	return nil
}

// ============================================================================
// Realtime handlers
// ============================================================================

// HandleInboundMessage reconciles a message pushed over the socket.
func (s *Store) HandleInboundMessage(msg Message) {
	if msg.ID == 0 {
		s.log.Warn().Msg("ignoring inbound message without id")
		return
	}

	s.mu.Lock()
	if s.self == 0 {
		s.mu.Unlock()
		s.log.Debug().Int64("id", msg.ID).Msg("ignoring message, no current user")
		return
	}
	changes, refresh := s.reconcileLocked(msg, true)
	s.mu.Unlock()

	s.commit(changes)
	if refresh {
		s.requestRefresh()
	}
}

// HandleAvatarUpdate updates the avatar of the matching dialog and of the
// viewed profile.
func (s *Store) HandleAvatarUpdate(u AvatarUpdate) {
	var changes []Change

	s.mu.Lock()
	if i := s.dialogIndexLocked(u.UserID); i >= 0 {
		s.dialogs[i].AvatarURL = u.AvatarURL
		changes = append(changes, Change{Kind: ChangeDialogs, CounterpartID: u.UserID})
	}
	if s.profileID != 0 && s.profileID == u.UserID {
		s.profileURL = u.AvatarURL
		changes = append(changes, Change{Kind: ChangeProfile, CounterpartID: u.UserID})
	}
	s.mu.Unlock()

	s.commit(changes)
}

// HandleChatStarted refreshes dialogs when the server opened a chat with a
// counterpart not listed yet.
func (s *Store) HandleChatStarted(c ChatStarted) {
	s.mu.RLock()
	known := s.dialogIndexLocked(c.ReceiverID) >= 0
	s.mu.RUnlock()

	if !known {
		s.requestRefresh()
	}
}

// ============================================================================
// Internal
// ============================================================================

func (s *Store) generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// fail records err as the store's error unless the store was reset since
// the operation started.
func (s *Store) fail(gen uint64, err error) error {
	if !errors.Is(err, ErrRestCallFailed) {
		err = restError("store", err)
	}
	s.mu.Lock()
	stale := gen != s.gen
	if !stale {
		s.err = err
	}
	s.mu.Unlock()

	if !stale {
		s.commit([]Change{{Kind: ChangeError}})
	}
	return err
}

// requestRefresh starts a background LoadDialogs. At most one runs at a
// time; requests arriving meanwhile collapse into one follow-up.
func (s *Store) requestRefresh() {
	s.refreshMu.Lock()
	if s.refreshing {
		s.refreshQueued = true
		s.refreshMu.Unlock()
		return
	}
	s.refreshing = true
	s.refreshMu.Unlock()

	go s.refreshLoop()
}

func (s *Store) refreshLoop() {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), RefreshTimeout)
		if err := s.LoadDialogs(ctx); err != nil {
			s.log.Warn().Err(err).Msg("dialog refresh failed")
		}
		cancel()

		s.refreshMu.Lock()
		if !s.refreshQueued {
			s.refreshing = false
			s.refreshMu.Unlock()
			return
		}
		s.refreshQueued = false
		s.refreshMu.Unlock()
	}
}

// commit publishes the unread gauge and notifies listeners.
func (s *Store) commit(changes []Change) {
	if len(changes) == 0 {
		return
	}
	unreadTotal.Set(float64(s.UnreadTotal()))
	for _, c := range changes {
		s.changes.emit(s.log, c)
	}
}
