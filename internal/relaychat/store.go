package relaychat

import (
	"fmt"
	"sort"
	"sync"
)

const defaultGlobalWindow = 200

type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopePrivate Scope = "private"
)

type ChangeOp string

const (
	ChangeInserted  ChangeOp = "inserted"
	ChangeReplaced  ChangeOp = "replaced"
	ChangeConfirmed ChangeOp = "confirmed"
	ChangeRestored  ChangeOp = "restored"
	ChangeReset     ChangeOp = "reset"
)

// Change describes one successful store mutation. LocalID is set for
// confirmations and names the pending entry that was superseded.
type Change struct {
	Scope   Scope           `json:"scope"`
	Key     ConversationKey `json:"key"`
	Op      ChangeOp        `json:"op"`
	Message Message         `json:"message"`
	LocalID string          `json:"localId,omitempty"`
}

type StoreOptions struct {
	// GlobalWindow bounds how many trailing global entries AppendGlobal
	// checks for duplicates.
	GlobalWindow int
	Rule         MatchRule
}

// MessageStore holds the global log and the per-conversation logs. Only the
// sync loop mutates it; readers on other goroutines use the snapshot
// accessors.
type MessageStore struct {
	mu             sync.RWMutex
	window         int
	rule           MatchRule
	global         []Message
	globalReplaced bool
	private        map[ConversationKey][]Message

	subMu       sync.Mutex
	nextSubID   int
	subscribers map[int]func(Change)
}

func NewMessageStore() *MessageStore {
	return NewMessageStoreWithOptions(StoreOptions{})
}

func NewMessageStoreWithOptions(opts StoreOptions) *MessageStore {
	window := opts.GlobalWindow
	if window <= 0 {
		window = defaultGlobalWindow
	}
	rule := opts.Rule
	if rule == (MatchRule{}) {
		rule = DefaultMatchRule()
	}
	return &MessageStore{
		window:      window,
		rule:        rule.normalized(),
		private:     make(map[ConversationKey][]Message),
		subscribers: make(map[int]func(Change)),
	}
}

// Subscribe registers fn for every subsequent change. fn runs synchronously
// on the mutating goroutine after the store lock is released.
func (s *MessageStore) Subscribe(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

func (s *MessageStore) notify(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	s.subMu.Lock()
	ids := make([]int, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subscribers[id])
	}
	s.subMu.Unlock()
	for _, change := range changes {
		for _, fn := range fns {
			fn(change)
		}
	}
}

// AppendGlobal appends msg to the global log unless it duplicates one of the
// trailing window entries.
func (s *MessageStore) AppendGlobal(msg Message) bool {
	if msg.IsPrivate() {
		return false
	}
	s.mu.Lock()
	start := len(s.global) - s.window
	if start < 0 {
		start = 0
	}
	for i := len(s.global) - 1; i >= start; i-- {
		if s.rule.Same(s.global[i], msg) {
			s.mu.Unlock()
			return false
		}
	}
	s.global = append(s.global, msg)
	s.mu.Unlock()
	s.notify(Change{Scope: ScopeGlobal, Op: ChangeInserted, Message: msg})
	return true
}

// InsertPrivate places msg in timestamp order within the conversation for
// key. Entries with equal timestamps keep arrival order.
func (s *MessageStore) InsertPrivate(key ConversationKey, msg Message) bool {
	if key.IsZero() {
		return false
	}
	s.mu.Lock()
	log := s.private[key]
	for _, existing := range log {
		if s.rule.Same(existing, msg) {
			s.mu.Unlock()
			return false
		}
	}
	s.private[key] = insertSorted(log, msg)
	s.mu.Unlock()
	s.notify(Change{Scope: ScopePrivate, Key: key, Op: ChangeInserted, Message: msg})
	return true
}

// EnsureConversation creates an empty conversation for key if none exists.
func (s *MessageStore) EnsureConversation(key ConversationKey) bool {
	if key.IsZero() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.private[key]; ok {
		return false
	}
	s.private[key] = []Message{}
	return true
}

// ReplaceGlobal swaps in the bootstrap history. It may run once per session.
// Entries already in the log that the history does not account for, whether
// optimistic or pushed while the fetch was in flight, are kept after it.
func (s *MessageStore) ReplaceGlobal(list []Message) error {
	s.mu.Lock()
	if s.globalReplaced {
		s.mu.Unlock()
		return fmt.Errorf("%w: global log already replaced this session", ErrInvalidState)
	}
	next := make([]Message, 0, len(list)+len(s.global))
	for _, msg := range list {
		if msg.IsPrivate() {
			continue
		}
		next = append(next, msg)
	}
	for _, existing := range s.global {
		matched := false
		for _, authoritative := range next {
			if s.rule.ConfirmsPending(existing, authoritative) || s.rule.Same(existing, authoritative) {
				matched = true
				break
			}
		}
		if !matched {
			next = append(next, existing)
		}
	}
	s.global = next
	s.globalReplaced = true
	s.mu.Unlock()
	s.notify(Change{Scope: ScopeGlobal, Op: ChangeReplaced})
	return nil
}

func (s *MessageStore) GlobalReplaced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globalReplaced
}

// MergeGlobal folds authoritative history into the global log. Pending
// entries it matches are confirmed, known entries are skipped and anything
// else is appended. It returns the number of entries changed.
func (s *MessageStore) MergeGlobal(list []Message) int {
	var changes []Change
	s.mu.Lock()
	for _, msg := range list {
		if msg.IsPrivate() {
			continue
		}
		if idx := indexPending(s.global, msg, s.rule); idx >= 0 {
			localID := s.global[idx].LocalID
			s.global[idx] = msg
			changes = append(changes, Change{Scope: ScopeGlobal, Op: ChangeConfirmed, Message: msg, LocalID: localID})
			continue
		}
		if indexSame(s.global, msg, s.rule) >= 0 {
			continue
		}
		s.global = append(s.global, msg)
		changes = append(changes, Change{Scope: ScopeGlobal, Op: ChangeInserted, Message: msg})
	}
	s.mu.Unlock()
	s.notify(changes...)
	return len(changes)
}

// MergePrivate folds authoritative history into the conversation for key.
// History supersedes optimistic entries it matches.
func (s *MessageStore) MergePrivate(key ConversationKey, list []Message) int {
	if key.IsZero() {
		return 0
	}
	var changes []Change
	s.mu.Lock()
	log, ok := s.private[key]
	if !ok {
		log = []Message{}
	}
	for _, msg := range list {
		if !msg.IsPrivate() {
			continue
		}
		if idx := indexPending(log, msg, s.rule); idx >= 0 {
			localID := log[idx].LocalID
			log = insertSorted(removeAt(log, idx), msg)
			changes = append(changes, Change{Scope: ScopePrivate, Key: key, Op: ChangeConfirmed, Message: msg, LocalID: localID})
			continue
		}
		if indexSame(log, msg, s.rule) >= 0 {
			continue
		}
		log = insertSorted(log, msg)
		changes = append(changes, Change{Scope: ScopePrivate, Key: key, Op: ChangeInserted, Message: msg})
	}
	s.private[key] = log
	s.mu.Unlock()
	s.notify(changes...)
	return len(changes)
}

// Confirm replaces the pending entry tagged localID with its authoritative
// copy. For private entries the copy is re-positioned by timestamp.
func (s *MessageStore) Confirm(scope Scope, key ConversationKey, localID string, authoritative Message) bool {
	if localID == "" {
		return false
	}
	authoritative.Pending = false
	authoritative.LocalID = ""
	s.mu.Lock()
	switch scope {
	case ScopeGlobal:
		idx := indexLocalID(s.global, localID)
		if idx < 0 {
			s.mu.Unlock()
			return false
		}
		s.global[idx] = authoritative
	case ScopePrivate:
		log := s.private[key]
		idx := indexLocalID(log, localID)
		if idx < 0 {
			s.mu.Unlock()
			return false
		}
		s.private[key] = insertSorted(removeAt(log, idx), authoritative)
	default:
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	s.notify(Change{Scope: scope, Key: key, Op: ChangeConfirmed, Message: authoritative, LocalID: localID})
	return true
}

// RestorePrivate seeds conversations from the durable cache. Only called
// once, at cold start.
func (s *MessageStore) RestorePrivate(conversations map[ConversationKey][]Message) int {
	var changes []Change
	s.mu.Lock()
	keys := make([]ConversationKey, 0, len(conversations))
	for key := range conversations {
		keys = append(keys, key)
	}
	sortKeys(keys)
	for _, key := range keys {
		if key.IsZero() {
			continue
		}
		log := s.private[key]
		if log == nil {
			log = []Message{}
		}
		for _, msg := range conversations[key] {
			if indexSame(log, msg, s.rule) >= 0 {
				continue
			}
			log = insertSorted(log, msg)
			changes = append(changes, Change{Scope: ScopePrivate, Key: key, Op: ChangeRestored, Message: msg})
		}
		s.private[key] = log
	}
	s.mu.Unlock()
	s.notify(changes...)
	return len(changes)
}

// Reset drops all logs. Used when the session identity changes.
func (s *MessageStore) Reset() {
	s.mu.Lock()
	s.global = nil
	s.globalReplaced = false
	s.private = make(map[ConversationKey][]Message)
	s.mu.Unlock()
	s.notify(Change{Scope: ScopeGlobal, Op: ChangeReset})
}

func (s *MessageStore) FindGlobal(candidate Message, rule MatchRule) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx := indexPending(s.global, candidate, rule); idx >= 0 {
		return s.global[idx], true
	}
	if idx := indexSame(s.global, candidate, rule); idx >= 0 {
		return s.global[idx], true
	}
	return Message{}, false
}

func (s *MessageStore) FindPrivate(key ConversationKey, candidate Message, rule MatchRule) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.private[key]
	if idx := indexPending(log, candidate, rule); idx >= 0 {
		return log[idx], true
	}
	if idx := indexSame(log, candidate, rule); idx >= 0 {
		return log[idx], true
	}
	return Message{}, false
}

func (s *MessageStore) SnapshotGlobal() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.global...)
}

func (s *MessageStore) SnapshotPrivate(key ConversationKey) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.private[key]...)
}

func (s *MessageStore) SnapshotPrivateAll() map[ConversationKey][]Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[ConversationKey][]Message, len(s.private))
	for key, log := range s.private {
		out[key] = append([]Message(nil), log...)
	}
	return out
}

// Conversations returns every known conversation key in a stable order.
func (s *MessageStore) Conversations() []ConversationKey {
	s.mu.RLock()
	keys := make([]ConversationKey, 0, len(s.private))
	for key := range s.private {
		keys = append(keys, key)
	}
	s.mu.RUnlock()
	sortKeys(keys)
	return keys
}

// Pending returns the optimistic entries that have not been confirmed yet.
func (s *MessageStore) Pending() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, msg := range s.global {
		if msg.Pending {
			out = append(out, msg)
		}
	}
	for _, log := range s.private {
		for _, msg := range log {
			if msg.Pending {
				out = append(out, msg)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out
}

func insertSorted(log []Message, msg Message) []Message {
	idx := sort.Search(len(log), func(i int) bool {
		return log[i].Timestamp.After(msg.Timestamp)
	})
	log = append(log, Message{})
	copy(log[idx+1:], log[idx:])
	log[idx] = msg
	return log
}

func removeAt(log []Message, idx int) []Message {
	out := make([]Message, 0, len(log)-1)
	out = append(out, log[:idx]...)
	return append(out, log[idx+1:]...)
}

func indexPending(log []Message, echo Message, rule MatchRule) int {
	for i, existing := range log {
		if rule.ConfirmsPending(existing, echo) {
			return i
		}
	}
	return -1
}

func indexSame(log []Message, candidate Message, rule MatchRule) int {
	for i := len(log) - 1; i >= 0; i-- {
		if rule.Same(log[i], candidate) {
			return i
		}
	}
	return -1
}

func indexLocalID(log []Message, localID string) int {
	for i, existing := range log {
		if existing.LocalID == localID {
			return i
		}
	}
	return -1
}

func sortKeys(keys []ConversationKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].A != keys[j].A {
			return keys[i].A < keys[j].A
		}
		return keys[i].B < keys[j].B
	})
}
