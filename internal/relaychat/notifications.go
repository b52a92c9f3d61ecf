package relaychat

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const maxMarkHistory = 64

type trackedRecord struct {
	rec NotificationRecord
	// addedSeq is the tracker sequence at which the record was first seen.
	addedSeq uint64
	// serverRead is set once the notification service reported the record
	// read. Rollbacks never reopen such records.
	serverRead bool
}

type markEntry struct {
	seq    uint64
	chatID string
	all    bool
}

// MarkToken captures the records an optimistic mark-read flipped so a failed
// confirmation can restore them.
type MarkToken struct {
	ChatID  string
	All     bool
	flipped []string
	done    bool
}

// Flipped reports how many records the optimistic mark changed.
func (t *MarkToken) Flipped() int {
	if t == nil {
		return 0
	}
	return len(t.flipped)
}

// NotificationTracker holds notification records and derives unread counts
// from them. The unread count for a chat is always the number of counted
// records for that chat with Read=false.
type NotificationTracker struct {
	mu       sync.RWMutex
	rule     MatchRule
	records  map[string]*trackedRecord
	seq      uint64
	lastMark uint64
	inflight int
	marks    []markEntry

	// readThrough holds, per chat, the newest timestamp the user has
	// already seen. Records at or before it are never unread.
	readThrough    map[string]time.Time
	allReadThrough time.Time
}

func NewNotificationTracker(rule MatchRule) *NotificationTracker {
	if rule == (MatchRule{}) {
		rule = DefaultMatchRule()
	}
	return &NotificationTracker{
		rule:        rule.normalized(),
		records:     make(map[string]*trackedRecord),
		readThrough: make(map[string]time.Time),
	}
}

func recordKey(rec NotificationRecord) string {
	if rec.ID != "" {
		return "id:" + rec.ID
	}
	return fmt.Sprintf("syn:%s|%s|%s|%d", rec.ChatID, rec.Sender, rec.Content, rec.Timestamp.UnixNano())
}

// Seq returns the tracker's mutation sequence. Poll requests capture it when
// issued so their responses can be judged against later local changes.
func (t *NotificationTracker) Seq() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seq
}

func (t *NotificationTracker) Has(rec NotificationRecord) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.findLocked(rec) != ""
}

func (t *NotificationTracker) findLocked(rec NotificationRecord) string {
	key := recordKey(rec)
	if _, ok := t.records[key]; ok {
		return key
	}
	for existingKey, tracked := range t.records {
		existing := tracked.rec
		if rec.ID != "" && existing.ID != "" {
			continue
		}
		if existing.ChatID != rec.ChatID || existing.Sender != rec.Sender || existing.Content != rec.Content {
			continue
		}
		if existing.Timestamp.Equal(rec.Timestamp) || withinWindow(existing.Timestamp, rec.Timestamp, t.rule.Tolerance) {
			return existingKey
		}
	}
	return ""
}

// Add records a pushed notification. Typing signals and records already
// known are ignored.
func (t *NotificationTracker) Add(rec NotificationRecord) bool {
	if !rec.Counted() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing := t.findLocked(rec); existing != "" {
		t.upgradeLocked(existing, rec)
		return false
	}
	t.seq++
	t.records[recordKey(rec)] = &trackedRecord{rec: rec, addedSeq: t.seq, serverRead: rec.Read}
	return true
}

// upgradeLocked re-keys a record known only by its content once the server
// supplies its id.
func (t *NotificationTracker) upgradeLocked(existingKey string, rec NotificationRecord) {
	if rec.ID == "" {
		return
	}
	tracked := t.records[existingKey]
	if tracked.rec.ID != "" {
		return
	}
	delete(t.records, existingKey)
	tracked.rec.ID = rec.ID
	t.records[recordKey(tracked.rec)] = tracked
}

func (t *NotificationTracker) Unread(chatID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	count := 0
	for _, tracked := range t.records {
		if tracked.rec.ChatID == chatID && !tracked.rec.Read {
			count++
		}
	}
	return count
}

func (t *NotificationTracker) TotalUnread() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalUnreadLocked()
}

func (t *NotificationTracker) totalUnreadLocked() int {
	count := 0
	for _, tracked := range t.records {
		if !tracked.rec.Read {
			count++
		}
	}
	return count
}

// UnreadByChat returns the unread count of every chat with at least one
// unread record.
func (t *NotificationTracker) UnreadByChat() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int)
	for _, tracked := range t.records {
		if !tracked.rec.Read {
			out[tracked.rec.ChatID]++
		}
	}
	return out
}

// Records returns all records, newest first.
func (t *NotificationTracker) Records() []NotificationRecord {
	t.mu.RLock()
	out := make([]NotificationRecord, 0, len(t.records))
	for _, tracked := range t.records {
		out = append(out, tracked.rec)
	}
	t.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// BeginMarkRead optimistically marks every unread record of chatID read.
func (t *NotificationTracker) BeginMarkRead(chatID string) *MarkToken {
	t.mu.Lock()
	defer t.mu.Unlock()
	token := &MarkToken{ChatID: chatID}
	for key, tracked := range t.records {
		if tracked.rec.ChatID == chatID && !tracked.rec.Read {
			tracked.rec.Read = true
			token.flipped = append(token.flipped, key)
		}
	}
	t.inflight++
	return token
}

func (t *NotificationTracker) BeginMarkAllRead() *MarkToken {
	t.mu.Lock()
	defer t.mu.Unlock()
	token := &MarkToken{All: true}
	for key, tracked := range t.records {
		if !tracked.rec.Read {
			tracked.rec.Read = true
			token.flipped = append(token.flipped, key)
		}
	}
	t.inflight++
	return token
}

// Commit records that the notification service confirmed the mark. Poll
// responses issued before this point can no longer reopen anything.
func (t *NotificationTracker) Commit(token *MarkToken) {
	if token == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if token.done {
		return
	}
	token.done = true
	if t.inflight > 0 {
		t.inflight--
	}
	t.seq++
	t.lastMark = t.seq
	var newest time.Time
	for _, key := range token.flipped {
		tracked, ok := t.records[key]
		if !ok {
			continue
		}
		tracked.serverRead = true
		if tracked.rec.Timestamp.After(newest) {
			newest = tracked.rec.Timestamp
		}
	}
	if token.All {
		t.advanceAllLocked(newest)
	} else {
		t.advanceLocked(token.ChatID, newest)
	}
	t.marks = append(t.marks, markEntry{seq: t.seq, chatID: token.ChatID, all: token.All})
	if len(t.marks) > maxMarkHistory {
		t.marks = append([]markEntry(nil), t.marks[len(t.marks)-maxMarkHistory:]...)
	}
}

// Rollback restores the records token flipped, except those the server has
// since reported read.
func (t *NotificationTracker) Rollback(token *MarkToken) {
	if token == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if token.done {
		return
	}
	token.done = true
	if t.inflight > 0 {
		t.inflight--
	}
	for _, key := range token.flipped {
		if tracked, ok := t.records[key]; ok && !tracked.serverRead {
			tracked.rec.Read = false
		}
	}
}

// NoteOpened records that the user looked at chatID at the given time.
func (t *NotificationTracker) NoteOpened(chatID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advanceLocked(chatID, at)
}

func (t *NotificationTracker) advanceLocked(chatID string, at time.Time) {
	if chatID == "" || at.IsZero() {
		return
	}
	if at.After(t.readThrough[chatID]) {
		t.readThrough[chatID] = at
	}
}

func (t *NotificationTracker) advanceAllLocked(at time.Time) {
	if at.After(t.allReadThrough) {
		t.allReadThrough = at
	}
}

func (t *NotificationTracker) seenLocked(rec NotificationRecord) bool {
	if !t.allReadThrough.IsZero() && !rec.Timestamp.After(t.allReadThrough) {
		return true
	}
	through, ok := t.readThrough[rec.ChatID]
	return ok && !rec.Timestamp.After(through)
}

// coveredByMarkLocked reports whether a mark committed after issuedSeq
// applies to chatID.
func (t *NotificationTracker) coveredByMarkLocked(chatID string, issuedSeq uint64) bool {
	for i := len(t.marks) - 1; i >= 0; i-- {
		mark := t.marks[i]
		if mark.seq <= issuedSeq {
			break
		}
		if mark.all || mark.chatID == chatID {
			return true
		}
	}
	return false
}

// ReconcileList converges local records toward the authoritative list that
// was requested at issuedSeq. Server read state only ever moves a record
// from unread to read. It returns the number of records changed.
func (t *NotificationTracker) ReconcileList(list []NotificationRecord, issuedSeq uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := 0
	seen := make(map[string]struct{}, len(list))
	for _, rec := range list {
		if !rec.Counted() {
			continue
		}
		existingKey := t.findLocked(rec)
		if existingKey != "" {
			t.upgradeLocked(existingKey, rec)
			existingKey = t.findLocked(rec)
			seen[existingKey] = struct{}{}
			tracked := t.records[existingKey]
			if rec.Read {
				tracked.serverRead = true
				if !tracked.rec.Read {
					tracked.rec.Read = true
					changed++
				}
			}
			continue
		}
		if !rec.Read && (t.coveredByMarkLocked(rec.ChatID, issuedSeq) || t.seenLocked(rec)) {
			rec.Read = true
		}
		t.seq++
		key := recordKey(rec)
		t.records[key] = &trackedRecord{rec: rec, addedSeq: t.seq, serverRead: rec.Read}
		seen[key] = struct{}{}
		changed++
	}
	// A list issued after every local change is complete: server-side
	// deletions show up as absent records.
	for key, tracked := range t.records {
		if _, ok := seen[key]; ok {
			continue
		}
		if tracked.rec.ID == "" || tracked.addedSeq > issuedSeq {
			continue
		}
		delete(t.records, key)
		changed++
	}
	return changed
}

// ReconcileCount compares an authoritative unread count against local state.
// Counts issued before the last confirmed mark, or while a mark is still in
// flight, are stale and ignored. A true result means the caller should
// refresh the full list; the count itself never edits records.
func (t *NotificationTracker) ReconcileCount(count int, issuedSeq uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if issuedSeq < t.lastMark || t.inflight > 0 {
		return false
	}
	return count != t.totalUnreadLocked()
}

func (t *NotificationTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[string]*trackedRecord)
	t.marks = nil
	t.readThrough = make(map[string]time.Time)
	t.allReadThrough = time.Time{}
	t.inflight = 0
	t.seq++
	t.lastMark = t.seq
}
