package chatsync

import "sort"

// ============================================================================
// Dialog reconciler
// ============================================================================

// reconcileLocked applies a server-confirmed message to the cache and the
// dialog list. It runs for socket frames and for send confirmations alike.
// matchPending lets a message sent by the current user take the place of
// the oldest pending copy with the same content. refresh reports that the
// counterpart has no dialog yet and the message was held.
func (s *Store) reconcileLocked(msg Message, matchPending bool) (changes []Change, refresh bool) {
	if s.seen.has(msg.ID) {
		return nil, false
	}
	s.seen.add(msg.ID)

	cp := msg.Counterpart(s.self)
	if s.placeLocked(cp, msg, matchPending) {
		changes = append(changes, Change{Kind: ChangeMessages, CounterpartID: cp})
	}

	i := s.dialogIndexLocked(cp)
	if i < 0 {
		s.holdLocked(cp, msg)
		s.log.Debug().Int64("counterpart", cp).Int64("id", msg.ID).Msg("no dialog for message, holding")
		return changes, true
	}

	d := &s.dialogs[i]
	if !msg.CreatedAt.Before(d.LastMessageAt) {
		d.LastMessage = msg.Content
		d.LastMessageAt = msg.CreatedAt
	}
	if msg.SenderID != s.self && !s.isSubscribedLocked(cp) {
		d.UnreadCount++
	}
	sortDialogs(s.dialogs)
	return append(changes, Change{Kind: ChangeDialogs, CounterpartID: cp}), false
}

// placeLocked puts msg into cp's cache and reports whether it changed.
func (s *Store) placeLocked(cp int64, msg Message, matchPending bool) bool {
	cache := s.messages[cp]
	if matchPending && msg.SenderID == s.self {
		for i, m := range cache {
			if m.Pending() && m.SenderID == s.self && m.Content == msg.Content {
				cache[i] = msg
				return true
			}
		}
	}
	if !s.isSubscribedLocked(cp) || indexByID(cache, msg.ID) >= 0 {
		return false
	}
	s.messages[cp] = append(cache, msg)
	return true
}

// confirmLocked swaps the pending copy identified by clientID for the
// confirmed message, or drops it when the socket already delivered that id.
func (s *Store) confirmLocked(cp int64, clientID string, confirmed Message) bool {
	cache := s.messages[cp]
	i := indexByClientID(cache, clientID)
	if i < 0 {
		return false
	}
	if indexByID(cache, confirmed.ID) >= 0 {
		s.messages[cp] = append(cache[:i:i], cache[i+1:]...)
		return true
	}
	cache[i] = confirmed
	return true
}

func (s *Store) holdLocked(cp int64, msg Message) {
	held := append(s.held[cp], msg)
	if len(held) > maxHeldPerCounterpart {
		held = held[len(held)-maxHeldPerCounterpart:]
	}
	s.held[cp] = held
}

// releaseHeldLocked runs after a dialog refresh. Held messages advance
// their dialog's last message when newer and land in open threads. They
// never bump unread; the fetched list already counts them. Messages whose
// dialog is still missing stay held for the next refresh.
func (s *Store) releaseHeldLocked() []Change {
	if len(s.held) == 0 {
		return nil
	}
	var changes []Change
	for cp, msgs := range s.held {
		i := s.dialogIndexLocked(cp)
		if i < 0 {
			continue
		}
		d := &s.dialogs[i]
		for _, m := range msgs {
			if !m.CreatedAt.Before(d.LastMessageAt) {
				d.LastMessage = m.Content
				d.LastMessageAt = m.CreatedAt
			}
		}
		changes = append(changes, Change{Kind: ChangeDialogs, CounterpartID: cp})
		if s.isSubscribedLocked(cp) {
			placed := false
			for _, m := range msgs {
				if indexByID(s.messages[cp], m.ID) < 0 {
					s.messages[cp] = append(s.messages[cp], m)
					placed = true
				}
			}
			if placed {
				changes = append(changes, Change{Kind: ChangeMessages, CounterpartID: cp})
			}
		}
		delete(s.held, cp)
	}
	sortDialogs(s.dialogs)
	return changes
}

func (s *Store) dialogIndexLocked(cp int64) int {
	for i := range s.dialogs {
		if s.dialogs[i].UserID == cp {
			return i
		}
	}
	return -1
}

// ============================================================================
// Helpers
// ============================================================================

// sortDialogs orders by last activity, newest first.
func sortDialogs(dialogs []Dialog) {
	sort.SliceStable(dialogs, func(i, j int) bool {
		return dialogs[i].activity().After(dialogs[j].activity())
	})
}

// mergeThread unions fetched and cached messages by id in chronological
// order. Pending entries of cached keep their order at the tail.
func mergeThread(fetched, cached []Message) []Message {
	ids := make(map[int64]struct{}, len(fetched)+len(cached))
	out := make([]Message, 0, len(fetched)+len(cached))
	add := func(m Message) {
		if m.Pending() {
			return
		}
		if _, dup := ids[m.ID]; dup {
			return
		}
		ids[m.ID] = struct{}{}
		out = append(out, m)
	}
	for _, m := range fetched {
		add(m)
	}
	for _, m := range cached {
		add(m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	for _, m := range cached {
		if m.Pending() {
			out = append(out, m)
		}
	}
	return out
}

func indexByID(msgs []Message, id int64) int {
	for i := range msgs {
		if msgs[i].ID == id && id != 0 {
			return i
		}
	}
	return -1
}

func indexByClientID(msgs []Message, clientID string) int {
	for i := range msgs {
		if msgs[i].Pending() && msgs[i].ClientID == clientID {
			return i
		}
	}
	return -1
}

// idRing remembers the most recent message ids so a redelivered frame is
// not counted twice.
type idRing struct {
	ids  map[int64]struct{}
	ring []int64
	next int
}

func newIDRing(size int) *idRing {
	return &idRing{ids: make(map[int64]struct{}, size), ring: make([]int64, 0, size)}
}

func (r *idRing) has(id int64) bool {
	_, ok := r.ids[id]
	return ok
}

func (r *idRing) add(id int64) {
	if len(r.ring) < cap(r.ring) {
		r.ring = append(r.ring, id)
	} else {
		delete(r.ids, r.ring[r.next])
		r.ring[r.next] = id
		r.next = (r.next + 1) % len(r.ring)
	}
	r.ids[id] = struct{}{}
}
