package connector

import (
	"container/list"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/randomstuff/dnsfwd/internal/dns/log"
	"github.com/randomstuff/dnsfwd/internal/dns/message"
)

// pendingTable tracks requests for which a TCP write to upstream has
// completed and a reply is awaited, keyed by the client id this connector
// assigned. It maintains spec's "in pending IFF in expiry queue" invariant
// through a single pair of methods, insert and remove, so no call site
// ever touches one collection without the other.
//
// The teacher's repos/dnscache and repos/blocklist/lru packages wrap
// hashicorp/golang-lru the same way: a typed cache plus a small amount of
// bookkeeping layered on top. Here the LRU capacity doubles as the
// pending-set bound that spec.md §9 recommends ("implementations SHOULD
// bound pending... to prevent live-lock"): once full, the table evicts its
// least-recently-touched entry to make room rather than refusing new
// requests outright.
type pendingTable struct {
	lru    *lru.Cache[uint16, *list.Element]
	expiry *list.List // list.Element.Value is *message.Message, front = oldest
	logger log.Logger
}

func newPendingTable(limit int, logger log.Logger) *pendingTable {
	t := &pendingTable{
		expiry: list.New(),
		logger: logger,
	}
	c, err := lru.NewWithEvict[uint16, *list.Element](limit, t.onEvict)
	if err != nil {
		// limit is a validated config value (>0); NewWithEvict only
		// fails for size <= 0.
		panic(err)
	}
	t.lru = c
	return t
}

// onEvict fires whenever an entry leaves the LRU, whether by explicit
// remove or by capacity eviction. Either way the expiry-queue node for
// that entry must go with it, which is exactly the invariant the design
// notes call for.
func (t *pendingTable) onEvict(id uint16, elem *list.Element) {
	t.expiry.Remove(elem)
}

// insert adds msg to both collections under client id msg.ClientID.
func (t *pendingTable) insert(msg *message.Message) {
	elem := t.expiry.PushBack(msg)
	t.lru.Add(msg.ClientID, elem)
}

// lookup returns the Message pending under id, if any.
func (t *pendingTable) lookup(id uint16) (*message.Message, bool) {
	elem, ok := t.lru.Get(id)
	if !ok {
		return nil, false
	}
	return elem.Value.(*message.Message), true
}

// contains reports whether id is currently in use, without affecting LRU
// recency. Used by freshClientID's rejection sampling.
func (t *pendingTable) contains(id uint16) bool {
	return t.lru.Contains(id)
}

// remove drops the Message pending under id from both collections.
// onEvict performs the expiry-queue half of the removal.
func (t *pendingTable) remove(id uint16) {
	t.lru.Remove(id)
}

// len reports the number of pending requests.
func (t *pendingTable) len() int {
	return t.lru.Len()
}

// ageOut removes every Message whose Timestamp is at or before cutoff,
// oldest first, per spec.md's TTL aging ("clear(cutoff)"). The expiry
// queue is in insertion order, which equals timestamp order because
// timestamps are assigned at send time on a single goroutine.
func (t *pendingTable) ageOut(cutoff time.Time) int {
	count := 0
	for {
		front := t.expiry.Front()
		if front == nil {
			break
		}
		msg := front.Value.(*message.Message)
		if msg.Timestamp.After(cutoff) {
			// not yet due
			break
		}
		t.remove(msg.ClientID)
		count++
	}
	if count > 0 {
		t.logger.Debug(map[string]any{"count": count, "remaining": t.len()}, "requests dropped after TTL expiry")
	}
	return count
}
