// Package matcher tracks in-flight MQTT control packets awaiting a reply
// from the broker, keyed by (control code, packet id), and buffers replies
// that arrive before a waiter has registered for them ("fast replies").
package matcher

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mireo/async-mqtt5-sub000/internal/sender"
)

// ErrTryAgain signals a transient condition (reconnect-driven resend) for a
// waiter that cannot be replayed through ResendUnanswered (no ResendFunc
// was supplied). Never surfaced to application code directly.
var ErrTryAgain = errors.New("matcher: try again")

// ErrAborted signals the waiter was cancelled, typically by a competing
// registration for the same key or a top-level shutdown.
var ErrAborted = errors.New("matcher: aborted")

// Key identifies one outstanding reply: the acknowledgement packet's
// control code and the packet id it carries.
type Key struct {
	Code byte
	PID  uint16
}

// Reply is what a waiter receives: either an error (ErrAborted or a
// malformed-packet error) or the raw acknowledgement bytes.
type Reply struct {
	Err  error
	Data []byte
}

// ResendFunc rebuilds the wire bytes to retransmit for a still-outstanding
// request, e.g. setting PUBLISH's Dup flag before a retry. It is supplied
// once, when Wait is first called for an op's initial submission, and
// invoked again by ResendUnanswered on every reconnect for as long as the
// op remains unanswered.
type ResendFunc func() []byte

// PendingResend is one outstanding op that must be retransmitted after a
// reconnect. Serial is the op's original submission-order serial,
// unchanged across retries, so the caller can feed these back into
// sender in the order ResendUnanswered already sorted them into.
type PendingResend struct {
	Key    Key
	Serial uint32
	Flags  sender.Flags
	Buf    []byte
}

type waiter struct {
	ch        chan Reply
	createdAt time.Time
	serial    uint32
	flags     sender.Flags
	resend    ResendFunc
}

type fastReply struct {
	data []byte
}

// Matcher is safe for concurrent use.
type Matcher struct {
	mu         sync.Mutex
	waiters    map[Key]*waiter
	fastReplie map[Key]fastReply
}

func New() *Matcher {
	return &Matcher{
		waiters:    make(map[Key]*waiter),
		fastReplie: make(map[Key]fastReply),
	}
}

// Wait registers interest in key and returns a channel that receives
// exactly one Reply. If a waiter already exists for key, it is cancelled
// with ErrAborted before the new one is installed. If a fast reply is
// already buffered for key, it is consumed immediately and delivered
// without blocking.
//
// serial and flags are the request's stable submission-order identity and
// resend rebuilds its wire bytes for a retransmit. Both are retained for
// as long as the waiter stays outstanding, so that ResendUnanswered can
// replay it in the correct order after a reconnect without the owning
// op's own goroutine racing to resubmit it.
func (m *Matcher) Wait(key Key, serial uint32, flags sender.Flags, resend ResendFunc) <-chan Reply {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.waiters[key]; ok {
		old.ch <- Reply{Err: ErrAborted}
		close(old.ch)
		delete(m.waiters, key)
	}

	ch := make(chan Reply, 1)
	if fr, ok := m.fastReplie[key]; ok {
		delete(m.fastReplie, key)
		ch <- Reply{Data: fr.data}
		return ch
	}

	m.waiters[key] = &waiter{ch: ch, createdAt: time.Now(), serial: serial, flags: flags, resend: resend}
	return ch
}

// Cancel removes any waiter registered for key without delivering a reply.
// Used when the owning op is cancelled before a reply is expected.
func (m *Matcher) Cancel(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.waiters[key]; ok {
		delete(m.waiters, key)
		close(w.ch)
	}
}

// Dispatch delivers data to the waiter registered for key. If none is
// registered, data is buffered as a fast reply for the next Wait(key).
func (m *Matcher) Dispatch(key Key, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.waiters[key]; ok {
		delete(m.waiters, key)
		w.ch <- Reply{Data: data}
		close(w.ch)
		return
	}
	m.fastReplie[key] = fastReply{data: data}
}

// ResendUnanswered rebuilds the wire bytes for every outstanding waiter via
// its ResendFunc and returns them sorted prioritized-then-serial, matching
// the order sender.Resend applies to requests that never made it onto the
// wire. The waiters themselves stay registered: the eventual
// PUBCOMP/PUBACK/SUBACK is still delivered to the channel the owning op is
// already blocked on, so retransmission happens without that op's
// goroutine taking part in a race to re-submit. A waiter with no
// ResendFunc (shouldn't normally occur) falls back to the old
// fire-and-forget ErrTryAgain delivery. Called once per reconnect, before
// the sender begins resending.
func (m *Matcher) ResendUnanswered() []PendingResend {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PendingResend, 0, len(m.waiters))
	for key, w := range m.waiters {
		if w.resend == nil {
			w.ch <- Reply{Err: ErrTryAgain}
			close(w.ch)
			delete(m.waiters, key)
			continue
		}
		out = append(out, PendingResend{Key: key, Serial: w.serial, Flags: w.flags, Buf: w.resend()})
	}

	sort.Slice(out, func(i, j int) bool {
		return pendingLess(out[i], out[j])
	})
	return out
}

// pendingLess orders pending resends the same way sender.Resend orders
// still-queued requests: prioritized first, then by wrap-aware serial.
func pendingLess(a, b PendingResend) bool {
	ap := a.Flags&sender.Prioritized != 0
	bp := b.Flags&sender.Prioritized != 0
	if ap != bp {
		return ap
	}
	return int32(b.Serial-a.Serial) > 0 && a.Serial != b.Serial
}

// CancelUnanswered completes every outstanding waiter with ErrAborted.
// Called on terminal shutdown.
func (m *Matcher) CancelUnanswered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, w := range m.waiters {
		w.ch <- Reply{Err: ErrAborted}
		close(w.ch)
		delete(m.waiters, key)
	}
}

// AnyExpired reports whether any waiter has been registered for longer
// than maxAge. Drives the sentry (spec §4.7.4).
func (m *Matcher) AnyExpired(maxAge time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, w := range m.waiters {
		if now.Sub(w.createdAt) > maxAge {
			return true
		}
	}
	return false
}

// ClearFastReplies discards all buffered fast replies. Called whenever a
// new outbound send round begins, preventing unbounded growth of stale
// fast replies across a long session.
func (m *Matcher) ClearFastReplies() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.fastReplie)
}

// Pending reports the number of outstanding waiters. Intended for tests
// and diagnostics.
func (m *Matcher) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
