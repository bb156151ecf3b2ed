// Package sender serializes concurrent send requests into an ordered,
// flow-controlled wire stream and replays them in the correct order after
// a reconnect.
package sender

import (
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrTryAgain is delivered to a request's Done channel when the transport
// write failed and the caller should reissue after reconnect.
var ErrTryAgain = errors.New("sender: try again")

// ErrAborted is delivered when the sender is torn down with requests still
// queued.
var ErrAborted = errors.New("sender: aborted")

// Flags controls how a request participates in ordering and flow control.
type Flags uint8

const (
	// Throttled requests count against the negotiated in-flight quota
	// (Receive Maximum). QoS 1/2 PUBLISH carries this flag.
	Throttled Flags = 1 << iota
	// Prioritized requests sort ahead of non-prioritized ones regardless
	// of serial number. PUBREL carries this flag.
	Prioritized
	// Terminal requests (DISCONNECT) are always the last thing written;
	// once one is queued, do_write extracts it as the sole write batch.
	Terminal
)

// Unconstrained, when used as the in-flight limit, disables throttling
// entirely (the "limit == max" case in do_write).
const Unconstrained = 65535

// Writer is the minimal scatter-gather write contract the sender needs
// from the active transport stream.
type Writer interface {
	Write(bufs net.Buffers) (int64, error)
}

// Request is one unit of outbound data plus its completion signal.
type Request struct {
	Buf    []byte
	Serial uint32
	Flags  Flags
	Done   chan error // buffered, size >= 1
}

func less(a, b *Request) bool {
	ap := a.Flags&Prioritized != 0
	bp := b.Flags&Prioritized != 0
	if ap != bp {
		return ap // prioritized sorts first
	}
	return serialLess(a.Serial, b.Serial)
}

// serialLess implements wrap-aware ordering: a precedes b iff
// (b-a) mod 2^32 lies in the lower half of the range.
func serialLess(a, b uint32) bool {
	return int32(b-a) > 0 && a != b
}

// Sender holds the outbound queue and negotiated flow-control state. The
// zero value is not usable; construct with New.
type Sender struct {
	mu          sync.Mutex
	queue       []*Request
	lastSerial  uint32
	limit       int
	quota       int
	inProgress  bool
	writer      Writer
	matcher     clearer
	onException func(error) // invoked when a write fails, to trigger reconnect
}

// clearer is the subset of *matcher.Matcher the sender needs: clearing
// buffered fast replies before each write round (spec §4.5 step 4).
type clearer interface {
	ClearFastReplies()
}

// New constructs a Sender whose in-flight limit starts as Unconstrained
// until SetLimit or Resend installs a negotiated Receive Maximum.
func New(m clearer, onException func(error)) *Sender {
	return &Sender{
		limit:       Unconstrained,
		quota:       Unconstrained,
		matcher:     m,
		onException: onException,
	}
}

// NextSerial returns the next monotonically increasing serial number.
// Submission order of calls to NextSerial across the whole client
// determines wire order across reconnects (spec §5).
func (s *Sender) NextSerial() uint32 {
	return atomic.AddUint32(&s.lastSerial, 1)
}

// SetWriter installs the active transport writer. Passing nil pauses
// sending (used while a reconnect is in progress).
func (s *Sender) SetWriter(w Writer) {
	s.mu.Lock()
	s.writer = w
	s.mu.Unlock()
	if w != nil {
		s.doWrite()
	}
}

// SetLimit installs the negotiated Receive Maximum and resets the quota
// to match. Called once per successful CONNACK.
func (s *Sender) SetLimit(limit int) {
	if limit <= 0 || limit > Unconstrained {
		limit = Unconstrained
	}
	s.mu.Lock()
	s.limit = limit
	s.quota = limit
	s.mu.Unlock()
}

// Send enqueues req and attempts to write immediately.
func (s *Sender) Send(req *Request) {
	s.mu.Lock()
	s.queue = append(s.queue, req)
	s.mu.Unlock()
	s.doWrite()
}

// ThrottledOpDone returns one unit of in-flight quota (an ack freed a
// slot) and retries the write loop.
func (s *Sender) ThrottledOpDone() {
	s.mu.Lock()
	if s.quota < s.limit {
		s.quota++
	}
	s.mu.Unlock()
	s.doWrite()
}

// doWrite implements spec §4.5's do_write. It is safe to call repeatedly
// and concurrently; only one write is ever in flight (inProgress guard).
func (s *Sender) doWrite() {
	s.mu.Lock()
	if s.inProgress || s.writer == nil {
		s.mu.Unlock()
		return
	}

	batch, rest := s.selectBatch()
	if len(batch) == 0 {
		s.mu.Unlock()
		return
	}
	s.queue = rest
	s.inProgress = true
	w := s.writer
	s.matcher.ClearFastReplies()
	s.mu.Unlock()

	bufs := make(net.Buffers, len(batch))
	for i, r := range batch {
		bufs[i] = r.Buf
	}

	_, err := w.Write(bufs)

	s.mu.Lock()
	s.inProgress = false
	s.mu.Unlock()

	if err != nil {
		s.requeueAndException(batch, err)
		return
	}

	for _, r := range batch {
		deliver(r.Done, nil)
	}
	s.doWrite()
}

// selectBatch must be called with s.mu held. It returns the requests to
// write now and the requests that remain queued. The queue is sorted
// prioritized-then-serial before partitioning so that whatever order
// requests were appended in (including resends racing in from several
// goroutines after a reconnect), the wire order follows submission order,
// with prioritized requests first; under a finite limit, non-throttled
// requests are written ahead of throttled ones.
func (s *Sender) selectBatch() (batch, rest []*Request) {
	for i, r := range s.queue {
		if r.Flags&Terminal != 0 {
			batch = []*Request{r}
			rest = append(append([]*Request{}, s.queue[:i]...), s.queue[i+1:]...)
			return batch, rest
		}
	}

	sort.SliceStable(s.queue, func(i, j int) bool {
		return less(s.queue[i], s.queue[j])
	})

	if s.limit == Unconstrained {
		batch = s.queue
		s.queue = nil
		return batch, nil
	}

	var nonThrottled, throttled []*Request
	for _, r := range s.queue {
		if r.Flags&Throttled != 0 {
			throttled = append(throttled, r)
		} else {
			nonThrottled = append(nonThrottled, r)
		}
	}

	take := s.quota
	if take > len(throttled) {
		take = len(throttled)
	}
	s.quota -= take

	batch = append(batch, nonThrottled...)
	batch = append(batch, throttled[:take]...)
	rest = throttled[take:]
	return batch, rest
}

// requeueAndException implements the try_again branch of do_write's step
// 5: everything goes back on the queue, the session is signalled, and
// Resend is expected to be called once reconnect completes.
func (s *Sender) requeueAndException(batch []*Request, err error) {
	s.mu.Lock()
	s.queue = append(batch, s.queue...)
	s.mu.Unlock()
	if s.onException != nil {
		s.onException(err)
	}
}

// Resend implements spec §4.5's resend(): called once a new connection is
// established. It resets quota from the freshly negotiated limit,
// completes every request currently queued with ErrTryAgain so owning
// state machines reissue (sorted, so retransmission order is
// deterministic), then restarts the write loop. newLimit <= 0 leaves the
// limit unconstrained.
func (s *Sender) Resend(newLimit int) {
	s.mu.Lock()
	if newLimit <= 0 || newLimit > Unconstrained {
		newLimit = Unconstrained
	}
	s.limit = newLimit
	s.quota = newLimit

	pending := s.queue
	s.queue = nil
	sort.SliceStable(pending, func(i, j int) bool {
		return less(pending[i], pending[j])
	})
	s.mu.Unlock()

	for _, r := range pending {
		deliver(r.Done, ErrTryAgain)
	}
	s.doWrite()
}

// Pause stops accepting new writes without discarding the queue; used
// while a reconnect is underway. Equivalent to SetWriter(nil).
func (s *Sender) Pause() { s.SetWriter(nil) }

// Shutdown completes every queued request with ErrAborted and empties the
// queue. Used on terminal cancellation.
func (s *Sender) Shutdown() {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, r := range pending {
		deliver(r.Done, ErrAborted)
	}
}

// Len reports the number of requests currently queued. Intended for
// tests.
func (s *Sender) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func deliver(done chan error, err error) {
	select {
	case done <- err:
	default:
	}
}
