package matcher

import (
	"testing"
	"time"

	"github.com/mireo/async-mqtt5-sub000/internal/sender"
)

func TestDispatchBeforeWaitIsFastReply(t *testing.T) {
	m := New()
	key := Key{Code: 0x40, PID: 1} // PUBACK
	m.Dispatch(key, []byte{0x00})

	ch := m.Wait(key, 1, 0, nil)
	select {
	case r := <-ch:
		if r.Err != nil || string(r.Data) != "\x00" {
			t.Fatalf("unexpected reply: %+v", r)
		}
	default:
		t.Fatal("fast reply was not delivered immediately")
	}
}

func TestWaitThenDispatch(t *testing.T) {
	m := New()
	key := Key{Code: 0x40, PID: 2}
	ch := m.Wait(key, 1, 0, nil)
	m.Dispatch(key, []byte{0x01})
	r := <-ch
	if r.Err != nil || len(r.Data) != 1 || r.Data[0] != 0x01 {
		t.Fatalf("unexpected reply: %+v", r)
	}
}

func TestSecondWaitCancelsFirst(t *testing.T) {
	m := New()
	key := Key{Code: 0x40, PID: 3}
	first := m.Wait(key, 1, 0, nil)
	_ = m.Wait(key, 2, 0, nil)

	r := <-first
	if r.Err != ErrAborted {
		t.Fatalf("first waiter err = %v, want ErrAborted", r.Err)
	}
}

// TestResendUnansweredRebuildsAndSortsPending verifies that
// ResendUnanswered invokes each waiter's ResendFunc synchronously, sorts
// the results prioritized-then-serial, and leaves the waiters registered
// so the eventual real reply still reaches the original caller.
func TestResendUnansweredRebuildsAndSortsPending(t *testing.T) {
	m := New()
	keyA := Key{Code: 0x40, PID: 1}
	keyB := Key{Code: 0x40, PID: 2}
	keyPrel := Key{Code: 0x70, PID: 3}

	var rebuiltA, rebuiltB int
	chA := m.Wait(keyA, 10, sender.Throttled, func() []byte { rebuiltA++; return []byte{0xA1} })
	chB := m.Wait(keyB, 5, sender.Throttled, func() []byte { rebuiltB++; return []byte{0xB2} })
	chPrel := m.Wait(keyPrel, 20, sender.Prioritized, func() []byte { return []byte{0xC3} })

	pending := m.ResendUnanswered()
	if len(pending) != 3 {
		t.Fatalf("len(pending) = %d, want 3", len(pending))
	}
	if rebuiltA != 1 || rebuiltB != 1 {
		t.Fatalf("resend funcs invoked A=%d B=%d, want 1 each", rebuiltA, rebuiltB)
	}

	// Prioritized sorts first regardless of serial; among non-prioritized,
	// lower serial (keyB, serial 5) precedes the higher one (keyA, serial 10).
	if pending[0].Key != keyPrel {
		t.Fatalf("pending[0] = %+v, want the prioritized PUBREL", pending[0])
	}
	if pending[1].Key != keyB || pending[2].Key != keyA {
		t.Fatalf("pending = %+v, want [keyPrel keyB keyA]", pending)
	}

	if m.Pending() != 3 {
		t.Fatalf("Pending() = %d, want 3 (waiters stay registered)", m.Pending())
	}

	// The waiter is still live: the real ack, once it arrives, reaches the
	// original channel without the caller re-registering.
	m.Dispatch(keyA, []byte{0x00})
	r := <-chA
	if r.Err != nil || r.Data[0] != 0x00 {
		t.Fatalf("chA reply = %+v, want success", r)
	}
	m.Cancel(keyB)
	<-chB
	m.Cancel(keyPrel)
	<-chPrel
}

func TestResendUnansweredFallsBackWithoutResendFunc(t *testing.T) {
	m := New()
	key := Key{Code: 0x40, PID: 4}
	ch := m.Wait(key, 1, 0, nil)
	pending := m.ResendUnanswered()
	if len(pending) != 0 {
		t.Fatalf("len(pending) = %d, want 0", len(pending))
	}
	r := <-ch
	if r.Err != ErrTryAgain {
		t.Fatalf("err = %v, want ErrTryAgain", r.Err)
	}
	if m.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", m.Pending())
	}
}

func TestCancelUnanswered(t *testing.T) {
	m := New()
	key := Key{Code: 0x40, PID: 5}
	ch := m.Wait(key, 1, 0, nil)
	m.CancelUnanswered()
	r := <-ch
	if r.Err != ErrAborted {
		t.Fatalf("err = %v, want ErrAborted", r.Err)
	}
}

func TestAnyExpired(t *testing.T) {
	m := New()
	key := Key{Code: 0x40, PID: 6}
	m.Wait(key, 1, 0, nil)
	if m.AnyExpired(time.Hour) {
		t.Fatal("waiter should not be expired yet")
	}
	if !m.AnyExpired(0) {
		t.Fatal("waiter should be expired against a zero max age")
	}
}

func TestClearFastReplies(t *testing.T) {
	m := New()
	key := Key{Code: 0x40, PID: 7}
	m.Dispatch(key, []byte{0x00})
	m.ClearFastReplies()
	ch := m.Wait(key, 1, 0, nil)
	select {
	case <-ch:
		t.Fatal("fast reply should have been cleared")
	default:
	}
}

func TestNeverDispatchesSameKeyTwice(t *testing.T) {
	m := New()
	key := Key{Code: 0x40, PID: 8}
	chA := m.Wait(key, 1, 0, nil)
	m.Dispatch(key, []byte{1})
	// A second dispatch with no new waiter becomes a fast reply, not a
	// second delivery to chA.
	m.Dispatch(key, []byte{2})

	r := <-chA
	if r.Data[0] != 1 {
		t.Fatalf("chA got %v, want first dispatch", r.Data)
	}

	chB := m.Wait(key, 2, 0, nil)
	r2 := <-chB
	if r2.Data[0] != 2 {
		t.Fatalf("chB got %v, want second dispatch via fast reply", r2.Data)
	}
}
