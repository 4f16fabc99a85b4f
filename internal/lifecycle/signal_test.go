package lifecycle

import (
	"errors"
	"testing"
	"time"
)

func TestSignalFiresOnce(t *testing.T) {
	s := NewSignal()
	if s.IsFired() {
		t.Fatal("a fresh Signal must not be fired")
	}
	s.Fire(errors.New("first"))
	s.Fire(errors.New("second")) // must be a no-op

	if !s.IsFired() {
		t.Fatal("Signal should report fired after Fire")
	}
	if s.Err().Error() != "first" {
		t.Fatalf("Err() = %v, want the first Fire's error", s.Err())
	}
}

func TestSignalDoneUnblocks(t *testing.T) {
	s := NewSignal()
	done := make(chan struct{})
	go func() {
		<-s.Done()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Done() unblocked before Fire was called")
	case <-time.After(20 * time.Millisecond):
	}
	s.Fire(nil)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Done() never unblocked after Fire")
	}
}

func TestGroupFiresOnFirstSignal(t *testing.T) {
	a, b := NewSignal(), NewSignal()
	out := Group(a, b)
	a.Fire(nil)
	select {
	case <-out:
	case <-time.After(time.Second):
		t.Fatal("Group did not fire when one of its signals fired")
	}
}
