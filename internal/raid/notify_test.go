package raid

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitDone(t *testing.T, n *Notifier) {
	t.Helper()
	select {
	case <-n.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("notifier did not drain")
	}
}

func TestNotifier_DeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	n := NewNotifier(func(msg string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
	}, 8)

	n.Notify("one")
	n.Notify("two")
	n.Notify("three")
	n.Close()
	waitDone(t, n)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestNotifier_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	n := NewNotifier(func(string) {
		once.Do(func() { close(started) })
		<-release
	}, 1)

	n.Notify("first")
	<-started
	n.Notify("queued")

	done := make(chan struct{})
	go func() {
		n.Notify("dropped")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full buffer")
	}
	assert.Equal(t, 1, n.Dropped())

	close(release)
	n.Close()
	waitDone(t, n)
}

func TestNotifier_RecoversPanics(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	n := NewNotifier(func(msg string) {
		mu.Lock()
		calls++
		mu.Unlock()
		if msg == "bad" {
			panic("callback failed")
		}
	}, 4)

	n.Notify("bad")
	n.Notify("good")
	n.Close()
	waitDone(t, n)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestNotifier_NilCallbackAndClosed(t *testing.T) {
	n := NewNotifier(nil, 0)
	n.Notify("ignored")
	n.Close()
	n.Close()
	waitDone(t, n)

	require.NotPanics(t, func() { n.Notify("after close") })
}
