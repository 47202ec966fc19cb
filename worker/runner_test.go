package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outcraftly/testutil"
)

type chanPublisher chan string

func (p chanPublisher) Publish(event string, _ interface{}) {
	select {
	case p <- event:
	default:
	}
}

func TestRunner_PublishesPasses(t *testing.T) {
	db := testutil.NewDB(t)
	f := testutil.NewFixture(t, db)
	f.Enroll(t, f.Contact, f.Sequence, f.Sequence.Steps[0], time.Now().Add(-time.Minute))
	m := &fakeMailer{}

	pub := make(chanPublisher, 4)
	r := NewRunner(newTestDispatcher(t, f, m), nil, NewCleaner(db, nil),
		RunnerConfig{DispatchInterval: 10 * time.Millisecond}, pub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	select {
	case event := <-pub:
		assert.Equal(t, "dispatch", event)
	case <-time.After(5 * time.Second):
		t.Fatal("no pass published")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
	require.Equal(t, 1, m.count())
}
