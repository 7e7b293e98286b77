package audit

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	written []Record
}

func (s *blockingSink) Write(_ context.Context, rec Record) error {
	<-s.release
	s.mu.Lock()
	s.written = append(s.written, rec)
	s.mu.Unlock()
	return nil
}

func (s *blockingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

func TestRecordNeverBlocksWhenSinkStalls(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	emitter := NewEmitter(sink, 2, zerolog.New(io.Discard))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	emitter.Start(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			emitter.Record(Record{Actor: "alice", Action: LockGranted, Target: "twin-1", Success: true})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a stalled sink")
	}

	close(sink.release)
	emitter.Close()
	if n := sink.count(); n == 0 || n > 3 {
		t.Fatalf("expected the buffered records to flush, got %d", n)
	}
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	close(sink.release)
	emitter := NewEmitter(sink, 4, zerolog.New(io.Discard))
	emitter.Start(context.Background())
	emitter.Close()

	emitter.Record(Record{Action: LockReleased})
	if sink.count() != 0 {
		t.Fatalf("no records should be written after close")
	}
}

func TestRecordConcurrentWithCloseIsSafe(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	close(sink.release)
	emitter := NewEmitter(sink, 8, zerolog.New(io.Discard))
	emitter.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				emitter.Record(Record{Actor: "alice", Action: LockGranted, Target: "twin-1"})
			}
		}()
	}
	emitter.Close()
	wg.Wait()
	emitter.Close()

	if !emitter.closed {
		t.Fatalf("emitter should report closed")
	}
}
