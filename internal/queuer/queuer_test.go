package queuer

import (
	"sync"
	"testing"
	"time"

	"distbuildctl/internal/eventloop"
	"distbuildctl/internal/types"
)

// busRecorder is a minimal eventloop.Machine that records every nil-source
// event posted to the bus, the pattern Queuer itself uses to announce
// WorkerBuildWaiting/HaveAJob/etc. Safe for concurrent read from the test
// goroutine while the loop's dispatch goroutine writes to it.
type busRecorder struct {
	mu     sync.Mutex
	events []eventloop.Event
}

func (b *busRecorder) HandleEvent(loop *eventloop.Loop, source eventloop.EventSource, event eventloop.Event) {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
}

func (b *busRecorder) Done() bool { return false }

func (b *busRecorder) snapshot() []eventloop.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]eventloop.Event, len(b.events))
	copy(out, b.events)
	return out
}

func (b *busRecorder) reset() {
	b.mu.Lock()
	b.events = nil
	b.mu.Unlock()
}

func newHarness() (*eventloop.Loop, *Queuer, *busRecorder) {
	loop := eventloop.New()
	q := New()
	rec := &busRecorder{}
	loop.AddMachine(q)
	loop.AddMachine(rec)
	go loop.Run()
	return loop, q, rec
}

func artifact(name, cacheKey string) *types.ArtifactReference {
	return &types.ArtifactReference{Name: name, CacheKey: cacheKey, Kind: types.KindChunk}
}

// drive posts event to the running loop and gives the single dispatch
// goroutine time to process it and whatever it cascades into (plain map
// operations, no I/O, so this settles in well under the allotted window).
func drive(loop *eventloop.Loop, event eventloop.Event) {
	loop.Post(nil, event)
	time.Sleep(50 * time.Millisecond)
}

func TestHandleRequest_AssignsToIdleWorkerImmediately(t *testing.T) {
	loop, _, rec := newHarness()
	drive(loop, NeedJob{WorkerName: "worker-a"})
	drive(loop, WorkerBuildRequest{Artifact: artifact("chunk-a", "key-a"), InitiatorID: "initiator-1"})

	var got *HaveAJob
	for _, e := range rec.snapshot() {
		if hj, ok := e.(HaveAJob); ok {
			got = &hj
		}
	}
	if got == nil {
		t.Fatalf("expected a HaveAJob event, got %+v", rec.snapshot())
	}
	if got.WorkerName != "worker-a" {
		t.Errorf("expected worker-a, got %s", got.WorkerName)
	}
	if got.Job.Artifact.Basename() != artifact("chunk-a", "key-a").Basename() {
		t.Errorf("unexpected job artifact: %+v", got.Job.Artifact)
	}

	snap := make(chan []JobInfo, 1)
	loop.Post(nil, SnapshotRequest{Reply: snap})
	select {
	case infos := <-snap:
		if len(infos) != 1 || !infos[0].IsBuilding {
			t.Errorf("expected one building job in snapshot, got %+v", infos)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot reply")
	}
}

func TestHandleRequest_WaitsWithNoIdleWorker(t *testing.T) {
	loop, _, rec := newHarness()
	drive(loop, WorkerBuildRequest{Artifact: artifact("chunk-a", "key-a"), InitiatorID: "initiator-1"})

	var waiting *WorkerBuildWaiting
	for _, e := range rec.snapshot() {
		if w, ok := e.(WorkerBuildWaiting); ok {
			waiting = &w
		}
	}
	if waiting == nil {
		t.Fatalf("expected WorkerBuildWaiting, got %+v", rec.snapshot())
	}
	if waiting.InitiatorID != "initiator-1" {
		t.Errorf("expected initiator-1, got %s", waiting.InitiatorID)
	}
}

func TestHandleRequest_DedupRunningJob(t *testing.T) {
	loop, _, rec := newHarness()
	drive(loop, NeedJob{WorkerName: "worker-a"})
	drive(loop, WorkerBuildRequest{Artifact: artifact("chunk-a", "key-a"), InitiatorID: "initiator-1"})

	rec.reset()
	drive(loop, WorkerBuildRequest{Artifact: artifact("chunk-a", "key-a"), InitiatorID: "initiator-2"})

	var already *WorkerBuildStepAlreadyStarted
	for _, e := range rec.snapshot() {
		if a, ok := e.(WorkerBuildStepAlreadyStarted); ok {
			already = &a
		}
	}
	if already == nil {
		t.Fatalf("expected WorkerBuildStepAlreadyStarted for the second requester, got %+v", rec.snapshot())
	}
	if already.WorkerName != "worker-a" {
		t.Errorf("expected worker-a, got %s", already.WorkerName)
	}
}

func TestHandleNeedJob_AssignsNextQueuedJobInInsertionOrder(t *testing.T) {
	loop, _, rec := newHarness()
	drive(loop, WorkerBuildRequest{Artifact: artifact("chunk-a", "key-a"), InitiatorID: "initiator-1"})
	drive(loop, WorkerBuildRequest{Artifact: artifact("chunk-b", "key-b"), InitiatorID: "initiator-1"})

	rec.reset()
	drive(loop, NeedJob{WorkerName: "worker-a"})

	var got *HaveAJob
	for _, e := range rec.snapshot() {
		if hj, ok := e.(HaveAJob); ok {
			got = &hj
		}
	}
	if got == nil {
		t.Fatalf("expected a HaveAJob event, got %+v", rec.snapshot())
	}
	if got.Job.Artifact.Name != "chunk-a" {
		t.Errorf("expected the first-queued job (chunk-a) to be assigned, got %s", got.Job.Artifact.Name)
	}
}
