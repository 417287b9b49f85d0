// Package queuer implements the WorkerBuildQueuer singleton from spec
// §4.7: it deduplicates concurrent requests for the same artifact and
// hands jobs out to idle workers in insertion order (spec §9's "queue
// ordering" open question resolves to insertion order, the safest choice
// under Go's unordered maps).
package queuer

import (
	"strconv"

	"distbuildctl/internal/eventloop"
	"distbuildctl/internal/metrics"
	"distbuildctl/internal/types"
)

// WorkerBuildRequest asks the queuer to build artifact on behalf of
// initiatorID. Posted with source nil; the queuer watches the whole bus.
// Siblings carries every artifact coalesced into this one request by the
// build controller (spec §4.6's chunk coalescing), so the eventual job
// knows every artifact it must cache-fetch suffixes for, not just
// Artifact.
type WorkerBuildRequest struct {
	Artifact    *types.ArtifactReference
	Siblings    []*types.ArtifactReference
	InitiatorID string
}

// WorkerBuildWaiting is emitted back to the bus when a request cannot be
// assigned to a worker immediately.
type WorkerBuildWaiting struct {
	Basename    string
	InitiatorID string
}

// WorkerBuildStepAlreadyStarted is emitted when a request joins a job
// already running on a worker.
type WorkerBuildStepAlreadyStarted struct {
	Basename    string
	InitiatorID string
	WorkerName  string
}

// NeedJob is posted by an idle WorkerConnection identified by WorkerName
// (the peer address, per spec §4.8 — unique per live connection).
type NeedJob struct {
	WorkerName string
}

// HaveAJob is posted back to the bus (source nil) once a job has been
// assigned to a worker. The WorkerConnection watches for its own
// WorkerName.
type HaveAJob struct {
	WorkerName string
	Job        *types.Job
}

// WorkerCancelPending asks the queuer to drop queued jobs wanted only by
// initiatorID. Per spec §4.7 this is currently a no-op: workers interpret
// cancels through the build controller path, not the queue.
type WorkerCancelPending struct {
	InitiatorID string
}

// JobInfo is a read-only snapshot row of one tracked job, for the debug
// HTTP surface.
type JobInfo struct {
	Basename       string
	Initiators     []string
	AssignedWorker string
	IsBuilding     bool
}

// SnapshotRequest asks the queuer (on its own Loop goroutine, where all of
// its state lives) for a point-in-time job listing. Reply must be a
// buffered channel of capacity at least 1; the queuer never blocks
// sending to it.
type SnapshotRequest struct {
	Reply chan []JobInfo
}

type jobEntry struct {
	job       *types.Job
	hasWorker bool
}

// Queuer is the process-wide job table and idle-worker FIFO.
type Queuer struct {
	counter int

	jobs             map[string]*jobEntry // basename -> entry
	order            []string             // basenames in insertion order, for deterministic next-job selection
	availableWorkers []string
}

// New creates an empty Queuer.
func New() *Queuer {
	return &Queuer{jobs: make(map[string]*jobEntry)}
}

func (q *Queuer) nextJobID() string {
	q.counter++
	return "job-" + strconv.Itoa(q.counter)
}

// Done never reports true: the queuer is a process-wide singleton, like
// helperrouter.Router.
func (q *Queuer) Done() bool { return false }

// HandleEvent dispatches on concrete event type.
func (q *Queuer) HandleEvent(loop *eventloop.Loop, source eventloop.EventSource, event eventloop.Event) {
	switch ev := event.(type) {
	case WorkerBuildRequest:
		q.handleRequest(loop, ev)
	case NeedJob:
		q.handleNeedJob(loop, ev)
	case WorkerCancelPending:
		// Reserved: queued jobs wanted only by the cancelling initiator
		// are not removed. Workers cancel through the build controller.

	case SnapshotRequest:
		ev.Reply <- q.snapshot()
	}
}

func (q *Queuer) snapshot() []JobInfo {
	out := make([]JobInfo, 0, len(q.order))
	for _, basename := range q.order {
		entry := q.jobs[basename]
		out = append(out, JobInfo{
			Basename:       basename,
			Initiators:     entry.job.InitiatorIDs(),
			AssignedWorker: entry.job.AssignedWorker,
			IsBuilding:     entry.job.IsBuilding,
		})
	}
	return out
}

func (q *Queuer) handleRequest(loop *eventloop.Loop, ev WorkerBuildRequest) {
	basename := ev.Artifact.Basename()
	entry, exists := q.jobs[basename]
	if exists {
		entry.job.AddInitiator(ev.InitiatorID)
		if entry.hasWorker {
			loop.Post(nil, WorkerBuildStepAlreadyStarted{
				Basename:    basename,
				InitiatorID: ev.InitiatorID,
				WorkerName:  entry.job.AssignedWorker,
			})
		} else {
			loop.Post(nil, WorkerBuildWaiting{Basename: basename, InitiatorID: ev.InitiatorID})
		}
		return
	}

	job := types.NewJob(q.nextJobID(), ev.Artifact, ev.Siblings, ev.InitiatorID)
	entry = &jobEntry{job: job}
	q.jobs[basename] = entry
	q.order = append(q.order, basename)
	metrics.QueueDepth.Set(float64(len(q.jobs)))

	if len(q.availableWorkers) > 0 {
		worker := q.availableWorkers[0]
		q.availableWorkers = q.availableWorkers[1:]
		q.assign(loop, basename, entry, worker)
		return
	}
	loop.Post(nil, WorkerBuildWaiting{Basename: basename, InitiatorID: ev.InitiatorID})
}

func (q *Queuer) handleNeedJob(loop *eventloop.Loop, ev NeedJob) {
	for basename, entry := range q.jobs {
		if entry.hasWorker && entry.job.AssignedWorker == ev.WorkerName {
			delete(q.jobs, basename)
			q.order = removeString(q.order, basename)
			metrics.QueueDepth.Set(float64(len(q.jobs)))
			break
		}
	}

	q.availableWorkers = append(q.availableWorkers, ev.WorkerName)

	for _, basename := range q.order {
		entry := q.jobs[basename]
		if !entry.hasWorker {
			worker := q.availableWorkers[0]
			q.availableWorkers = q.availableWorkers[1:]
			q.assign(loop, basename, entry, worker)
			return
		}
	}
}

func (q *Queuer) assign(loop *eventloop.Loop, basename string, entry *jobEntry, workerName string) {
	entry.hasWorker = true
	entry.job.AssignedWorker = workerName
	entry.job.IsBuilding = true
	loop.Post(nil, HaveAJob{WorkerName: workerName, Job: entry.job})
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
