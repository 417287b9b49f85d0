// Package workerconn implements the WorkerConnection state machine from
// spec §4.8: one instance per worker socket, running a build, then pulling
// the result into the shared cache before returning to idle.
//
// Grounded 1:1 on original_source/distbuild/worker_build_scheduler.py's
// WorkerConnection. Like helperrouter.Router, this is hand-rolled as a
// switch over concrete event types rather than built on
// eventloop.StateMachine: several of its transitions are addressed by
// value (a WorkerName or a helper request id embedded in a broadcast
// event) rather than by the sender's object identity, and the generic
// transition table always changes state on a match — it has no way to
// express "this event matched my type, but wasn't really meant for me".
package workerconn

import (
	"net"
	"strconv"
	"strings"

	"distbuildctl/internal/cacheclient"
	"distbuildctl/internal/connmachine"
	"distbuildctl/internal/eventloop"
	"distbuildctl/internal/helperrouter"
	"distbuildctl/internal/idgen"
	"distbuildctl/internal/jsonconn"
	"distbuildctl/internal/queuer"
	"distbuildctl/internal/types"
)

const (
	stateIdle     = "idle"
	stateBuilding = "building"
	stateCaching  = "caching"
)

// WorkerBuildStepStarted is relayed by BuildController instances watching
// for their own CacheKey.
type WorkerBuildStepStarted struct {
	InitiatorIDs []string
	CacheKey     string
	WorkerName   string
}

// WorkerBuildOutput carries exec-output from a worker build.
type WorkerBuildOutput struct {
	InitiatorIDs []string
	CacheKey     string
	Stdout       string
	Stderr       string
}

// WorkerBuildCaching is emitted once the build exited 0 and the caching
// fetch has been requested.
type WorkerBuildCaching struct {
	InitiatorIDs []string
	CacheKey     string
}

// WorkerBuildFinished is emitted once the artifact has been pulled into
// the cache successfully.
type WorkerBuildFinished struct {
	InitiatorIDs []string
	CacheKey     string
	Stdout       string
	Stderr       string
}

// WorkerBuildFailed is emitted on a nonzero exec-response exit or a
// non-200 caching fetch.
type WorkerBuildFailed struct {
	InitiatorIDs []string
	CacheKey     string
	Reason       string
}

// CancelBuild is the exec-cancel extension point of spec §9. Nothing in
// this repository posts it: a BuildController's cancellation posts only
// queuer.WorkerCancelPending, so a worker build already in flight runs to
// completion. When posted, it is honoured only if this
// connection's current job matches CacheKey and it is still building; it
// is best-effort and does not itself change this machine's state, since
// the worker's own exec-response is still authoritative.
type CancelBuild struct {
	CacheKey string
}

// Machine is one WorkerConnection.
type Machine struct {
	loop *eventloop.Loop
	conn *jsonconn.Conn
	// owner is set when this connection was established by a
	// connmachine.Machine (an outbound worker address); its Reconnect is
	// triggered on EOF. Nil for workers that dialed in.
	owner *connmachine.Machine
	cache *cacheclient.Client

	workerName string
	ids        *idgen.Generator
	registry   *Registry

	state              string
	done               bool
	currentJob         *types.Job
	helperCallerID     string
	savedExecExit      int
	savedExecStdout    string
	savedExecStderr    string
}

// New wraps an accepted or dialed worker connection. cache builds the
// caching-fetch URL (spec §4.8); owner is non-nil only for outbound
// (ConnectionMachine-managed) connections.
func New(conn *jsonconn.Conn, cache *cacheclient.Client, owner *connmachine.Machine) *Machine {
	return &Machine{
		conn:       conn,
		owner:      owner,
		cache:      cache,
		workerName: conn.RemoteAddr,
		ids:        idgen.New("worker-helper-req"),
		state:      stateIdle,
	}
}

// Start registers m with loop, begins reading the socket, and asks the
// queuer for a job.
func (m *Machine) Start(loop *eventloop.Loop) {
	m.loop = loop
	loop.AddMachine(m)
	m.conn.StartReading(loop)
	loop.Post(nil, queuer.NeedJob{WorkerName: m.workerName})
}

// Done reports whether this connection has been torn down.
func (m *Machine) Done() bool { return m.done }

// HandleEvent dispatches on concrete event type.
func (m *Machine) HandleEvent(loop *eventloop.Loop, source eventloop.EventSource, event eventloop.Event) {
	switch ev := event.(type) {
	case queuer.HaveAJob:
		if m.state != stateIdle || ev.WorkerName != m.workerName {
			return
		}
		m.startBuild(loop, ev.Job)

	case jsonconn.NewMessage:
		if source != eventloop.EventSource(m.conn) {
			return
		}
		m.handleWorkerMessage(loop, ev.Msg)

	case jsonconn.Eof:
		if source != eventloop.EventSource(m.conn) {
			return
		}
		m.done = true
		m.registry.remove(m.workerName)
		if m.owner != nil {
			loop.Post(m.owner, connmachine.Reconnect{})
		}

	case helperrouter.HelperResult:
		if m.state != stateCaching || ev.CallerID != m.helperCallerID {
			return
		}
		m.finishCaching(loop, ev)

	case CancelBuild:
		if m.state == stateBuilding && m.currentJob != nil && m.currentJob.Artifact.CacheKey == ev.CacheKey {
			m.conn.Send(types.Message{Type: types.TypeExecCancel, ID: idForJob(m.currentJob)})
		}
	}
}

func idForJob(job *types.Job) string {
	return job.JobID
}

func (m *Machine) startBuild(loop *eventloop.Loop, job *types.Job) {
	m.currentJob = job
	graph, err := types.EncodeArtifactGraph(job.Artifact)
	if err != nil {
		loop.Post(nil, WorkerBuildFailed{
			InitiatorIDs: job.InitiatorIDs(),
			CacheKey:     job.Artifact.CacheKey,
			Reason:       "failed to serialize artifact graph: " + err.Error(),
		})
		m.returnToIdle(loop)
		return
	}
	m.conn.Send(types.Message{
		Type:          types.TypeExecRequest,
		ID:            idForJob(job),
		Argv:          []string{"morph", "worker-build", job.Artifact.Name},
		StdinContents: string(graph),
	})
	loop.Post(nil, WorkerBuildStepStarted{
		InitiatorIDs: job.InitiatorIDs(),
		CacheKey:     job.Artifact.CacheKey,
		WorkerName:   m.workerName,
	})
	m.state = stateBuilding
	m.registry.set(m.workerName, stateBuilding)
}

func (m *Machine) handleWorkerMessage(loop *eventloop.Loop, msg types.Message) {
	if m.currentJob == nil || msg.ID != idForJob(m.currentJob) {
		return
	}
	switch m.state {
	case stateBuilding:
		switch msg.Type {
		case types.TypeExecOutput:
			loop.Post(nil, WorkerBuildOutput{
				InitiatorIDs: m.currentJob.InitiatorIDs(),
				CacheKey:     m.currentJob.Artifact.CacheKey,
				Stdout:       msg.Stdout,
				Stderr:       msg.Stderr,
			})
		case types.TypeExecResponse:
			exit := 0
			if msg.Exit != nil {
				exit = *msg.Exit
			}
			if exit != 0 {
				loop.Post(nil, WorkerBuildFailed{
					InitiatorIDs: m.currentJob.InitiatorIDs(),
					CacheKey:     m.currentJob.Artifact.CacheKey,
					Reason:       "Building failed for " + m.currentJob.Artifact.Name,
				})
				m.returnToIdle(loop)
				return
			}
			m.savedExecExit = exit
			m.savedExecStdout = msg.Stdout
			m.savedExecStderr = msg.Stderr
			m.startCaching(loop)
		}
	}
}

func (m *Machine) startCaching(loop *eventloop.Loop) {
	artifact := m.currentJob.Artifact
	suffixes := cacheSuffixes(m.currentJob)
	host, portStr, _ := net.SplitHostPort(m.workerName)
	port, _ := strconv.Atoi(portStr)

	fetchURL := m.cache.FetchURL(host, port, artifact.CacheKey, suffixes)
	m.helperCallerID = m.ids.Next()
	loop.Post(nil, helperrouter.HelperRequest{
		CallerID: m.helperCallerID,
		Msg: types.Message{
			Type:   types.TypeHTTPRequest,
			Method: "GET",
			URL:    fetchURL,
		},
	})
	loop.Post(nil, WorkerBuildCaching{
		InitiatorIDs: m.currentJob.InitiatorIDs(),
		CacheKey:     artifact.CacheKey,
	})
	m.state = stateCaching
	m.registry.set(m.workerName, stateCaching)
}

func (m *Machine) finishCaching(loop *eventloop.Loop, result helperrouter.HelperResult) {
	ok := !result.Lost && result.Msg.Status == 200
	if ok {
		loop.Post(nil, WorkerBuildFinished{
			InitiatorIDs: m.currentJob.InitiatorIDs(),
			CacheKey:     m.currentJob.Artifact.CacheKey,
			Stdout:       m.savedExecStdout,
			Stderr:       m.savedExecStderr,
		})
	} else {
		loop.Post(nil, WorkerBuildFailed{
			InitiatorIDs: m.currentJob.InitiatorIDs(),
			CacheKey:     m.currentJob.Artifact.CacheKey,
			Reason:       "caching fetch failed for " + m.currentJob.Artifact.Name,
		})
	}
	m.returnToIdle(loop)
}

func (m *Machine) returnToIdle(loop *eventloop.Loop) {
	m.currentJob = nil
	m.helperCallerID = ""
	m.state = stateIdle
	m.registry.set(m.workerName, stateIdle)
	loop.Post(nil, queuer.NeedJob{WorkerName: m.workerName})
}

// cacheSuffixes builds the full list of cache suffixes a finished job must
// fetch. When the build controller coalesced several sibling artifacts
// sharing one cache_key into this single job (spec §4.6's chunk
// coalescing), job.Siblings carries all of them and every one contributes
// its suffixes — not just job.Artifact, the representative the worker
// invocation was actually keyed on — since the controller marks every
// sibling built off this one job and will hand out download URLs for each.
func cacheSuffixes(job *types.Job) []string {
	siblings := job.Siblings
	if len(siblings) == 0 {
		siblings = []*types.ArtifactReference{job.Artifact}
	}
	var suffixes []string
	for _, a := range siblings {
		suffixes = append(suffixes, artifactSuffixes(a)...)
	}
	return suffixes
}

// artifactSuffixes builds the suffixes produced by one artifact according
// to its Kind, per spec §4.8 and original_source's
// worker_build_scheduler.py.
func artifactSuffixes(a *types.ArtifactReference) []string {
	switch a.Kind {
	case types.KindStratum:
		return []string{a.Name + ".stratum", a.Name + ".stratum.meta"}
	case types.KindSystem:
		suffixes := []string{a.Name + ".system"}
		if strings.HasSuffix(a.Name, "-rootfs") {
			kernelName := strings.TrimSuffix(a.Name, "-rootfs") + "-kernel"
			suffixes = append(suffixes, kernelName+".system")
		}
		return suffixes
	default:
		return []string{a.Name + ".chunk"}
	}
}
