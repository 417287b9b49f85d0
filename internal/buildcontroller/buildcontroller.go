// Package buildcontroller implements the BuildController state machine
// from spec §4.6: one instance per live build-request, driving it through
// graphing, cache querying, dispatch, and completion or failure.
//
// Grounded 1:1 on original_source/distbuild/build_controller.py. Like
// helperrouter and workerconn, it is hand-rolled as a switch over concrete
// events rather than eventloop.StateMachine, because most of its incoming
// events are broadcasts (from the process-wide HelperRouter, queuer, and
// every WorkerConnection) that it must filter by an id embedded in the
// event, not by the sender's identity.
package buildcontroller

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"distbuildctl/internal/cacheclient"
	"distbuildctl/internal/errors"
	"distbuildctl/internal/eventloop"
	"distbuildctl/internal/helperrouter"
	"distbuildctl/internal/metrics"
	"distbuildctl/internal/queuer"
	"distbuildctl/internal/types"
	"distbuildctl/internal/workerconn"
)

const (
	stateInit     = "init"
	stateGraphing = "graphing"
	stateBuilding = "building"
)

// Start kicks off graphing. Posted once, with the new Machine as source,
// immediately after construction.
type Start struct{}

// CancelRequest is posted (source = the owning Machine) by initiatorconn
// on an explicit cancel message or a disconnect with allow_detach=false.
type CancelRequest struct{}

// Sender delivers a message to the initiator that owns this build. Both
// jsonconn.Conn and test doubles satisfy it.
type Sender interface {
	Send(msg types.Message) error
}

// Machine is one BuildController.
type Machine struct {
	requestID      string
	ref            string
	originalRef    string
	componentNames []string
	send           Sender
	cache          *cacheclient.Client
	morphBinary    string

	// cacheQueryCallerID is the CallerID this controller uses for every
	// cache-query HelperRequest it issues, distinct from requestID (which
	// is reserved for the graphing HelperRequest) so the two HelperResult
	// streams are never confused in HandleEvent.
	cacheQueryCallerID string

	state string
	done  bool

	graphStdout strings.Builder
	graphStderr strings.Builder

	root         *types.ArtifactReference
	artifacts    []*types.ArtifactReference
	byCacheKey   map[string][]*types.ArtifactReference
	byBasename   map[string]*types.ArtifactReference
	dispatchedBy map[string]*types.ArtifactReference // cache_key -> representative artifact sent in WorkerBuildRequest
}

// New creates a BuildController for one build-request. requestID is the
// wire id of that build-request and is echoed on every message this
// controller sends back (spec §8, "id equals the id of the original
// build-request").
func New(requestID, ref, originalRef string, componentNames []string, send Sender, cache *cacheclient.Client) *Machine {
	return &Machine{
		requestID:          requestID,
		ref:                ref,
		originalRef:        originalRef,
		componentNames:     componentNames,
		send:               send,
		cache:              cache,
		morphBinary:        "morph",
		cacheQueryCallerID: requestID + "-cachequery",
		state:              stateInit,
	}
}

// Done reports whether this build has reached a terminal state.
func (m *Machine) Done() bool { return m.done }

// HandleEvent dispatches on concrete event type.
func (m *Machine) HandleEvent(loop *eventloop.Loop, source eventloop.EventSource, event eventloop.Event) {
	switch ev := event.(type) {
	case Start:
		if source != eventloop.EventSource(m) || m.state != stateInit {
			return
		}
		m.startGraphing(loop)

	case CancelRequest:
		if source != eventloop.EventSource(m) || m.done {
			return
		}
		log.Printf("buildcontroller %s: cancelled", m.requestID)
		loop.Post(nil, queuer.WorkerCancelPending{InitiatorID: m.requestID})
		metrics.ActiveBuilds.Dec()
		m.done = true

	case helperrouter.HelperOutput:
		if m.state != stateGraphing || ev.CallerID != m.requestID {
			return
		}
		m.graphStdout.WriteString(ev.Stdout)
		m.graphStderr.WriteString(ev.Stderr)

	case helperrouter.HelperResult:
		switch {
		case m.state == stateGraphing && ev.CallerID == m.requestID:
			m.finishGraphing(loop, ev)
		case m.state == stateBuilding && ev.CallerID == m.cacheQueryCallerID:
			m.applyCacheQuery(loop, ev)
		}

	case queuer.WorkerBuildWaiting:
		if m.state != stateBuilding || ev.InitiatorID != m.requestID {
			return
		}
		m.sendProgress("waiting for an available worker")

	case queuer.WorkerBuildStepAlreadyStarted:
		if m.state != stateBuilding || ev.InitiatorID != m.requestID {
			return
		}
		m.sendMessage(types.Message{
			Type:       types.TypeStepAlreadyStarted,
			StepName:   basenameToName(ev.Basename),
			WorkerName: ev.WorkerName,
		})

	case workerconn.WorkerBuildStepStarted:
		if !m.owns(ev.CacheKey) {
			return
		}
		name := m.representativeName(ev.CacheKey)
		m.sendMessage(types.Message{Type: types.TypeStepStarted, StepName: name, WorkerName: ev.WorkerName})

	case workerconn.WorkerBuildOutput:
		if !m.owns(ev.CacheKey) {
			return
		}
		name := m.representativeName(ev.CacheKey)
		m.sendMessage(types.Message{Type: types.TypeStepOutput, StepName: name, Stdout: ev.Stdout, Stderr: ev.Stderr})

	case workerconn.WorkerBuildCaching:
		if !m.owns(ev.CacheKey) {
			return
		}
		m.sendProgress("caching " + m.representativeName(ev.CacheKey))

	case workerconn.WorkerBuildFinished:
		if !m.owns(ev.CacheKey) {
			return
		}
		m.handleWorkerFinished(loop, ev)

	case workerconn.WorkerBuildFailed:
		if !m.owns(ev.CacheKey) {
			return
		}
		m.handleWorkerFailed(loop, ev)
	}
}

func (m *Machine) owns(cacheKey string) bool {
	if m.state != stateBuilding {
		return false
	}
	_, ok := m.byCacheKey[cacheKey]
	return ok
}

func (m *Machine) representativeName(cacheKey string) string {
	if a, ok := m.dispatchedBy[cacheKey]; ok {
		return a.Name
	}
	if sibs := m.byCacheKey[cacheKey]; len(sibs) > 0 {
		return sibs[0].Name
	}
	return cacheKey
}

func (m *Machine) startGraphing(loop *eventloop.Loop) {
	m.state = stateGraphing
	metrics.ActiveBuilds.Inc()
	loop.Post(nil, helperrouter.HelperRequest{
		CallerID: m.requestID,
		Msg: types.Message{
			Type: types.TypeExecRequest,
			Argv: []string{m.morphBinary, "calculate-build-graph", m.ref},
		},
	})
}

func (m *Machine) finishGraphing(loop *eventloop.Loop, ev helperrouter.HelperResult) {
	if ev.Lost {
		m.fail(loop, "graphing helper connection was lost")
		return
	}
	exit := 0
	if ev.Msg.Exit != nil {
		exit = *ev.Msg.Exit
	}
	m.graphStdout.WriteString(ev.Msg.Stdout)
	m.graphStderr.WriteString(ev.Msg.Stderr)
	stderr := m.graphStderr.String()
	if exit != 0 || stderr != "" {
		reason := stderr
		if reason == "" {
			reason = "calculate-build-graph exited with status"
		}
		m.fail(loop, reason)
		return
	}

	root, err := types.DecodeArtifactGraph([]byte(m.graphStdout.String()))
	if err != nil {
		m.fail(loop, "failed to parse build graph: "+err.Error())
		return
	}
	m.root = root
	m.artifacts = types.Flatten(root)
	m.byCacheKey = make(map[string][]*types.ArtifactReference)
	m.byBasename = make(map[string]*types.ArtifactReference)
	m.dispatchedBy = make(map[string]*types.ArtifactReference)
	for _, a := range m.artifacts {
		m.byCacheKey[a.CacheKey] = append(m.byCacheKey[a.CacheKey], a)
		m.byBasename[a.Basename()] = a
	}

	m.sendMessage(types.Message{Type: types.TypeBuildSteps, Steps: toStepSpecs(m.artifacts)})

	m.state = stateBuilding
	m.triggerCacheQuery(loop, m.allBasenames())
}

func toStepSpecs(artifacts []*types.ArtifactReference) []types.StepSpec {
	steps := make([]types.StepSpec, 0, len(artifacts))
	for _, a := range artifacts {
		deps := make([]string, 0, len(a.Dependencies))
		for _, d := range a.Dependencies {
			deps = append(deps, d.Name)
		}
		steps = append(steps, types.StepSpec{Name: a.Name, BuildDepends: deps})
	}
	return steps
}

func (m *Machine) allBasenames() []string {
	out := make([]string, 0, len(m.artifacts))
	for _, a := range m.artifacts {
		out = append(out, a.Basename())
	}
	return out
}

func (m *Machine) unbuiltBasenames() []string {
	var out []string
	for _, a := range m.artifacts {
		if a.State != types.StateBuilt {
			out = append(out, a.Basename())
		}
	}
	return out
}

// triggerCacheQuery asks the cache server which of basenames it already
// holds. Like workerconn's caching fetch, the request is issued by a
// helper via helperrouter.HelperRequest/HelperResult rather than directly
// by the controller (spec §1/§4.5: all exec and HTTP work on the
// controller's behalf goes through the helper pool).
func (m *Machine) triggerCacheQuery(loop *eventloop.Loop, basenames []string) {
	if len(basenames) == 0 {
		m.checkCompletion(loop)
		return
	}
	body, err := json.Marshal(basenames)
	if err != nil {
		m.fail(loop, "failed to encode cache query: "+err.Error())
		return
	}
	loop.Post(nil, helperrouter.HelperRequest{
		CallerID: m.cacheQueryCallerID,
		Msg: types.Message{
			Type:    types.TypeHTTPRequest,
			Method:  "POST",
			URL:     m.cache.QueryArtifactsURL(),
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    string(body),
		},
	})
}

func (m *Machine) applyCacheQuery(loop *eventloop.Loop, ev helperrouter.HelperResult) {
	if ev.Lost {
		m.fail(loop, "cache query helper connection was lost")
		return
	}
	if ev.Msg.Status != http.StatusOK {
		m.fail(loop, fmt.Sprintf("cache query returned status %d", ev.Msg.Status))
		return
	}
	var results map[string]bool
	if err := json.Unmarshal([]byte(ev.Msg.Body), &results); err != nil {
		m.fail(loop, "malformed cache query response: "+err.Error())
		return
	}
	for basename, built := range results {
		artifact, ok := m.byBasename[basename]
		if !ok {
			m.fail(loop, "cache reported unknown artifact "+basename)
			return
		}
		if built {
			artifact.State = types.StateBuilt
		}
	}
	m.dispatchReady(loop)
	m.checkCompletion(loop)
}

// dispatchReady emits one WorkerBuildRequest per ready-to-build artifact,
// coalescing sibling chunks sharing a cache_key (spec §4.6, "Chunk
// coalescing").
func (m *Machine) dispatchReady(loop *eventloop.Loop) {
	handledCacheKey := make(map[string]bool)
	for _, a := range m.artifacts {
		if !a.ReadyToBuild() {
			continue
		}
		if handledCacheKey[a.CacheKey] {
			continue
		}
		handledCacheKey[a.CacheKey] = true

		for _, sib := range m.byCacheKey[a.CacheKey] {
			if sib.State == types.StateUnbuilt {
				sib.State = types.StateBuilding
			}
		}
		m.dispatchedBy[a.CacheKey] = a
		loop.Post(nil, queuer.WorkerBuildRequest{
			Artifact:    a,
			Siblings:    m.byCacheKey[a.CacheKey],
			InitiatorID: m.requestID,
		})
	}
}

func (m *Machine) handleWorkerFinished(loop *eventloop.Loop, ev workerconn.WorkerBuildFinished) {
	for _, sib := range m.byCacheKey[ev.CacheKey] {
		sib.State = types.StateBuilt
	}
	m.sendMessage(types.Message{Type: types.TypeStepFinished, StepName: m.representativeName(ev.CacheKey)})
	m.triggerCacheQuery(loop, m.unbuiltBasenames())
}

func (m *Machine) handleWorkerFailed(loop *eventloop.Loop, ev workerconn.WorkerBuildFailed) {
	name := m.representativeName(ev.CacheKey)
	m.sendMessage(types.Message{Type: types.TypeStepFailed, StepName: name})
	m.fail(loop, "Building failed for "+name)
}

// checkCompletion sends build-finished once every requested component
// (the root, if componentNames is empty) is built.
func (m *Machine) checkCompletion(loop *eventloop.Loop) {
	targets := m.targetArtifacts()
	for _, t := range targets {
		if t.State != types.StateBuilt {
			return
		}
	}
	urls := make([]string, 0, len(targets))
	for _, t := range targets {
		urls = append(urls, m.cache.ArtifactDownloadURL(t.Basename()))
	}
	m.sendMessage(types.Message{Type: types.TypeBuildFinished, URLs: urls})
	metrics.BuildsCompleted.WithLabelValues("finished").Inc()
	metrics.ActiveBuilds.Dec()
	m.done = true
}

func (m *Machine) targetArtifacts() []*types.ArtifactReference {
	if len(m.componentNames) == 0 {
		return []*types.ArtifactReference{m.root}
	}
	var out []*types.ArtifactReference
	for _, name := range m.componentNames {
		for _, a := range m.artifacts {
			if a.Name == name {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

func (m *Machine) fail(loop *eventloop.Loop, reason string) {
	apiErr := errors.BuildError(errors.ErrCodeBuildFailed, m.requestID, reason)
	log.Print(apiErr.Error())
	loop.Post(nil, queuer.WorkerCancelPending{InitiatorID: m.requestID})
	m.sendMessage(types.Message{Type: types.TypeBuildFailed, Reason: reason})
	metrics.BuildsCompleted.WithLabelValues("failed").Inc()
	metrics.ActiveBuilds.Dec()
	m.done = true
}

func (m *Machine) sendProgress(message string) {
	m.sendMessage(types.Message{Type: types.TypeBuildProgress, ProgressMessage: message})
}

func (m *Machine) sendMessage(msg types.Message) {
	msg.ID = m.requestID
	if err := m.send.Send(msg); err != nil {
		log.Printf("buildcontroller %s: send failed: %v", m.requestID, err)
	}
}

// basenameToName extracts the artifact name component of a basename
// (cache_key.kind.name); used where the queuer only has a basename to
// hand back.
func basenameToName(basename string) string {
	parts := strings.SplitN(basename, ".", 3)
	if len(parts) == 3 {
		return parts[2]
	}
	return basename
}
