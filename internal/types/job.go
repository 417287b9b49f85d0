package types

// Job is created by the worker build queuer whenever a build is needed for
// an artifact. Jobs are keyed by Artifact.Basename().
type Job struct {
	JobID    string
	Artifact *ArtifactReference

	// Siblings holds every artifact sharing Artifact's cache_key,
	// including Artifact itself, that the build controller coalesced
	// into this one job (spec §4.6's chunk coalescing). A worker
	// invocation still builds only Artifact, but must cache-fetch every
	// sibling's suffixes once it succeeds, since they were all marked
	// built off this one job. The build controller always sets it, to
	// just Artifact when nothing was coalesced; when nil, the worker
	// connection falls back to Artifact alone.
	Siblings []*ArtifactReference

	Initiators     map[string]bool
	AssignedWorker string
	IsBuilding     bool
}

// NewJob creates a job for artifact, wanted initially by initiatorID.
// siblings is every artifact coalesced into this job alongside artifact
// (may be nil).
func NewJob(jobID string, artifact *ArtifactReference, siblings []*ArtifactReference, initiatorID string) *Job {
	return &Job{
		JobID:      jobID,
		Artifact:   artifact,
		Siblings:   siblings,
		Initiators: map[string]bool{initiatorID: true},
	}
}

// AddInitiator records another initiator wanting this job's artifact.
func (j *Job) AddInitiator(initiatorID string) {
	j.Initiators[initiatorID] = true
}

// InitiatorIDs returns the set of initiators wanting this job, order
// unspecified.
func (j *Job) InitiatorIDs() []string {
	ids := make([]string, 0, len(j.Initiators))
	for id := range j.Initiators {
		ids = append(ids, id)
	}
	return ids
}
