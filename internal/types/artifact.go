package types

import "encoding/json"

// ArtifactState is the mutable state a controller attaches to an
// ArtifactReference while driving a build. It is never part of the wire
// form.
type ArtifactState string

const (
	StateUnbuilt  ArtifactState = "unbuilt"
	StateBuilding ArtifactState = "building"
	StateBuilt    ArtifactState = "built"
)

// ArtifactKind is the kind of build unit an ArtifactReference represents.
type ArtifactKind string

const (
	KindChunk   ArtifactKind = "chunk"
	KindStratum ArtifactKind = "stratum"
	KindSystem  ArtifactKind = "system"
)

// ArtifactReference is a node in the build graph. Multiple paths to the
// same node share the same *ArtifactReference value — identity is keyed by
// CacheKey together with Name, and is preserved across deserialisation by
// the arena in DecodeArtifactGraph.
type ArtifactReference struct {
	Name         string               `json:"name"`
	CacheKey     string               `json:"cache_key"`
	Kind         ArtifactKind         `json:"kind"`
	Arch         string               `json:"arch"`
	SourceName   string               `json:"source_name"`
	Dependencies []*ArtifactReference `json:"dependencies"`

	State ArtifactState `json:"-"`
}

// Basename is the cache-server filename for this artifact:
// cache_key.kind.name.
func (a *ArtifactReference) Basename() string {
	return a.CacheKey + "." + string(a.Kind) + "." + a.Name
}

// ReadyToBuild reports whether a is unbuilt and every dependency is built.
func (a *ArtifactReference) ReadyToBuild() bool {
	if a.State != StateUnbuilt {
		return false
	}
	for _, dep := range a.Dependencies {
		if dep.State != StateBuilt {
			return false
		}
	}
	return true
}

// wireArtifact is the on-the-wire shape: dependencies are nested objects,
// potentially repeating the same cache_key multiple times across the
// document (the DAG is flattened to a tree by the graphing helper's JSON
// encoder). DecodeArtifactGraph collapses repeats back to shared pointers.
type wireArtifact struct {
	Name         string         `json:"name"`
	CacheKey     string         `json:"cache_key"`
	Kind         string         `json:"kind"`
	Arch         string         `json:"arch"`
	SourceName   string         `json:"source_name"`
	Dependencies []wireArtifact `json:"dependencies"`
}

// DecodeArtifactGraph parses the serialised build graph produced by the
// `morph calculate-build-graph` helper. It returns the root artifact; nodes
// sharing both cache_key and name become the same *ArtifactReference (see
// arenaKey), per spec §3's
// identity invariant and the arena-plus-index strategy recorded in spec §9.
func DecodeArtifactGraph(data []byte) (*ArtifactReference, error) {
	var root wireArtifact
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	arena := make(map[string]*ArtifactReference)
	return internArtifact(root, arena), nil
}

// arenaKey identifies a node for the purpose of identity-sharing across
// multiple paths in the DAG. A single build source can produce several
// sibling artifacts under the same cache_key but different names (spec
// §4.8's "source.artifacts"); those are distinct nodes. Two references to
// the *same* name under the same cache_key are the one node spec §3 says
// must share identity.
func arenaKey(cacheKey, name string) string {
	return cacheKey + "\x00" + name
}

func internArtifact(w wireArtifact, arena map[string]*ArtifactReference) *ArtifactReference {
	key := arenaKey(w.CacheKey, w.Name)
	if existing, ok := arena[key]; ok {
		return existing
	}
	ref := &ArtifactReference{
		Name:       w.Name,
		CacheKey:   w.CacheKey,
		Kind:       ArtifactKind(w.Kind),
		Arch:       w.Arch,
		SourceName: w.SourceName,
		State:      StateUnbuilt,
	}
	arena[key] = ref
	for _, dep := range w.Dependencies {
		ref.Dependencies = append(ref.Dependencies, internArtifact(dep, arena))
	}
	return ref
}

// EncodeArtifactGraph serialises an artifact graph back to the wire shape.
// Used for round-trip tests and to build the stdin_contents a worker
// exec-request carries; it must not be interpreted by the controller
// beyond this encode/decode round trip, per spec §6.
func EncodeArtifactGraph(root *ArtifactReference) ([]byte, error) {
	return json.Marshal(toWireArtifact(root, make(map[string]bool)))
}

func toWireArtifact(a *ArtifactReference, seen map[string]bool) wireArtifact {
	w := wireArtifact{
		Name:       a.Name,
		CacheKey:   a.CacheKey,
		Kind:       string(a.Kind),
		Arch:       a.Arch,
		SourceName: a.SourceName,
	}
	key := arenaKey(a.CacheKey, a.Name)
	if seen[key] {
		return w
	}
	seen[key] = true
	for _, dep := range a.Dependencies {
		w.Dependencies = append(w.Dependencies, toWireArtifact(dep, seen))
	}
	return w
}

// Flatten returns every distinct artifact reachable from root, each once,
// in a stable (first-seen, depth-first) order.
func Flatten(root *ArtifactReference) []*ArtifactReference {
	var out []*ArtifactReference
	seen := make(map[string]bool)
	var visit func(a *ArtifactReference)
	visit = func(a *ArtifactReference) {
		key := arenaKey(a.CacheKey, a.Name)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, a)
		for _, dep := range a.Dependencies {
			visit(dep)
		}
	}
	visit(root)
	return out
}
