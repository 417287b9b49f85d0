// Package validation checks inbound wire messages before they are acted
// on, grounded on the teacher's validation/validation.go field-presence
// style.
package validation

import (
	"distbuildctl/internal/errors"
	"distbuildctl/internal/types"
)

// ValidateBuildRequest checks the required fields of a build-request
// message, per spec §6's schema table.
func ValidateBuildRequest(msg types.Message) error {
	if msg.ID == "" {
		return errors.New(errors.ErrCodeBadRequest, "build-request missing id")
	}
	if msg.Repo == "" {
		return errors.New(errors.ErrCodeBadRequest, "build-request missing repo").WithRequest(msg.ID)
	}
	if msg.Ref == "" {
		return errors.New(errors.ErrCodeBadRequest, "build-request missing ref").WithRequest(msg.ID)
	}
	if msg.Morphology == "" {
		return errors.New(errors.ErrCodeBadRequest, "build-request missing morphology").WithRequest(msg.ID)
	}
	return nil
}

// ValidateArtifact checks the invariants spec §3 requires of a decoded
// ArtifactReference: every node must have a name, a cache key, and a
// recognised kind.
func ValidateArtifact(a *types.ArtifactReference) error {
	if a == nil {
		return errors.New(errors.ErrCodeBadRequest, "nil artifact reference")
	}
	if a.Name == "" {
		return errors.New(errors.ErrCodeBadRequest, "artifact with cache_key "+a.CacheKey+" missing name")
	}
	if a.CacheKey == "" {
		return errors.New(errors.ErrCodeBadRequest, "artifact "+a.Name+" missing cache_key")
	}
	switch a.Kind {
	case types.KindChunk, types.KindStratum, types.KindSystem:
	default:
		return errors.New(errors.ErrCodeBadRequest, "artifact "+a.Name+" has unknown kind "+string(a.Kind))
	}
	for _, dep := range a.Dependencies {
		if err := ValidateArtifact(dep); err != nil {
			return err
		}
	}
	return nil
}
