package validation

import (
	"testing"

	"distbuildctl/internal/types"
)

func TestValidateBuildRequest_Valid(t *testing.T) {
	msg := types.Message{ID: "build-1", Repo: "baserock/foo", Ref: "master", Morphology: "foo.morph"}
	if err := ValidateBuildRequest(msg); err != nil {
		t.Fatalf("expected valid build-request to pass, got %v", err)
	}
}

func TestValidateBuildRequest_MissingFields(t *testing.T) {
	cases := []struct {
		name string
		msg  types.Message
	}{
		{"missing id", types.Message{Repo: "r", Ref: "master", Morphology: "m"}},
		{"missing repo", types.Message{ID: "x", Ref: "master", Morphology: "m"}},
		{"missing ref", types.Message{ID: "x", Repo: "r", Morphology: "m"}},
		{"missing morphology", types.Message{ID: "x", Repo: "r", Ref: "master"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if err := ValidateBuildRequest(c.msg); err == nil {
				t.Fatalf("expected error for %s", c.name)
			}
		})
	}
}

func TestValidateArtifact_Valid(t *testing.T) {
	a := &types.ArtifactReference{
		Name: "foo", CacheKey: "key-1", Kind: types.KindChunk,
	}
	if err := ValidateArtifact(a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateArtifact_Nil(t *testing.T) {
	if err := ValidateArtifact(nil); err == nil {
		t.Fatal("expected error for nil artifact")
	}
}

func TestValidateArtifact_MissingCacheKey(t *testing.T) {
	a := &types.ArtifactReference{Name: "foo", Kind: types.KindChunk}
	if err := ValidateArtifact(a); err == nil {
		t.Fatal("expected error for missing cache_key")
	}
}

func TestValidateArtifact_UnknownKind(t *testing.T) {
	a := &types.ArtifactReference{Name: "foo", CacheKey: "key-1", Kind: "unknown"}
	if err := ValidateArtifact(a); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestValidateArtifact_RecursesIntoDependencies(t *testing.T) {
	bad := &types.ArtifactReference{Name: "dep", Kind: types.KindChunk} // missing cache_key
	root := &types.ArtifactReference{
		Name: "root", CacheKey: "key-root", Kind: types.KindStratum,
		Dependencies: []*types.ArtifactReference{bad},
	}
	if err := ValidateArtifact(root); err == nil {
		t.Fatal("expected error to propagate from an invalid dependency")
	}
}
