package interfaces

import (
	"context"

	"github.com/donmikel/chunkrelay/applications/server/domain"
)

type ArtifactIndex interface {
	Put(ctx context.Context, artifact domain.Artifact) error
	Get(ctx context.Context, id string) (domain.Artifact, error)
	// FindByTransfer returns the artifact a transfer produced, if any.
	FindByTransfer(ctx context.Context, transferID string) (domain.Artifact, error)
}
