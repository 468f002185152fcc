package inmemory

import (
	"context"
	"fmt"
	"sync"

	"github.com/donmikel/chunkrelay/applications/server/domain"
	"github.com/donmikel/chunkrelay/applications/server/interfaces"
)

type inMemoryArtifactIndex struct {
	artifacts  map[string]domain.Artifact
	byTransfer map[string]string
	mutex      sync.RWMutex
}

func NewArtifactIndex() interfaces.ArtifactIndex {
	return &inMemoryArtifactIndex{
		artifacts:  map[string]domain.Artifact{},
		byTransfer: map[string]string{},
	}
}

func (i *inMemoryArtifactIndex) Put(ctx context.Context, artifact domain.Artifact) error {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if _, ok := i.artifacts[artifact.ID]; ok {
		return fmt.Errorf("artifact with id = %s already exists", artifact.ID)
	}

	i.artifacts[artifact.ID] = artifact
	if artifact.TransferID != "" {
		i.byTransfer[artifact.TransferID] = artifact.ID
	}

	return nil
}

func (i *inMemoryArtifactIndex) Get(ctx context.Context, id string) (domain.Artifact, error) {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	a, ok := i.artifacts[id]
	if !ok {
		return domain.Artifact{}, fmt.Errorf("artifact with id = %s: %w", id, domain.ErrNotFound)
	}

	return a, nil
}

func (i *inMemoryArtifactIndex) FindByTransfer(ctx context.Context, transferID string) (domain.Artifact, error) {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	id, ok := i.byTransfer[transferID]
	if !ok {
		return domain.Artifact{}, fmt.Errorf("artifact for transfer %s: %w", transferID, domain.ErrNotFound)
	}

	return i.artifacts[id], nil
}
