package agreement

import (
	"context"

	"go.dedis.ch/escrow/store"
)

// LocalGateway hands creation requests straight to a publisher engine in the
// same process. Downloads are delegated to Fetch when set.
type LocalGateway struct {
	Publisher *Engine
	Fetch     func(ctx context.Context, a store.Agreement) error
}

var _ Gateway = (*LocalGateway)(nil)

// Initialize implements Gateway.
func (g *LocalGateway) Initialize(ctx context.Context, req Request) (bool, error) {
	if err := g.Publisher.Execute(ctx, req); err != nil {
		return false, err
	}
	return true, nil
}

// Download implements Gateway.
func (g *LocalGateway) Download(ctx context.Context, a store.Agreement) error {
	if g.Fetch == nil {
		return nil
	}
	return g.Fetch(ctx, a)
}
