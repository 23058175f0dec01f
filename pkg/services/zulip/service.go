package zulip

import (
	"context"

	"github.com/openfroyo/teamsync/pkg/engine"
	"github.com/openfroyo/teamsync/pkg/teamdata"
)

// NewService returns the factory of the Zulip pipeline.
func NewService(provider *teamdata.Provider, opts Options, deleteUnmanaged bool) engine.ServiceFactory {
	return engine.ServiceFactory{
		Name: ServiceName,
		Build: func(context.Context) (engine.Pipeline, error) {
			client := NewClient(opts)
			desired := func(ctx context.Context) (*Snapshot, []string, error) {
				return BuildDesired(ctx, provider, client)
			}
			return engine.NewPipeline[*Snapshot](ServiceName, desired, client, NewDiff(deleteUnmanaged), Layer), nil
		},
	}
}
