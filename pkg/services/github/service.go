package github

import (
	"context"

	"github.com/openfroyo/teamsync/pkg/engine"
	"github.com/openfroyo/teamsync/pkg/teamdata"
)

// NewService returns the factory of the GitHub pipeline. The desired
// state is computed first because it decides which organizations and
// repositories the client reads.
func NewService(provider *teamdata.Provider, opts Options, ignored func(org string) bool) engine.ServiceFactory {
	return engine.ServiceFactory{
		Name: ServiceName,
		Build: func(ctx context.Context) (engine.Pipeline, error) {
			desired, warnings, err := BuildDesired(ctx, provider, ignored)
			if err != nil {
				return nil, err
			}
			client, err := NewClient(opts, ScopeOf(desired))
			if err != nil {
				return nil, err
			}
			build := func(context.Context) (*Snapshot, []string, error) {
				return desired, warnings, nil
			}
			return engine.NewPipeline[*Snapshot](ServiceName, build, client, Diff, Layer), nil
		},
	}
}
