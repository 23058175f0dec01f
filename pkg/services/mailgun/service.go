package mailgun

import (
	"context"

	"github.com/openfroyo/teamsync/pkg/emailcrypt"
	"github.com/openfroyo/teamsync/pkg/engine"
	"github.com/openfroyo/teamsync/pkg/teamdata"
)

// NewService returns the factory of the Mailgun pipeline. An invalid
// encryption key fails the build.
func NewService(provider *teamdata.Provider, opts Options, encryptionKey string) engine.ServiceFactory {
	return engine.ServiceFactory{
		Name: ServiceName,
		Build: func(context.Context) (engine.Pipeline, error) {
			codec, err := emailcrypt.New(encryptionKey)
			if err != nil {
				return nil, engine.NewEncryptionError("invalid encryption key", err).WithService(ServiceName)
			}
			opts.Codec = codec

			desired := func(ctx context.Context) (*Snapshot, []string, error) {
				return BuildDesired(ctx, provider, codec)
			}
			return engine.NewPipeline[*Snapshot](ServiceName, desired, NewClient(opts), Diff, Layer), nil
		},
	}
}
