package mailgun

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/teamsync/pkg/emailcrypt"
	"github.com/openfroyo/teamsync/pkg/engine"
	"github.com/openfroyo/teamsync/pkg/teamdata"
)

// BuildDesired derives the desired lists from the team data set,
// decrypting encrypted member addresses and secrets. A value that cannot
// be decrypted fails the whole build with an encryption error.
func BuildDesired(ctx context.Context, p *teamdata.Provider, codec *emailcrypt.Codec) (*Snapshot, []string, error) {
	lists, err := p.MailingLists(ctx)
	if err != nil {
		return nil, nil, err
	}

	desired := NewSnapshot()
	var warnings []string
	for _, l := range lists {
		address := strings.ToLower(strings.TrimSpace(l.Address))
		list := List{Address: address, Members: engine.NewSet()}

		for _, m := range l.Members {
			plain, err := codec.OpenAddress(m)
			if err != nil {
				return nil, nil, engine.NewEncryptionError(fmt.Sprintf("cannot decrypt a member of %s", address), err).
					WithService(ServiceName).
					WithResource(address)
			}
			list.Members.Add(strings.ToLower(plain))
		}

		if len(l.Secrets) > 0 {
			list.Secrets = make(map[string]string, len(l.Secrets))
			for name, token := range l.Secrets {
				plain, err := codec.Open(token)
				if err != nil {
					return nil, nil, engine.NewEncryptionError(fmt.Sprintf("cannot decrypt secret %q of %s", name, address), err).
						WithService(ServiceName).
						WithResource(address)
				}
				list.Secrets[name] = plain
			}
		}

		if _, dup := desired.Lists[address]; dup {
			warnings = append(warnings, fmt.Sprintf("list %s is defined more than once, last definition wins", address))
		}
		desired.Lists[address] = list
	}
	return desired, warnings, nil
}
