package auth

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing/transport"
	transportclient "github.com/go-git/go-git/v5/plumbing/transport/client"
	transporthttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// VerifyAccess checks that the credentials can read the remote and
// that the branch exists, via a single advertised-refs exchange and
// no clone. Used by the verify command and at startup.
func VerifyAccess(ctx context.Context, remote, branch string, source TokenSource) error {
	ep, err := transport.NewEndpoint(remote)
	if err != nil {
		return fmt.Errorf("invalid remote endpoint: %w", err)
	}
	cli, err := transportclient.NewClient(ep)
	if err != nil {
		return fmt.Errorf("unsupported remote transport: %w", err)
	}

	var authMethod transport.AuthMethod
	if source != nil {
		token, err := source.Token(ctx)
		if err != nil {
			return err
		}
		authMethod = &transporthttp.BasicAuth{Username: "x-access-token", Password: token}
	}

	sess, err := cli.NewUploadPackSession(ep, authMethod)
	if err != nil {
		return fmt.Errorf("failed to open session: %s", Redact(err.Error()))
	}
	defer sess.Close()

	refs, err := sess.AdvertisedReferencesContext(ctx)
	if err != nil {
		return fmt.Errorf("remote not reachable: %s", Redact(err.Error()))
	}
	want := "refs/heads/" + branch
	for name := range refs.References {
		if name == want {
			return nil
		}
	}
	return fmt.Errorf("branch %q not found on remote", branch)
}
