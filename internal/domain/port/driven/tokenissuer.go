package driven

import "github.com/ericfisherdev/ledgerkeep/internal/domain/model"

// TokenIssuer issues access tokens for authenticated credentials.
type TokenIssuer interface {
	Issue(cred model.Credential) (string, error)
}
