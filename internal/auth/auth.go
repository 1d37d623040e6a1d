// Package auth defines the narrow boundary between the plugin host and
// whatever identity system an operator deployment fronts the admin
// surface with (§6). The host never validates credentials itself — it
// only asks an OperatorAuthenticator whether a request is allowed, and
// wires the one reference JWT adapter below when nothing fancier is
// needed.
package auth

import (
	"net/http"
)

// Operator is the identity the admin surface cares about: who is acting,
// and whether they're allowed to perform mutating operations (reload,
// stop, manual trigger) or only read.
type Operator struct {
	Subject string
	Admin   bool
}

// OperatorAuthenticator resolves an inbound admin request to an Operator,
// or reports it unauthenticated. Deployments that already have an
// identity provider implement this directly; the jwt.go adapter below is
// the reference implementation for deployments that don't.
type OperatorAuthenticator interface {
	Authenticate(r *http.Request) (Operator, bool)
}
