// Package auth authenticates operator requests for switchboard.
//
// Guests never authenticate: the chat and voice endpoints identify them by
// session identity alone. Operators (dashboard users, supervisors, the
// admin CLI) present HS256-signed JWTs minted by the token command:
//
//	verifier := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("operator-maria", 12*time.Hour)
//
// RequireToken wraps operator endpoints, validating the bearer token and
// attaching the operator ID to the request context:
//
//	mux.Handle("GET /api/admin/stats", auth.RequireToken(verifier)(statsHandler))
//
// Handlers recover the identity with OperatorFrom for audit fields such as
// who resolved or escalated a conversation.
//
// EventSource clients cannot set headers, so stream endpoints also accept
// the token as an access_token query parameter.
package auth
