// ABOUTME: Request context helpers for the authenticated operator identity
// ABOUTME: Provides WithOperator/OperatorFrom for propagation through handlers

package auth

import (
	"context"
)

// operatorKey is the context key for the authenticated operator ID.
type operatorKey struct{}

// WithOperator returns a context carrying the authenticated operator ID.
func WithOperator(ctx context.Context, operatorID string) context.Context {
	return context.WithValue(ctx, operatorKey{}, operatorID)
}

// OperatorFrom returns the operator ID attached by the token middleware.
// ok is false on requests that never passed through it.
func OperatorFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(operatorKey{}).(string)
	return id, ok
}
