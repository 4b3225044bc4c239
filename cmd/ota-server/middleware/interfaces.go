package middleware

import "context"

// TokenValidator checks a bearer token and returns its subject
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}
