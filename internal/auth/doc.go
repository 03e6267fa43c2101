// Package auth identifies the caller of the HTTP API.
//
// Login and token issuance live outside this service. Callers present an
// HS256 JWT whose "sub" claim is their user id:
//
//	Authorization: Bearer <token>
//
// The secret comes from auth.jwt_secret and must be at least 32 bytes.
//
// # Middleware
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	handler = auth.HTTPAuthMiddleware(verifier, store, logger)(handler)
//
// Handlers read the caller with UserFromContext. Passing a nil UserDirectory
// trusts any validly signed subject.
//
// # Tokens for local use
//
// JWTVerifier.Generate signs a token; `parley token --user alice` wraps it.
package auth
