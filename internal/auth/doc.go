// Package auth provides bearer-token authentication for the cruse thread API.
//
// Tokens are HS256 JWTs signed with auth.jwt_secret. The "sub" claim names
// the caller and "iss" must be "cruse":
//
//	v, err := auth.NewJWTVerifier([]byte(secret))
//	token, err := v.Generate("alice", 30*24*time.Hour)
//
// BearerMiddleware guards handlers and stores the subject in the request
// context, where SubjectFromContext retrieves it.
package auth
