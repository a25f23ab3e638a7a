// Package identity verifies tenant bearer tokens.
//
// Tokens are issued by the external auth service and signed with a shared
// HS256 secret. The "sub" claim is the tenant (owner) identifier.
//
//   - TokenVerifier: issues and verifies tenant JWTs
//   - RequireTenant: Gin middleware enforcing a valid Bearer token
//   - RequireEdgeKey: Gin middleware enforcing the shared edge key
//   - TenantAuth, Owner: tenant resolution with a development fallback
package identity
