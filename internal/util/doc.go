// Package util provides small helpers shared across tokenkeeper packages.
//
// Key utilities:
//   - SafeTruncate: prefix of a secret value for log lines
//   - NormalizeScopes / ScopeString: canonical scope sets used as cache keys
//   - IsLoopbackHostname: relaxes the HTTPS requirement for local identity providers
package util
