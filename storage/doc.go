// Package storage defines the records and store interfaces of the token
// lifecycle manager:
//   - TokenCache: cached delegated tokens keyed by (account, scope set)
//   - FlowStore: pending authorization flows keyed by state
//   - SessionStore: server-side session records keyed by session ID
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process stores with per-key synchronization
//   - storage/redis: Redis-backed FlowStore and SessionStore for deployments
//     with more than one replica behind a load balancer
package storage
