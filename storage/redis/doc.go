// Package redis provides Redis-backed pending flow and session stores, so
// sign-ins and sessions survive restarts and work behind a load balancer.
// The token cache itself stays in-process.
//
// Records are stored as JSON, optionally sealed with a security.Encryptor.
// Each sealed value is bound to its Redis key, so a ciphertext copied under a
// different key fails to decrypt.
//
// Key layout, all under the configured prefix (default "tokenkeeper:"):
//
//	flow:{state}    pending authorization flow
//	session:{id}    session record
//
// Pending flows expire in Redis after their TTL plus a retention period, so a
// late callback can still be told that its state expired. Sessions expire
// with their ExpiresAt; sessions without expiry are kept until logout.
//
// Usage:
//
//	store, err := redis.New(redis.Config{
//		Address:   "localhost:6379",
//		KeyPrefix: "tokenkeeper:",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
package redis
