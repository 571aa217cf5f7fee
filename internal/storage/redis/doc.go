// Package redis builds the shared go-redis client used by the session store
// and the Redis-backed message queue.
package redis
