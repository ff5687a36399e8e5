// Package redis implements the store using go-redis for high-throughput
// deployments that already run Redis. Entries are Redis Hashes; the queued
// backlog is a Sorted Set scored so that range reads come back in dispatch
// order; the processing set and per-task live locks keep the one-live-entry
// rule without a schema.
//
// The caller owns the client lifecycle. Pass it through the constructor:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
