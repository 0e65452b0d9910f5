// Package ratelimit implements the per-provider adaptive send rate and the
// provider circuit breaker on top of Redis.
//
// All shared state lives in short-TTL Redis keys mutated through Lua
// scripts, so any number of workers can call Allow and Record* concurrently
// without locks:
//
//   - ratewindow:provider:{name}:{bucket}        sends admitted in the bucket
//   - ratewindow:provider:{name}:{bucket}:ok|err outcome counts feeding the ratio
//   - circuitbreaker:provider:{name}             open flag, PX = breaker timeout
//   - circuitbreaker:provider:{name}:errors      fixed-window error counter
//   - circuitbreaker:provider:{name}:auth        consecutive auth failures
//
// The effective rate of a bucket is derived from the success ratio of the
// previous bucket (see ComputeRate).
package ratelimit
