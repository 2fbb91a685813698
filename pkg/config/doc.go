// Package config splits the scheduler's configuration into two layers.
//
// Bootstrap settings (Postgres DSN, Redis URL, worker/node id, RPC bind
// address, TLS material, loop intervals) are needed before the store is
// reachable at all, so they load once at process start from a YAML file,
// environment variables, and command-line flags, in that increasing
// order of precedence.
//
// Everything else — the knobs LeaderTick, the Dispatcher, and the
// Coordinator use — lives in the scheduler_settings table and is read into
// a Cache at startup and again on each ReloadConfig. Those three components
// copy their values out of the Cache once, when cmd/scheduler constructs
// them, so a reload does not change the values they run with until the
// process restarts.
package config
