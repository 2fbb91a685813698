/*
Package log provides structured logging for the scheduler using zerolog.

It wraps zerolog to give every component a consistently shaped logger:
JSON or console output, a configurable minimum level, and small helpers for
attaching the identifiers that show up across this codebase's log lines
(component, worker_id, node_id, job_run_id).

# Usage

Initializing the logger, typically once in cmd/scheduler:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component loggers:

	tickLog := log.WithComponent("leadertick")
	tickLog.Info().Int("materialized", n).Msg("tick completed")

	runLog := log.WithJobRunID(run.ID)
	runLog.Error().Err(err).Msg("start_job rejected")

# Design

A single package-level zerolog.Logger is initialized once and read
concurrently from every goroutine; child loggers derived with .With() add
fields without mutating the parent. This mirrors the rest of the codebase's
preference for explicit, narrowly scoped dependencies over a DI container.

# Best practices

Use structured fields (.Str, .Int, .Err) rather than fmt.Sprintf into the
message string, never log secrets (cert keys, Redis/Postgres DSNs, job
arguments that may carry credentials), and prefer Info for production,
reserving Debug for per-tick/per-sample detail.
*/
package log
