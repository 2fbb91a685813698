/*
Package worker implements the WorkerRuntime: the RPC-facing side of a
scheduler node that accepts StartJob/CancelJob/Drain/Ping/GetStatus/
ReloadConfig calls from the leader and supervises at most one job
subprocess at a time.

A job is spawned with os/exec and supervised by a background goroutine
that samples the process tree's resource usage (via gopsutil), enforces
the run's timeout, and honors a cancellation request, all without
exec.CommandContext — the supervision loop owns the terminate/kill
sequence explicitly so it can distinguish TIMED_OUT from CANCELED and
still collect a final resource sample before the process tree is reaped.

Every state transition touching a JobRun is written through
storage.Store.MarkRunning/FinishRun, which apply the same ownership and
epoch-fencing checks LeaderTick and the Dispatcher rely on, so a worker
that has lost its lease (observed a newer leader_epoch) cannot silently
keep mutating a run it no longer owns.
*/
package worker
