/*
Package reconciler drives the CONFIRMING -> ORPHANED transition for job
runs whose owning worker can no longer vouch for them.

On the leader, it round-robins over the active worker roster in small
batches, asking each one GetStatus. A RUNNING run assigned to that worker
enters CONFIRMING if the worker reports no current job (or a different
one); a run already in CONFIRMING whose deadline has passed is moved to
ORPHANED, which re-enters the normal assignment pipeline via LeaderTick's
Phase E.

This overlaps in effect, but not in signal, with LeaderTick's own Phase B
(ConfirmOrOrphanRunning): Phase B reacts to a worker falling out of the
heartbeat-derived active set, while the reconciler reacts to what the
worker itself says when asked directly. A worker can keep heartbeating
while reporting no current job, or a different one, which is exactly the
gap Phase B alone cannot close. A probe that fails (dial error, RPC
timeout, TLS handshake failure) leaves that worker's runs unchanged for
the pass; the failure is only logged and counted.
*/
package reconciler
