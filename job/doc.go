// Package job defines the job entity, its state machine, the closed set of
// action kinds, typed payloads, the store interface, and the executor
// registry.
//
// # Job Entity
//
// A [Job] represents a single scheduled social-media action. It embeds
// [cadence.Entity] for timestamps, carries a kind-specific JSON payload,
// and progresses through a state machine:
//
//	delayed → queued → active → completed
//	delayed → queued → active → delayed → ... (transient failure, backoff)
//	delayed → queued → active → failed
//	any non-terminal state → cancelled
//
// Fields of note:
//   - OwnerKey: the rate-limit subject (external account) whose quota the
//     job consumes
//   - CampaignID: optional grouping key used for bulk cancel
//   - DedupeKey: scheduler idempotency key; at most one non-terminal job
//     per key exists at a time
//   - ScheduledFor: earliest time the job may be dispatched
//   - Attempts / MaxAttempts: retry budget
//   - Timeout: per-job execution deadline (zero = engine default)
//
// # Executors
//
// An [Executor] performs the external call for one kind. Executors classify
// their failures by wrapping errors with [Permanent] or [Transient];
// unclassified errors and timeouts are treated as transient:
//
//	reg.Register(job.KindSendMessage, job.ExecutorFunc(
//	    func(ctx context.Context, j *job.Job) error {
//	        var p job.SendMessagePayload
//	        if err := j.DecodePayload(&p); err != nil {
//	            return job.Permanent(err)
//	        }
//	        return client.SendDM(ctx, j.OwnerKey, p.RecipientID, p.Text)
//	    },
//	))
//
// [Registry.Validate] checks at startup that every kind the engine will
// dispatch has a registered executor.
package job
