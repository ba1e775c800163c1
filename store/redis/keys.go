package redis

// Redis key naming conventions for cadence data.
// All keys are prefixed with "cadence:" to avoid collisions.

const keyPrefix = "cadence:"

// ── Job keys ──

// jobKey returns the key for a job entity: cadence:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// dueKey is the Sorted Set of delayed/queued jobs scored by ScheduledFor
// (unix milliseconds). Equal scores order lexically by job ID, which is
// the FIFO tie-break.
const dueKey = keyPrefix + "due"

// dedupeKey is the Hash mapping scheduler idempotency keys to job IDs.
const dedupeKey = keyPrefix + "dedupe"

// campaignJobsKey returns the Set of job IDs belonging to a campaign:
// cadence:campaign_jobs:{id}
func campaignJobsKey(campaignID string) string {
	return keyPrefix + "campaign_jobs:" + campaignID
}

// schedIndexKey returns the Sorted Set of an owner's jobs of one kind
// scored by ScheduledFor, used for spacing lookups:
// cadence:sched:{owner}|{kind}
func schedIndexKey(ownerKey, kind string) string {
	return keyPrefix + "sched:" + ownerKey + "|" + kind
}

// ── Rate-limit keys ──

// counterKey returns the key for a window counter: cadence:counter:{key}
func counterKey(key string) string { return keyPrefix + "counter:" + key }

// counterKeysKey is the Set tracking live counter keys for snapshots.
const counterKeysKey = keyPrefix + "counter_keys"

// ── Campaign keys ──

// campaignKey returns the key for a campaign entity: cadence:campaign:{id}
func campaignKey(id string) string { return keyPrefix + "campaign:" + id }

// campaignIDsKey is the Set tracking all campaign IDs for enumeration.
const campaignIDsKey = keyPrefix + "campaign_ids"

// ── Webhook keys ──

// attemptsKey returns the List of delivery attempts for a job:
// cadence:attempts:{jobID}
func attemptsKey(jobID string) string { return keyPrefix + "attempts:" + jobID }
