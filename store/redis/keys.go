package redis

// Redis key naming conventions for sluice data.
// All keys are prefixed with "sluice:" to avoid collisions.

const keyPrefix = "sluice:"

// ── Entry keys ──

// entryKey returns the Hash key for an entry: sluice:entry:{id}
func entryKey(id string) string { return keyPrefix + "entry:" + id }

// taskKey returns the live-entry lock for a task: sluice:task:{taskID}.
// The value is the live entry's ID; the key exists only while the task has
// a queued or processing entry.
func taskKey(taskID string) string { return keyPrefix + "task:" + taskID }

// entryIDsKey is the Set tracking all entry IDs for enumeration.
const entryIDsKey = keyPrefix + "entry_ids"

// queuedKey is the Sorted Set of queued entry IDs, scored so that an
// ascending range read returns dispatch order (priority desc, QueuedAt asc).
const queuedKey = keyPrefix + "queued"

// processingKey is the Set of entry IDs currently owned by a worker.
const processingKey = keyPrefix + "processing"

// ── Config keys ──

// configKey is the Hash holding runtime configuration key/value pairs.
const configKey = keyPrefix + "config"

// ── Cluster keys ──

// workerKey returns the Hash key for a worker: sluice:worker:{id}
func workerKey(id string) string { return keyPrefix + "worker:" + id }

// workerIDsKey is the Set tracking all worker IDs for enumeration.
const workerIDsKey = keyPrefix + "worker_ids"

// leaderKey stores the current leader worker ID with the lease TTL.
const leaderKey = keyPrefix + "leader"
