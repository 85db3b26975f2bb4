package redis

// Redis key naming conventions for dispatch data.
// All keys are prefixed with "voxeval:" to avoid collisions.

const keyPrefix = "voxeval:"

// ── Job keys ──

// jobKey returns the key for a job entity: voxeval:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// pendingKey returns the Sorted Set key holding a region's pending queue
// ordered by creation time: voxeval:pending:{region}
func pendingKey(region string) string { return keyPrefix + "pending:" + region }

// runningKey is the Sorted Set of running job IDs scored by lease start
// time, used for lease-expiry scans.
const runningKey = keyPrefix + "running"

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// ── Registry keys ──

// tokenKey returns the key for a worker token entity: voxeval:token:{id}
func tokenKey(id string) string { return keyPrefix + "token:" + id }

// tokenIDsKey is the Set tracking all token IDs for enumeration.
const tokenIDsKey = keyPrefix + "token_ids"

// tokenHashesKey maps secret hashes to token IDs for credential lookup.
const tokenHashesKey = keyPrefix + "token_hashes"

// workerKey returns the key for a worker entity: voxeval:worker:{id}
func workerKey(id string) string { return keyPrefix + "worker:" + id }

// workerIDsKey is the Set tracking all worker IDs for enumeration.
const workerIDsKey = keyPrefix + "worker_ids"

// workerByTokenKey maps token IDs to the worker they registered.
const workerByTokenKey = keyPrefix + "worker_by_token"
