package postgres

const runColumns = `
    id, schedule_id, tenant_id, idempotency_key, source, status, attempts,
    intended_fire_at, claimed_by, next_attempt_at, admitted_at, dispatched_at,
    created_at, started_at, completed_at, last_error_kind, last_error, history`

const queryInsertRun = `
INSERT INTO execution_runs (` + runColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
RETURNING` + runColumns

const queryGetRun = `SELECT` + runColumns + `
FROM execution_runs
WHERE id = $1
`

const queryGetRunForUpdate = queryGetRun + `FOR UPDATE
`

const queryGetRunByKey = `SELECT` + runColumns + `
FROM execution_runs
WHERE idempotency_key = $1
`

const queryRunExists = `
SELECT EXISTS (SELECT 1 FROM execution_runs WHERE id = $1)
`

// PostgreSQL takes the row lock before evaluating WHERE, so concurrent
// claims serialize and exactly one sees status = 'queued'.
const queryClaimRun = `
UPDATE execution_runs
SET status = 'running',
    attempts = attempts + 1,
    claimed_by = $2,
    started_at = $3,
    next_attempt_at = NULL
WHERE id = $1
  AND status = 'queued'
  AND admitted_at IS NOT NULL
  AND (next_attempt_at IS NULL OR next_attempt_at <= $3)
RETURNING` + runColumns

const queryUpdateRunTransition = `
UPDATE execution_runs
SET status = $2,
    claimed_by = $3,
    next_attempt_at = $4,
    completed_at = $5,
    last_error_kind = $6,
    last_error = $7,
    history = $8
WHERE id = $1
`

const queryMarkAdmitted = `
UPDATE execution_runs
SET admitted_at = $2
WHERE id = $1
  AND admitted_at IS NULL
  AND status = 'queued'
`

const queryUnmarkAdmitted = `
UPDATE execution_runs
SET admitted_at = NULL
WHERE id = $1
  AND admitted_at IS NOT NULL
  AND dispatched_at IS NULL
  AND status = 'queued'
`

const queryMarkReleased = `
UPDATE execution_runs
SET released_at = $2
WHERE id = $1
  AND released_at IS NULL
  AND admitted_at IS NOT NULL
  AND status IN ('succeeded', 'failed', 'aborted')
`

const queryExpireSlots = `
UPDATE execution_runs
SET released_at = $2
WHERE released_at IS NULL
  AND admitted_at IS NOT NULL
  AND status IN ('succeeded', 'failed', 'aborted')
  AND completed_at < $1
`

const queryMarkDispatched = `
UPDATE execution_runs
SET dispatched_at = $2
WHERE id = $1
`

const queryListStaleRuns = `SELECT` + runColumns + `
FROM execution_runs
WHERE status = 'running'
  AND started_at < $1
ORDER BY started_at ASC, id ASC
LIMIT $2
`

const queryListUnadmitted = `SELECT` + runColumns + `
FROM execution_runs
WHERE status = 'queued'
  AND admitted_at IS NULL
ORDER BY created_at ASC, id ASC
LIMIT $1
`

// A run is dispatchable when it is retry-eligible and either has never been
// published for its current attempt or was published before the orphan
// threshold without being claimed.
const queryListDispatchable = `SELECT` + runColumns + `
FROM execution_runs
WHERE status = 'queued'
  AND admitted_at IS NOT NULL
  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
  AND (
        dispatched_at IS NULL
     OR (next_attempt_at IS NOT NULL AND dispatched_at < next_attempt_at)
     OR dispatched_at < $2
  )
ORDER BY created_at ASC, id ASC
LIMIT $3
`

const queryListMissingDeadLetters = `SELECT` + runColumns + `
FROM execution_runs r
WHERE r.status = 'failed'
  AND r.completed_at < $1
  AND NOT EXISTS (SELECT 1 FROM dead_letters d WHERE d.run_id = r.id)
ORDER BY r.completed_at ASC, r.id ASC
LIMIT $2
`

const queryCountActiveByTenant = `
SELECT tenant_id, COUNT(*)
FROM execution_runs
WHERE admitted_at IS NOT NULL
  AND released_at IS NULL
GROUP BY tenant_id
`

const queryCountUnadmitted = `
SELECT COUNT(*)
FROM execution_runs
WHERE status = 'queued'
  AND admitted_at IS NULL
`

const queryInsertAudit = `
INSERT INTO audit_events (id, run_id, action, detail, created_at)
VALUES ($1, $2, $3, $4, $5)
`

const queryListAudit = `
SELECT id, run_id, action, detail, created_at
FROM audit_events
WHERE run_id = $1
ORDER BY created_at ASC, id ASC
`

const scheduleColumns = `
    id, tenant_id, name, cron_expression, timezone, active,
    next_fire_at, next_fire_computed_at, next_fire_version, version,
    created_at, updated_at`

const queryGetSchedule = `SELECT` + scheduleColumns + `
FROM schedules
WHERE id = $1
`

// A schedule is due when its cached next-fire has passed or was computed
// for an older definition.
const queryListDueSchedules = `SELECT` + scheduleColumns + `
FROM schedules
WHERE active
  AND id > $2
  AND (next_fire_at IS NULL OR next_fire_version <> version OR next_fire_at <= $1)
ORDER BY id ASC
LIMIT $3
`

const queryAdvanceNextFire = `
UPDATE schedules
SET next_fire_at = $3,
    next_fire_computed_at = $4,
    next_fire_version = $2
WHERE id = $1
  AND version = $2
  AND (next_fire_at IS NULL OR next_fire_version <> $2 OR next_fire_at < $3)
`

const queryScheduleExists = `
SELECT EXISTS (SELECT 1 FROM schedules WHERE id = $1)
`

const deadLetterColumns = `
    id, run_id, schedule_id, tenant_id, idempotency_key, kind, class, history,
    replay_eligible, replay_nonce, replay_run_id, replayed_at, created_at`

const queryInsertDeadLetter = `
INSERT INTO dead_letters (` + deadLetterColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (run_id) DO NOTHING
`

const queryGetDeadLetter = `SELECT` + deadLetterColumns + `
FROM dead_letters
WHERE id = $1
`

const queryGetDeadLetterByRun = `SELECT` + deadLetterColumns + `
FROM dead_letters
WHERE run_id = $1
`

const queryCountDeadLetters = `
SELECT COUNT(*)
FROM dead_letters
WHERE (NOT $1::boolean OR replayed_at IS NULL)
`

const queryMarkReplayed = `
UPDATE dead_letters
SET replay_eligible = FALSE,
    replay_nonce = $2,
    replay_run_id = $3,
    replayed_at = $4
WHERE id = $1
  AND replayed_at IS NULL
`

const queryDeadLetterExists = `
SELECT EXISTS (SELECT 1 FROM dead_letters WHERE id = $1)
`
