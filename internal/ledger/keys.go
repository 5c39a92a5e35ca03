package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScheduleKey is the idempotency key of a schedule's occurrence. Two
// replicas firing the same occurrence derive the same key.
func ScheduleKey(scheduleID uuid.UUID, intendedFireAt time.Time) string {
	return hashKey(fmt.Sprintf("%s:%d", scheduleID.String(), intendedFireAt.Unix()))
}

// ManualKey identifies an operator-requested run. Retrying the same request
// id is deduplicated.
func ManualKey(scheduleID uuid.UUID, requestID string) string {
	return hashKey(fmt.Sprintf("manual:%s:%s", scheduleID.String(), requestID))
}

// ReplayKey derives a fresh key for replaying a dead-lettered run. The same
// nonce always yields the same key.
func ReplayKey(originalKey, nonce string) string {
	return hashKey(fmt.Sprintf("replay:%s:%s", originalKey, nonce))
}

// ReapKey derives the key of the run that replaces a reaped one.
func ReapKey(originalKey string, reapedRunID uuid.UUID) string {
	return hashKey(fmt.Sprintf("reap:%s:%s", originalKey, reapedRunID.String()))
}

func hashKey(data string) string {
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
