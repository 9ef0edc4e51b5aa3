package api

import (
	"testing"
)

func TestLockKey_ScopedPerUser(t *testing.T) {
	if lockKey(1) == lockKey(2) {
		t.Fatal("lock keys must differ per user")
	}
}
