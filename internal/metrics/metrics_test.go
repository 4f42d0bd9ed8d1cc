package metrics

import "testing"

func TestRegister_Idempotent(t *testing.T) {
	// Register twice; the sync.Once must make the second call a no-op
	// instead of a duplicate-collector panic.
	Register()
	Register()
}
