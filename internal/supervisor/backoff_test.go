package supervisor

import (
	"testing"
	"time"
)

func TestBackoffDelay_Bounds(t *testing.T) {
	base := 2 * time.Second
	cap := 5 * time.Minute

	for attempt := 0; attempt < 12; attempt++ {
		ceiling := base << attempt
		if ceiling <= 0 || ceiling > cap {
			ceiling = cap
		}
		for i := 0; i < 50; i++ {
			d := backoffDelay(attempt, base, cap)
			if d < 0 {
				t.Fatalf("attempt %d: negative delay %s", attempt, d)
			}
			if d >= ceiling {
				t.Fatalf("attempt %d: delay %s >= ceiling %s", attempt, d, ceiling)
			}
		}
	}
}

func TestBackoffDelay_LargeAttemptDoesNotOverflow(t *testing.T) {
	for i := 0; i < 20; i++ {
		d := backoffDelay(63, 2*time.Second, 5*time.Minute)
		if d < 0 || d >= 5*time.Minute {
			t.Fatalf("delay %s out of range", d)
		}
	}
}
