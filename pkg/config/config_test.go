package config

import (
	"testing"
	"time"
)

func TestGetDuration(t *testing.T) {
	cases := []struct {
		name  string
		value string
		unit  time.Duration
		want  time.Duration
	}{
		{"bare seconds", "45", time.Second, 45 * time.Second},
		{"bare hours", "2", time.Hour, 2 * time.Hour},
		{"duration string", "1m30s", time.Second, 90 * time.Second},
		{"padded", " 10 ", time.Second, 10 * time.Second},
		{"zero disables", "0", time.Hour, 0},
		{"negative falls back", "-5", time.Second, 7 * time.Second},
		{"garbage falls back", "soon", time.Second, 7 * time.Second},
		{"blank falls back", "", time.Second, 7 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("DEPLOYGATE_TEST_DURATION", tc.value)
			if got := GetDuration("DEPLOYGATE_TEST_DURATION", tc.unit, 7*time.Second); got != tc.want {
				t.Fatalf("GetDuration(%q) = %s, want %s", tc.value, got, tc.want)
			}
		})
	}
}

func TestGetIntAndBoolFallBackOnInvalid(t *testing.T) {
	t.Setenv("DEPLOYGATE_TEST_INT", "many")
	if got := GetInt("DEPLOYGATE_TEST_INT", 3); got != 3 {
		t.Fatalf("expected fallback 3, got %d", got)
	}
	t.Setenv("DEPLOYGATE_TEST_BOOL", "perhaps")
	if got := GetBool("DEPLOYGATE_TEST_BOOL", true); !got {
		t.Fatal("expected fallback true")
	}
	t.Setenv("DEPLOYGATE_TEST_BOOL", "false")
	if got := GetBool("DEPLOYGATE_TEST_BOOL", true); got {
		t.Fatal("expected parsed false")
	}
}

func TestLoadAPIConfigDurations(t *testing.T) {
	t.Setenv("QUEUE_RETRY_AFTER_SECONDS", "12")
	t.Setenv("APPROVAL_TTL_HOURS", "24")
	t.Setenv("ROLLBACK_RESUME_AFTER_SECONDS", "2m")
	cfg := LoadAPIConfig()
	if cfg.QueueRetryAfter != 12*time.Second {
		t.Fatalf("unexpected retry after %s", cfg.QueueRetryAfter)
	}
	if cfg.ApprovalTTL != 24*time.Hour {
		t.Fatalf("unexpected approval ttl %s", cfg.ApprovalTTL)
	}
	if cfg.RollbackResumeAfter != 2*time.Minute {
		t.Fatalf("unexpected resume after %s", cfg.RollbackResumeAfter)
	}
}
