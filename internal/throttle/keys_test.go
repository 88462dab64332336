package throttle

import "testing"

func TestKeys(t *testing.T) {
	k := Keys{Prefix: DefaultPrefix, Name: "login"}

	if got := k.Anchor(); got != "throttle:obj:login" {
		t.Errorf("Anchor() = %q", got)
	}
	if got := k.Bucket(12); got != "throttle:bkt:login:12" {
		t.Errorf("Bucket(12) = %q", got)
	}
	if got := k.Summary(0); got != "throttle:sum:login:0" {
		t.Errorf("Summary(0) = %q", got)
	}
}

func TestKeys_EmptyName(t *testing.T) {
	k := Keys{Prefix: DefaultPrefix}
	if got := k.Summary(1); got != "throttle:sum::1" {
		t.Errorf("Summary(1) = %q", got)
	}
}
