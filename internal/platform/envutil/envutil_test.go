package envutil

import (
	"testing"
	"time"
)

func TestSeconds(t *testing.T) {
	t.Setenv("X_TIMEOUT", "42")
	if got := Seconds("X_TIMEOUT", time.Second); got != 42*time.Second {
		t.Fatalf("got %v", got)
	}
	t.Setenv("X_TIMEOUT", "nope")
	if got := Seconds("X_TIMEOUT", time.Second); got != time.Second {
		t.Fatalf("bad value should fall back, got %v", got)
	}
	t.Setenv("X_TIMEOUT", "-3")
	if got := Seconds("X_TIMEOUT", time.Second); got != time.Second {
		t.Fatalf("negative should fall back, got %v", got)
	}
}

func TestBool(t *testing.T) {
	cases := map[string]bool{"true": true, "YES": true, "0": false, "off": false, "garbage": true}
	for raw, want := range cases {
		t.Setenv("X_FLAG", raw)
		if got := Bool("X_FLAG", true); got != want {
			t.Fatalf("%q: got %v want %v", raw, got, want)
		}
	}
}

func TestIntAndString(t *testing.T) {
	t.Setenv("X_PORT", " 8080 ")
	if got := Int("X_PORT", 1); got != 8080 {
		t.Fatalf("got %d", got)
	}
	t.Setenv("X_NAME", "")
	if got := String("X_NAME", "def"); got != "def" {
		t.Fatalf("got %q", got)
	}
}
