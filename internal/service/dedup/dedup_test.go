package dedup

import (
	"context"
	"testing"
	"time"
)

func TestKeyIsStablePerPluginAndBody(t *testing.T) {
	a := Key("phaxio", []byte(`{"fax":1}`))
	b := Key("phaxio", []byte(`{"fax":1}`))
	if a != b {
		t.Fatalf("same input produced different keys: %q vs %q", a, b)
	}
	if Key("signalwire", []byte(`{"fax":1}`)) == a {
		t.Fatal("plugin id should partition the key space")
	}
	if Key("phaxio", []byte(`{"fax":2}`)) == a {
		t.Fatal("body digest should partition the key space")
	}
}

func TestMemorySeenFlagsReplay(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()

	seen, err := m.Seen(ctx, "k1")
	if err != nil || seen {
		t.Fatalf("first delivery should be new: seen=%v err=%v", seen, err)
	}
	seen, err = m.Seen(ctx, "k1")
	if err != nil || !seen {
		t.Fatalf("second delivery should be a replay: seen=%v err=%v", seen, err)
	}
	seen, _ = m.Seen(ctx, "k2")
	if seen {
		t.Fatal("a distinct key must not be flagged")
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	m := NewMemory(20 * time.Millisecond)
	ctx := context.Background()

	if seen, _ := m.Seen(ctx, "k"); seen {
		t.Fatal("fresh key flagged as replay")
	}
	time.Sleep(30 * time.Millisecond)
	if seen, _ := m.Seen(ctx, "k"); seen {
		t.Fatal("expired key should be treated as new again")
	}
	if seen, _ := m.Seen(ctx, "k"); !seen {
		t.Fatal("re-recorded key should flag the next delivery")
	}
}

func TestMemoryForgetReleasesKey(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()

	if seen, _ := m.Seen(ctx, "k"); seen {
		t.Fatal("fresh key flagged as replay")
	}
	if err := m.Forget(ctx, "k"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if seen, _ := m.Seen(ctx, "k"); seen {
		t.Fatal("forgotten key must be treated as new")
	}
	if seen, _ := m.Seen(ctx, "k"); !seen {
		t.Fatal("re-recorded key should flag the next delivery")
	}
}
