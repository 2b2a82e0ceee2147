package lock

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestLocalLease(t *testing.T) {
	ctx := context.Background()
	fc := clockwork.NewFakeClock()
	l := NewLocal(fc)

	ok, _ := l.TryLock(ctx, "matchmaking", time.Minute)
	if !ok {
		t.Fatal("first lock refused")
	}
	if ok, _ := l.TryLock(ctx, "matchmaking", time.Minute); ok {
		t.Fatal("second lock granted while held")
	}
	if ok, _ := l.TryLock(ctx, "cleanup", time.Minute); !ok {
		t.Fatal("independent lock refused")
	}

	fc.Advance(2 * time.Minute)
	if ok, _ := l.TryLock(ctx, "matchmaking", time.Minute); !ok {
		t.Fatal("expired lease not reclaimed")
	}

	l.Unlock(ctx, "matchmaking")
	if ok, _ := l.TryLock(ctx, "matchmaking", time.Minute); !ok {
		t.Fatal("lock refused after unlock")
	}
}
