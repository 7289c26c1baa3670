package lock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeRecord(t *testing.T, p *DirProvider, name string, pid int) {
	t.Helper()
	dir := p.Path(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(Record{OwnerPID: pid})
	if err := os.WriteFile(filepath.Join(dir, RecordFileName), data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestDirProvider_AcquireRelease(t *testing.T) {
	p := NewDirProvider(t.TempDir(), WithPID(100), WithLivenessProbe(func(int) bool { return true }))

	ok, err := p.Acquire("supervisor")
	if err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v; want true, nil", ok, err)
	}

	rec, err := ReadRecord(p.Path("supervisor"))
	if err != nil {
		t.Fatalf("ReadRecord() error = %v", err)
	}
	if rec.OwnerPID != 100 {
		t.Errorf("OwnerPID = %d, want 100", rec.OwnerPID)
	}

	// Second acquire while the owner is alive fails without blocking.
	other := NewDirProvider(p.root, WithPID(200), WithLivenessProbe(func(int) bool { return true }))
	ok, err = other.Acquire("supervisor")
	if err != nil || ok {
		t.Fatalf("Acquire() by other = %v, %v; want false, nil", ok, err)
	}

	// Release by a non-owner leaves the lock in place.
	if err := other.Release("supervisor"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(p.Path("supervisor")); err != nil {
		t.Errorf("lock removed by non-owner: %v", err)
	}

	if err := p.Release("supervisor"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(p.Path("supervisor")); !os.IsNotExist(err) {
		t.Errorf("lock directory still exists after Release")
	}

	// Idempotent.
	if err := p.Release("supervisor"); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}

func TestDirProvider_ReclaimDeadOwner(t *testing.T) {
	tests := []struct {
		name      string
		ownerLive bool
		wantOK    bool
	}{
		{"dead owner is reclaimed", false, true},
		{"live owner blocks", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probe := func(pid int) bool {
				if pid == 4242 {
					return tt.ownerLive
				}
				return true
			}
			p := NewDirProvider(t.TempDir(), WithPID(7), WithLivenessProbe(probe))
			writeRecord(t, p, "promotion", 4242)

			ok, err := p.Acquire("promotion")
			if err != nil {
				t.Fatalf("Acquire() error = %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("Acquire() = %v, want %v", ok, tt.wantOK)
			}

			rec, err := ReadRecord(p.Path("promotion"))
			if err != nil {
				t.Fatal(err)
			}
			wantPID := 4242
			if tt.wantOK {
				wantPID = 7
			}
			if rec.OwnerPID != wantPID {
				t.Errorf("OwnerPID = %d, want %d", rec.OwnerPID, wantPID)
			}
		})
	}
}

func TestDirProvider_ConcurrentReclaimKeepsWinner(t *testing.T) {
	root := t.TempDir()
	const deadPID = 1001

	a := NewDirProvider(root, WithPID(1002), WithLivenessProbe(func(pid int) bool { return pid != deadPID }))
	writeRecord(t, a, "supervisor", deadPID)

	// B finds the owner dead, but A reclaims the lock before B acts on it.
	var aOK bool
	var aErr error
	raced := false
	b := NewDirProvider(root, WithPID(1003), WithLivenessProbe(func(pid int) bool {
		if pid == deadPID && !raced {
			raced = true
			aOK, aErr = a.Acquire("supervisor")
		}
		return pid != deadPID
	}))

	bOK, bErr := b.Acquire("supervisor")
	if aErr != nil || !aOK {
		t.Fatalf("A Acquire() = %v, %v; want true, nil", aOK, aErr)
	}
	if bErr != nil || bOK {
		t.Fatalf("B Acquire() = %v, %v; want false, nil", bOK, bErr)
	}

	rec, err := ReadRecord(a.Path("supervisor"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.OwnerPID != 1002 {
		t.Errorf("OwnerPID = %d, want 1002", rec.OwnerPID)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("lock root has %d entries, want only the live lock", len(entries))
	}
}

func TestDirProvider_MissingRecord(t *testing.T) {
	tests := []struct {
		name   string
		age    time.Duration
		wantOK bool
	}{
		{"young directory is treated as held", time.Second, false},
		{"old directory is stale", time.Hour, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewDirProvider(t.TempDir(), WithStaleGrace(30*time.Second))
			if err := os.MkdirAll(p.Path("x"), 0755); err != nil {
				t.Fatal(err)
			}
			past := time.Now().Add(-tt.age)
			if err := os.Chtimes(p.Path("x"), past, past); err != nil {
				t.Fatal(err)
			}

			ok, err := p.Acquire("x")
			if err != nil {
				t.Fatalf("Acquire() error = %v", err)
			}
			if ok != tt.wantOK {
				t.Errorf("Acquire() = %v, want %v", ok, tt.wantOK)
			}
		})
	}
}

func TestDirProvider_ForceRelease(t *testing.T) {
	alive := true
	p := NewDirProvider(t.TempDir(), WithPID(1), WithLivenessProbe(func(int) bool { return alive }))
	writeRecord(t, p, "promotion", 999)

	removed, err := p.ForceRelease("promotion")
	if err != nil || removed {
		t.Fatalf("ForceRelease() with live owner = %v, %v; want false, nil", removed, err)
	}

	alive = false
	removed, err = p.ForceRelease("promotion")
	if err != nil || !removed {
		t.Fatalf("ForceRelease() with dead owner = %v, %v; want true, nil", removed, err)
	}
}

func TestDirProvider_Inspect(t *testing.T) {
	p := NewDirProvider(t.TempDir(), WithLivenessProbe(func(pid int) bool { return pid == 55 }))
	writeRecord(t, p, "supervisor", 55)

	rec, alive, err := p.Inspect("supervisor")
	if err != nil {
		t.Fatal(err)
	}
	if rec.OwnerPID != 55 || !alive {
		t.Errorf("Inspect() = %d, %v; want 55, true", rec.OwnerPID, alive)
	}

	if _, _, err := p.Inspect("missing"); !os.IsNotExist(err) {
		t.Errorf("Inspect(missing) error = %v, want not-exist", err)
	}
}

func TestPath_Sanitizes(t *testing.T) {
	p := NewDirProvider("/tmp/locks")
	if got := p.Path("a/b"); got != filepath.Join("/tmp/locks", "a_b.lock") {
		t.Errorf("Path() = %q", got)
	}
}

func TestPIDAlive_Self(t *testing.T) {
	if !PIDAlive(os.Getpid()) {
		t.Error("PIDAlive(self) = false")
	}
	if PIDAlive(0) || PIDAlive(-1) {
		t.Error("PIDAlive should reject non-positive pids")
	}
}
