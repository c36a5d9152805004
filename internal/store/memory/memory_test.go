package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"sitegrid.org/internal/access"
)

func TestConcurrentGrantsYieldOneActiveRow(t *testing.T) {
	s := New()
	ctx := context.Background()

	const attempts = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a := access.RoleAssignment{
				UserID:   "u1",
				RoleKey:  "worker",
				Scope:    access.SiteScope("site-1"),
				IsActive: true,
			}
			err := s.Assignments().Create(ctx, &a)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, access.ErrDuplicateAssignment):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("created = %d, want exactly 1", created)
	}
	if conflicts != attempts-1 {
		t.Fatalf("conflicts = %d, want %d", conflicts, attempts-1)
	}
}

func TestCreateAllowsInactiveDuplicates(t *testing.T) {
	s := New()
	ctx := context.Background()

	active := access.RoleAssignment{UserID: "u1", RoleKey: "worker", Scope: access.SiteScope("s1"), IsActive: true}
	if err := s.Assignments().Create(ctx, &active); err != nil {
		t.Fatalf("create active: %v", err)
	}
	revoked := access.RoleAssignment{UserID: "u1", RoleKey: "worker", Scope: access.SiteScope("s1")}
	if err := s.Assignments().Create(ctx, &revoked); err != nil {
		t.Fatalf("inactive duplicate must be allowed: %v", err)
	}

	// The active row wins coordinate lookups.
	got, err := s.Assignments().FindByCoordinate(ctx, "u1", "worker", access.SiteScope("s1"))
	if err != nil {
		t.Fatalf("FindByCoordinate: %v", err)
	}
	if got.ID != active.ID {
		t.Fatalf("found %s, want active row %s", got.ID, active.ID)
	}
}

func TestUserEmailUniquenessIsCaseInsensitive(t *testing.T) {
	s := New()
	ctx := context.Background()

	u := access.User{Email: "Worker@Acme.Test", Status: access.UserStatusActive}
	if err := s.Users().Create(ctx, &u); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := access.User{Email: "worker@acme.test", Status: access.UserStatusActive}
	if err := s.Users().Create(ctx, &dup); !errors.Is(err, access.ErrDuplicateKey) {
		t.Fatalf("duplicate email: got %v, want ErrDuplicateKey", err)
	}
	if _, err := s.Users().FindByEmail(ctx, "WORKER@ACME.TEST"); err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
}
