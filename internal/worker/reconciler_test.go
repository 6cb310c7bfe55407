package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gestloc.io/internal/lease"
)

func seedDriftedLease(t *testing.T, s *lease.InMemory) lease.Lease {
	t.Helper()
	ctx := context.Background()
	l, err := s.CreateLease(ctx, lease.NewLease{
		PropertyID: "prop-1",
		OwnerID:    "owner-1",
		StartDate:  time.Now(),
		EndDate:    time.Now().AddDate(3, 0, 0),
	})
	require.NoError(t, err)

	owner, err := s.AddSigner(ctx, l.ID, lease.RoleOwner, "p-owner")
	require.NoError(t, err)
	tenant, err := s.AddSigner(ctx, l.ID, lease.RolePrimaryTenant, "p-tenant")
	require.NoError(t, err)
	_, err = s.Transition(ctx, l.ID, lease.StatusSent)
	require.NoError(t, err)

	// One signature lands; the lease status should follow, but the sweep is
	// what verifies it either way.
	_, err = s.RecordSignature(ctx, l.ID, owner.ID, []byte("pad"))
	require.NoError(t, err)
	_, err = s.RecordSignature(ctx, l.ID, tenant.ID, []byte("pad"))
	require.NoError(t, err)
	return l
}

func TestRunOnce(t *testing.T) {
	s := lease.NewInMemory(nil, nil, nil)
	seedDriftedLease(t, s)

	w := NewReconciler(s, time.Minute)
	report, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	// The synchronous recompute already corrected everything.
	assert.Equal(t, 0, report.Fixed)
}

func TestStartSweepsUntilCancelled(t *testing.T) {
	s := lease.NewInMemory(nil, nil, nil)
	l := seedDriftedLease(t, s)

	// Simulate drift the live path missed.
	_, err := s.Reconcile(context.Background(), lease.Scope{})
	require.NoError(t, err)

	w := NewReconciler(s, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on cancel")
	}

	got, err := s.GetLease(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, lease.StatusFullySigned, got.Status)
}
