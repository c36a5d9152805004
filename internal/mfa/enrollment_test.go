package mfa_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sitegrid.org/internal/access"
	"sitegrid.org/internal/audit"
	"sitegrid.org/internal/mfa"
	"sitegrid.org/internal/obs"
	"sitegrid.org/internal/store/memory"
)

const (
	backupCodeCount = 8
	warnBelow       = 3
)

func newService(t *testing.T) (*mfa.Service, *memory.Store, access.User) {
	t.Helper()
	store := memory.New()
	recorder := audit.NewRecorder(store, obs.Logger())
	svc := mfa.NewService(store.Enrollments(), store.Users(), recorder, "sitegrid", backupCodeCount, warnBelow)

	user := access.User{Email: "worker@acme.test", Status: access.UserStatusMFAPending}
	require.NoError(t, store.Users().Create(context.Background(), &user))
	return svc, store, user
}

func enroll(t *testing.T, svc *mfa.Service, userID string, at time.Time) mfa.SetupInfo {
	t.Helper()
	ctx := context.Background()
	svc.WithClock(func() time.Time { return at })

	setup, err := svc.BeginSetup(ctx, userID)
	require.NoError(t, err)

	code, err := mfa.TOTPCode(setup.Secret, at)
	require.NoError(t, err)
	step, err := svc.VerifyCode(ctx, userID, code)
	require.NoError(t, err)
	require.Equal(t, mfa.StepBackup, step)

	step, err = svc.ConfirmBackupSaved(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, mfa.StepComplete, step)
	return setup
}

func TestBeginSetupIssuesMaterial(t *testing.T) {
	svc, _, user := newService(t)
	ctx := context.Background()

	setup, err := svc.BeginSetup(ctx, user.ID)
	require.NoError(t, err)
	require.NotEmpty(t, setup.Secret)
	require.Len(t, setup.BackupCodes, backupCodeCount)
	require.Equal(t, mfa.StepVerify, setup.Step)
	require.Contains(t, setup.OTPAuthURL, "issuer=sitegrid")

	step, err := svc.Status(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, mfa.StepVerify, step)
}

func TestBeginSetupUnknownUser(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.BeginSetup(context.Background(), "missing")
	require.ErrorIs(t, err, access.ErrNotFound)
}

func TestBeginSetupRestartRegeneratesBeforeVerify(t *testing.T) {
	svc, _, user := newService(t)
	ctx := context.Background()

	first, err := svc.BeginSetup(ctx, user.ID)
	require.NoError(t, err)
	second, err := svc.BeginSetup(ctx, user.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.Secret, second.Secret)

	// The old secret is dead after the restart.
	at := time.Now()
	svc.WithClock(func() time.Time { return at })
	staleCode, err := mfa.TOTPCode(first.Secret, at)
	require.NoError(t, err)
	_, err = svc.VerifyCode(ctx, user.ID, staleCode)
	require.ErrorIs(t, err, mfa.ErrCodeMismatch)
}

func TestBeginSetupRejectedAfterVerification(t *testing.T) {
	svc, _, user := newService(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return at })

	setup, err := svc.BeginSetup(ctx, user.ID)
	require.NoError(t, err)
	code, err := mfa.TOTPCode(setup.Secret, at)
	require.NoError(t, err)
	_, err = svc.VerifyCode(ctx, user.ID, code)
	require.NoError(t, err)

	// Backup codes are already shown; a reset here would orphan them.
	_, err = svc.BeginSetup(ctx, user.ID)
	require.ErrorIs(t, err, mfa.ErrWrongStep)

	_, err = svc.ConfirmBackupSaved(ctx, user.ID)
	require.NoError(t, err)
	_, err = svc.BeginSetup(ctx, user.ID)
	require.ErrorIs(t, err, mfa.ErrWrongStep)
}

func TestVerifyCodeCountsFailures(t *testing.T) {
	svc, store, user := newService(t)
	ctx := context.Background()

	_, err := svc.BeginSetup(ctx, user.ID)
	require.NoError(t, err)

	step, err := svc.VerifyCode(ctx, user.ID, "000000")
	require.ErrorIs(t, err, mfa.ErrCodeMismatch)
	require.Equal(t, mfa.StepVerify, step)
	step, err = svc.VerifyCode(ctx, user.ID, "111111")
	require.ErrorIs(t, err, mfa.ErrCodeMismatch)
	require.Equal(t, mfa.StepVerify, step)

	e, err := store.Enrollments().Get(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, 2, e.FailureCount)
}

func TestVerifyCodeWrongStep(t *testing.T) {
	svc, _, user := newService(t)
	enroll(t, svc, user.ID, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))

	_, err := svc.VerifyCode(context.Background(), user.ID, "123456")
	require.ErrorIs(t, err, mfa.ErrWrongStep)
}

func TestConfirmBackupSavedActivatesPendingAccount(t *testing.T) {
	svc, store, user := newService(t)
	ctx := context.Background()

	enroll(t, svc, user.ID, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))

	got, err := store.Users().Find(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, access.UserStatusActive, got.Status)
	require.True(t, got.TOTPEnabled)
	require.Equal(t, backupCodeCount, got.BackupCodesRemaining)

	// Skipping verify is not possible.
	other := access.User{Email: "other@acme.test", Status: access.UserStatusMFAPending}
	require.NoError(t, store.Users().Create(ctx, &other))
	_, err = svc.BeginSetup(ctx, other.ID)
	require.NoError(t, err)
	_, err = svc.ConfirmBackupSaved(ctx, other.ID)
	require.ErrorIs(t, err, mfa.ErrWrongStep)
}

func TestConsumeBackupCode(t *testing.T) {
	svc, store, user := newService(t)
	ctx := context.Background()

	setup := enroll(t, svc, user.ID, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))

	res, err := svc.ConsumeBackupCode(ctx, user.ID, setup.BackupCodes[0])
	require.NoError(t, err)
	require.Equal(t, backupCodeCount-1, res.Remaining)
	require.False(t, res.LowWarning)

	// Single use.
	_, err = svc.ConsumeBackupCode(ctx, user.ID, setup.BackupCodes[0])
	require.ErrorIs(t, err, mfa.ErrCodeMismatch)

	// Burn down to below the warning threshold.
	for i := 1; i < backupCodeCount-warnBelow+1; i++ {
		res, err = svc.ConsumeBackupCode(ctx, user.ID, setup.BackupCodes[i])
		require.NoError(t, err)
	}
	require.Equal(t, warnBelow-1, res.Remaining)
	require.True(t, res.LowWarning)

	got, err := store.Users().Find(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, res.Remaining, got.BackupCodesRemaining)
}

func TestConsumeBackupCodeBeforeCompletion(t *testing.T) {
	svc, _, user := newService(t)
	ctx := context.Background()

	setup, err := svc.BeginSetup(ctx, user.ID)
	require.NoError(t, err)
	_, err = svc.ConsumeBackupCode(ctx, user.ID, setup.BackupCodes[0])
	require.ErrorIs(t, err, mfa.ErrWrongStep)
}

func TestUpsertVersionConflict(t *testing.T) {
	_, store, user := newService(t)
	ctx := context.Background()

	e := mfa.Enrollment{UserID: user.ID, Secret: "s", Step: mfa.StepVerify}
	require.NoError(t, store.Enrollments().Upsert(ctx, &e))

	stale := mfa.Enrollment{UserID: user.ID, Secret: "s2", Step: mfa.StepVerify, Version: 0}
	require.ErrorIs(t, store.Enrollments().Upsert(ctx, &stale), mfa.ErrConflict)

	fresh, err := store.Enrollments().Get(ctx, user.ID)
	require.NoError(t, err)
	fresh.Step = mfa.StepBackup
	require.NoError(t, store.Enrollments().Upsert(ctx, fresh))
}

func TestStatusWithoutEnrollment(t *testing.T) {
	svc, _, user := newService(t)
	step, err := svc.Status(context.Background(), user.ID)
	require.NoError(t, err)
	require.Equal(t, mfa.StepSetup, step)
}
