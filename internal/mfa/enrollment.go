// Package mfa implements the TOTP enrollment state machine that stands
// between invitation acceptance and a usable account, plus runtime backup
// code consumption.
package mfa

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"sitegrid.org/internal/access"
	"sitegrid.org/internal/audit"
	"sitegrid.org/internal/ids"
)

// Enrollment steps. The machine only moves forward: setup issues material,
// verify proves the authenticator works, backup acknowledges the codes,
// complete unblocks the account.
type Step string

const (
	StepSetup    Step = "setup"
	StepVerify   Step = "verify"
	StepBackup   Step = "backup"
	StepComplete Step = "complete"
)

var (
	ErrNotFound     = errors.New("mfa: enrollment not found")
	ErrConflict     = errors.New("mfa: enrollment version conflict")
	ErrWrongStep    = errors.New("mfa: operation not valid at current step")
	ErrCodeMismatch = errors.New("mfa: code mismatch")
	ErrCodeConsumed = errors.New("mfa: backup code already consumed")
)

// Enrollment is the per-user MFA state. Version guards concurrent writes.
type Enrollment struct {
	UserID           string    `json:"user_id"`
	Secret           string    `json:"-"`
	BackupCodeHashes []string  `json:"-"`
	Step             Step      `json:"step"`
	FailureCount     int       `json:"failure_count"`
	Version          int       `json:"version"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Store persists enrollments. Upsert must compare the caller's version
// against the stored row and fail with ErrConflict on mismatch.
type Store interface {
	Get(ctx context.Context, userID string) (*Enrollment, error)
	Upsert(ctx context.Context, e *Enrollment) error
	Delete(ctx context.Context, userID string) error
}

const backupCodeBytes = 6

func hashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Service drives enrollment for identities held in the access store.
type Service struct {
	store           Store
	users           access.UserStore
	recorder        *audit.Recorder
	issuer          string
	backupCodeCount int
	warnBelow       int
	now             func() time.Time
}

func NewService(store Store, users access.UserStore, recorder *audit.Recorder, issuer string, backupCodeCount, warnBelow int) *Service {
	return &Service{
		store:           store,
		users:           users,
		recorder:        recorder,
		issuer:          issuer,
		backupCodeCount: backupCodeCount,
		warnBelow:       warnBelow,
		now:             time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(fn func() time.Time) *Service {
	s.now = fn
	return s
}

// SetupInfo is returned from BeginSetup. Secret and backup codes appear
// here exactly once; only hashes persist.
type SetupInfo struct {
	Secret      string   `json:"secret"`
	OTPAuthURL  string   `json:"otpauth_url"`
	BackupCodes []string `json:"backup_codes"`
	Step        Step     `json:"step"`
}

// BeginSetup starts or restarts enrollment, minting a fresh secret and a
// fresh batch of backup codes. Restart is allowed any time before the
// machine completes: an uncommitted secret is worthless, so regenerating
// it costs nothing. A completed enrollment cannot be reset this way.
func (s *Service) BeginSetup(ctx context.Context, userID string) (SetupInfo, error) {
	user, err := s.users.Find(ctx, userID)
	if err != nil {
		return SetupInfo{}, err
	}

	existing, err := s.store.Get(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return SetupInfo{}, err
	}
	var version int
	if existing != nil {
		if existing.Step == StepComplete || existing.Step == StepBackup {
			return SetupInfo{}, fmt.Errorf("%w: enrollment already verified", ErrWrongStep)
		}
		version = existing.Version
	}

	secret, err := NewTOTPSecret()
	if err != nil {
		return SetupInfo{}, err
	}
	codes := make([]string, s.backupCodeCount)
	hashes := make([]string, s.backupCodeCount)
	for i := range codes {
		code, err := ids.NewSecret(backupCodeBytes)
		if err != nil {
			return SetupInfo{}, err
		}
		codes[i] = code
		hashes[i] = hashBackupCode(code)
	}

	e := Enrollment{
		UserID:           userID,
		Secret:           secret,
		BackupCodeHashes: hashes,
		Step:             StepVerify,
		Version:          version,
		UpdatedAt:        s.now().UTC(),
	}
	if err := s.store.Upsert(ctx, &e); err != nil {
		return SetupInfo{}, err
	}
	return SetupInfo{
		Secret:      secret,
		OTPAuthURL:  OTPAuthURL(s.issuer, user.Email, secret),
		BackupCodes: codes,
		Step:        StepVerify,
	}, nil
}

// VerifyCode proves the authenticator holds the live secret. A match
// advances to backup; a miss increments the failure counter and the
// caller may retry.
func (s *Service) VerifyCode(ctx context.Context, userID, code string) (Step, error) {
	e, err := s.store.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if e.Step != StepVerify {
		return e.Step, fmt.Errorf("%w: step %s", ErrWrongStep, e.Step)
	}
	if !ValidateTOTP(e.Secret, code, s.now()) {
		e.FailureCount++
		e.UpdatedAt = s.now().UTC()
		if err := s.store.Upsert(ctx, e); err != nil {
			return e.Step, err
		}
		return e.Step, ErrCodeMismatch
	}
	e.Step = StepBackup
	e.FailureCount = 0
	e.UpdatedAt = s.now().UTC()
	if err := s.store.Upsert(ctx, e); err != nil {
		return e.Step, err
	}
	return StepBackup, nil
}

// ConfirmBackupSaved is the user's acknowledgement that the backup codes
// are stored somewhere safe. It completes the machine: the account is
// unblocked and the derived flags land on the user row.
func (s *Service) ConfirmBackupSaved(ctx context.Context, userID string) (Step, error) {
	e, err := s.store.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if e.Step != StepBackup {
		return e.Step, fmt.Errorf("%w: step %s", ErrWrongStep, e.Step)
	}
	e.Step = StepComplete
	e.UpdatedAt = s.now().UTC()
	if err := s.store.Upsert(ctx, e); err != nil {
		return e.Step, err
	}
	if err := s.users.SetMFAState(ctx, userID, true, len(e.BackupCodeHashes)); err != nil {
		return e.Step, err
	}
	user, err := s.users.Find(ctx, userID)
	if err != nil {
		return e.Step, err
	}
	if user.Status == access.UserStatusMFAPending {
		if err := s.users.UpdateStatus(ctx, userID, access.UserStatusActive); err != nil {
			return e.Step, err
		}
	}
	s.recorder.Record(ctx, audit.Draft{
		ActorUserID:  userID,
		EventType:    audit.EventMFAEnabled,
		TargetUserID: userID,
		NewValues: map[string]any{
			"totp_enabled":           true,
			"backup_codes_remaining": len(e.BackupCodeHashes),
		},
		Status: audit.StatusSuccess,
	})
	return StepComplete, nil
}

// ConsumeResult reports the outcome of a backup code use.
type ConsumeResult struct {
	Remaining  int  `json:"remaining"`
	LowWarning bool `json:"low_warning"`
}

// ConsumeBackupCode burns a backup code at runtime. Each code works once;
// LowWarning trips when the remaining pool drops below the configured
// threshold.
func (s *Service) ConsumeBackupCode(ctx context.Context, userID, code string) (ConsumeResult, error) {
	e, err := s.store.Get(ctx, userID)
	if err != nil {
		return ConsumeResult{}, err
	}
	if e.Step != StepComplete {
		return ConsumeResult{}, fmt.Errorf("%w: step %s", ErrWrongStep, e.Step)
	}
	want := hashBackupCode(code)
	idx := -1
	for i, h := range e.BackupCodeHashes {
		if h == want {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ConsumeResult{}, ErrCodeMismatch
	}
	e.BackupCodeHashes = append(e.BackupCodeHashes[:idx], e.BackupCodeHashes[idx+1:]...)
	e.UpdatedAt = s.now().UTC()
	if err := s.store.Upsert(ctx, e); err != nil {
		return ConsumeResult{}, err
	}
	remaining := len(e.BackupCodeHashes)
	if err := s.users.SetMFAState(ctx, userID, true, remaining); err != nil {
		return ConsumeResult{}, err
	}
	res := ConsumeResult{Remaining: remaining, LowWarning: remaining < s.warnBelow}
	s.recorder.Record(ctx, audit.Draft{
		ActorUserID:  userID,
		EventType:    audit.EventBackupCodeConsumed,
		TargetUserID: userID,
		Status:       audit.StatusSuccess,
		Metadata: map[string]any{
			"remaining":   remaining,
			"low_warning": res.LowWarning,
		},
	})
	return res, nil
}

// Status returns the user's current enrollment step, or StepSetup when no
// enrollment exists yet.
func (s *Service) Status(ctx context.Context, userID string) (Step, error) {
	e, err := s.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return StepSetup, nil
		}
		return "", err
	}
	return e.Step, nil
}
