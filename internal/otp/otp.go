// Package otp verifies that a user owns a phone number with a short-lived
// six-digit code.
//
// Codes are stored only as bcrypt hashes, expire after a TTL, allow a fixed
// number of wrong guesses and cannot be re-sent inside a cooldown window.
package otp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mbd888/mediation/internal/idgen"
	"github.com/mbd888/mediation/internal/notify"
	"github.com/mbd888/mediation/internal/validation"
)

var (
	ErrInvalidPhone    = errors.New("otp: invalid phone number")
	ErrCooldown        = errors.New("otp: code was sent recently, try again later")
	ErrNoCode          = errors.New("otp: no active code, request a new one")
	ErrInvalidCode     = errors.New("otp: invalid code")
	ErrTooManyAttempts = errors.New("otp: too many attempts, request a new one")
)

const (
	CodeLength  = 6
	MaxAttempts = 5
	EventCode   = "verification.code"
)

// Challenge is a pending code for one user and phone.
type Challenge struct {
	UserID   string
	CodeHash string
	Attempts int
}

// Store keeps challenges and cooldown markers with expiry.
type Store interface {
	// AcquireCooldown sets the resend marker unless one is already live.
	AcquireCooldown(ctx context.Context, phone string, ttl time.Duration) (bool, error)
	Save(ctx context.Context, phone string, c Challenge, ttl time.Duration) error
	Get(ctx context.Context, phone string) (*Challenge, error)
	// IncrAttempts bumps the wrong-guess counter and returns the new value.
	IncrAttempts(ctx context.Context, phone string) (int, error)
	Delete(ctx context.Context, phone string) error
}

// PhoneRecorder persists a verified phone on the user's profile.
type PhoneRecorder interface {
	SetVerifiedPhone(ctx context.Context, userID, phone string, at time.Time) error
}

// Service implements phone verification.
type Service struct {
	store    Store
	sender   notify.Sender
	profiles PhoneRecorder
	ttl      time.Duration
	cooldown time.Duration
	cost     int
	compare  func(hash, code []byte) error
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new verification service.
func NewService(store Store, sender notify.Sender, profiles PhoneRecorder, ttl, cooldown time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		sender:   sender,
		profiles: profiles,
		ttl:      ttl,
		cooldown: cooldown,
		cost:     bcrypt.DefaultCost,
		compare:  bcrypt.CompareHashAndPassword,
		logger:   logger,
		now:      time.Now,
	}
}

// WithHashCost overrides the bcrypt cost. Tests use bcrypt.MinCost.
func (s *Service) WithHashCost(cost int) *Service {
	s.cost = cost
	return s
}

// Send issues a new code for phone and delivers it by SMS.
func (s *Service) Send(ctx context.Context, userID, phone string) error {
	phone = validation.NormalizePhone(phone)
	if !validation.IsValidPhone(phone) {
		return ErrInvalidPhone
	}
	ok, err := s.store.AcquireCooldown(ctx, phone, s.cooldown)
	if err != nil {
		return fmt.Errorf("acquire cooldown: %w", err)
	}
	if !ok {
		return ErrCooldown
	}

	code := idgen.Digits(CodeLength)
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.cost)
	if err != nil {
		return fmt.Errorf("hash code: %w", err)
	}
	if err := s.store.Save(ctx, phone, Challenge{UserID: userID, CodeHash: string(hash)}, s.ttl); err != nil {
		return fmt.Errorf("save code: %w", err)
	}

	err = s.sender.Send(ctx, &notify.Message{
		ID:        idgen.WithPrefix("ntf_"),
		Event:     EventCode,
		UserID:    userID,
		Phone:     phone,
		Channel:   notify.ChannelSMS,
		Timestamp: s.now(),
		Data:      map[string]any{"code": code, "expires_in_seconds": int(s.ttl.Seconds())},
	})
	if err != nil {
		_ = s.store.Delete(ctx, phone)
		return fmt.Errorf("deliver code: %w", err)
	}
	s.logger.Info("verification code sent", "user_id", userID)
	return nil
}

// Verify checks code for phone. On success the phone is recorded as
// verified for userID and the code is consumed.
func (s *Service) Verify(ctx context.Context, userID, phone, code string) error {
	phone = validation.NormalizePhone(phone)
	if !validation.IsValidPhone(phone) {
		return ErrInvalidPhone
	}
	c, err := s.store.Get(ctx, phone)
	if err != nil {
		return err
	}
	if c.UserID != userID {
		return ErrNoCode
	}

	// Reserve the attempt before comparing the hash.
	n, err := s.store.IncrAttempts(ctx, phone)
	if err != nil {
		if errors.Is(err, ErrNoCode) {
			return ErrNoCode
		}
		return fmt.Errorf("count attempt: %w", err)
	}
	if n > MaxAttempts {
		_ = s.store.Delete(ctx, phone)
		return ErrTooManyAttempts
	}

	if s.compare([]byte(c.CodeHash), []byte(code)) != nil {
		if n == MaxAttempts {
			_ = s.store.Delete(ctx, phone)
			return ErrTooManyAttempts
		}
		return ErrInvalidCode
	}

	if err := s.store.Delete(ctx, phone); err != nil {
		s.logger.Warn("failed to consume verification code", "error", err)
	}
	if err := s.profiles.SetVerifiedPhone(ctx, userID, phone, s.now()); err != nil {
		return fmt.Errorf("record verified phone: %w", err)
	}
	return nil
}
