// Package subscription holds the account lifecycle: trial issuance,
// renewal, suspension, deletion and reconciliation between the local
// store and the remote panel.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/veselovd/marzbot/clients/marzban"
)

var (
	ErrUserNotFound  = errors.New("subscription: user not found")
	ErrTrialUsed     = errors.New("subscription: trial already used")
	ErrAlreadyLinked = errors.New("subscription: user already has an account")
	ErrNotLinked     = errors.New("subscription: user has no linked account")
)

// Record is the local mirror of one user's subscription.
type Record struct {
	TelegramID      int64
	Username        string
	FirstName       string
	MarzbanUsername string
	SubscriptionURL string
	IsActive        bool
	DataLimit       int64
	ExpireDate      time.Time
	UsedTraffic     int64
	TrialUsed       bool
}

// RecordUpdate is a partial update of a Record; nil fields stay as-is.
type RecordUpdate struct {
	Username        *string
	FirstName       *string
	MarzbanUsername *string
	SubscriptionURL *string
	IsActive        *bool
	DataLimit       *int64
	ExpireDate      *time.Time
	UsedTraffic     *int64
	TrialUsed       *bool
}

// Store is the local persistence the service needs. GetByTelegramID
// returns (nil, nil) when the user is unknown.
type Store interface {
	GetByTelegramID(ctx context.Context, telegramID int64) (*Record, error)
	Create(ctx context.Context, rec *Record) error
	UpdateByTelegramID(ctx context.Context, telegramID int64, upd RecordUpdate) (bool, error)
	DeleteByTelegramID(ctx context.Context, telegramID int64) (bool, error)
	ListAll(ctx context.Context, activeOnly bool) ([]Record, error)
	CountAll(ctx context.Context, activeOnly bool) (int, error)
}

// Panel is the remote side the service drives.
type Panel interface {
	CreateUser(ctx context.Context, username string, dataLimit int64, expireDays int) (*marzban.User, error)
	GetUsage(ctx context.Context, username string) (*marzban.Usage, error)
	UpdateUser(ctx context.Context, username string, upd marzban.UserUpdate) (*marzban.User, error)
	DeleteUser(ctx context.Context, username string) bool
	ListUsers(ctx context.Context, limit int) ([]marzban.User, error)
}

// Config holds the trial grant parameters.
type Config struct {
	TrialDataLimit  int64
	TrialExpireDays int
}

type Service struct {
	store  Store
	panel  Panel
	cfg    Config
	logger *zap.SugaredLogger
	now    func() time.Time
}

func New(store Store, panel Panel, cfg Config, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{
		store:  store,
		panel:  panel,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// GenerateUsername builds the panel account name for a Telegram user:
// user_<telegramID>_<unix seconds>. The timestamp keeps names unique
// across delete-and-recreate cycles.
func GenerateUsername(telegramID int64, now time.Time) string {
	return fmt.Sprintf("user_%d_%d", telegramID, now.UTC().Unix())
}

// TelegramIDFromUsername recovers the Telegram id from a generated panel
// username. It returns (0, false) for names not produced by
// GenerateUsername, including manually created panel accounts.
func TelegramIDFromUsername(username string) (int64, bool) {
	if !strings.HasPrefix(username, "user_") {
		return 0, false
	}
	parts := strings.Split(username, "_")
	if len(parts) != 3 {
		return 0, false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// TrialGrant describes a freshly issued trial.
type TrialGrant struct {
	Username        string
	SubscriptionURL string
	DataLimit       int64
	ExpireDays      int
	ExpireDate      time.Time
}

// IssueTrial provisions the trial account for a known user. It fails
// with ErrTrialUsed when the trial was consumed before and with
// ErrAlreadyLinked when the user already has a panel account; neither
// case touches the panel.
func (s *Service) IssueTrial(ctx context.Context, telegramID int64) (*TrialGrant, error) {
	rec, err := s.store.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", telegramID, err)
	}
	if rec == nil {
		return nil, ErrUserNotFound
	}
	if rec.TrialUsed {
		return nil, ErrTrialUsed
	}
	if rec.MarzbanUsername != "" {
		return nil, ErrAlreadyLinked
	}

	username := GenerateUsername(telegramID, s.now())
	user, err := s.panel.CreateUser(ctx, username, s.cfg.TrialDataLimit, s.cfg.TrialExpireDays)
	if err != nil {
		return nil, fmt.Errorf("provision trial for user %d: %w", telegramID, err)
	}

	expireDate := time.Unix(user.Expire, 0).UTC()
	upd := RecordUpdate{
		MarzbanUsername: ptr(username),
		SubscriptionURL: ptr(user.SubscriptionURL),
		IsActive:        ptr(true),
		DataLimit:       ptr(s.cfg.TrialDataLimit),
		ExpireDate:      ptr(expireDate),
		TrialUsed:       ptr(true),
	}
	if _, err := s.store.UpdateByTelegramID(ctx, telegramID, upd); err != nil {
		return nil, fmt.Errorf("record trial for user %d: %w", telegramID, err)
	}

	s.logger.Infof("trial subscription created for user %d (%s)", telegramID, username)
	return &TrialGrant{
		Username:        username,
		SubscriptionURL: user.SubscriptionURL,
		DataLimit:       s.cfg.TrialDataLimit,
		ExpireDays:      s.cfg.TrialExpireDays,
		ExpireDate:      expireDate,
	}, nil
}

// Renewal describes the outcome of a renewal.
type Renewal struct {
	Username   string
	ExpireDate time.Time
	DataLimit  int64
}

// Renew extends a linked account by days. The new expiry is counted from
// the current expiry when it is still in the future, from now otherwise,
// so renewing early never costs paid time and an expired account starts
// fresh. A positive dataLimit replaces the limit; zero leaves it alone.
// The account is re-activated as part of the renewal.
func (s *Service) Renew(ctx context.Context, telegramID int64, days int, dataLimit int64) (*Renewal, error) {
	rec, err := s.store.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", telegramID, err)
	}
	if rec == nil {
		return nil, ErrUserNotFound
	}
	if rec.MarzbanUsername == "" {
		return nil, ErrNotLinked
	}

	usage, err := s.panel.GetUsage(ctx, rec.MarzbanUsername)
	if err != nil {
		return nil, fmt.Errorf("fetch current state of %s: %w", rec.MarzbanUsername, err)
	}

	base := s.now().UTC()
	if usage.Expire > 0 {
		if cur := time.Unix(usage.Expire, 0).UTC(); cur.After(base) {
			base = cur
		}
	}
	newExpire := base.AddDate(0, 0, days)

	upd := marzban.UserUpdate{
		Expire: ptr(newExpire.Unix()),
		Status: ptr(marzban.StatusActive),
	}
	if dataLimit > 0 {
		upd.DataLimit = ptr(dataLimit)
	}
	if _, err := s.panel.UpdateUser(ctx, rec.MarzbanUsername, upd); err != nil {
		return nil, fmt.Errorf("renew %s: %w", rec.MarzbanUsername, err)
	}

	recUpd := RecordUpdate{
		ExpireDate: ptr(newExpire),
		IsActive:   ptr(true),
	}
	if dataLimit > 0 {
		recUpd.DataLimit = ptr(dataLimit)
	}
	if _, err := s.store.UpdateByTelegramID(ctx, telegramID, recUpd); err != nil {
		return nil, fmt.Errorf("record renewal for user %d: %w", telegramID, err)
	}

	s.logger.Infof("renewed user %d (%s) until %s", telegramID, rec.MarzbanUsername, newExpire.Format(time.RFC3339))
	out := &Renewal{Username: rec.MarzbanUsername, ExpireDate: newExpire, DataLimit: rec.DataLimit}
	if dataLimit > 0 {
		out.DataLimit = dataLimit
	}
	return out, nil
}

// Suspend disables the account on the panel and mirrors the flag locally.
func (s *Service) Suspend(ctx context.Context, telegramID int64) error {
	return s.setStatus(ctx, telegramID, marzban.StatusDisabled, false)
}

// Activate re-enables a suspended account.
func (s *Service) Activate(ctx context.Context, telegramID int64) error {
	return s.setStatus(ctx, telegramID, marzban.StatusActive, true)
}

func (s *Service) setStatus(ctx context.Context, telegramID int64, status marzban.Status, active bool) error {
	rec, err := s.store.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return fmt.Errorf("load user %d: %w", telegramID, err)
	}
	if rec == nil {
		return ErrUserNotFound
	}
	if rec.MarzbanUsername == "" {
		return ErrNotLinked
	}

	if _, err := s.panel.UpdateUser(ctx, rec.MarzbanUsername, marzban.UserUpdate{Status: ptr(status)}); err != nil {
		return fmt.Errorf("set status of %s: %w", rec.MarzbanUsername, err)
	}
	if _, err := s.store.UpdateByTelegramID(ctx, telegramID, RecordUpdate{IsActive: ptr(active)}); err != nil {
		return fmt.Errorf("record status of user %d: %w", telegramID, err)
	}
	s.logger.Infof("user %d (%s) status set to %s", telegramID, rec.MarzbanUsername, status)
	return nil
}

// DeleteEverywhere removes the account from the panel best-effort and
// always removes the local record. The panel deletion failing does not
// keep the local record alive: the result reports whether a local record
// existed and was removed.
func (s *Service) DeleteEverywhere(ctx context.Context, telegramID int64) (bool, error) {
	rec, err := s.store.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return false, fmt.Errorf("load user %d: %w", telegramID, err)
	}
	if rec == nil {
		return false, nil
	}

	if rec.MarzbanUsername != "" {
		if !s.panel.DeleteUser(ctx, rec.MarzbanUsername) {
			s.logger.Warnf("panel deletion of %s failed, removing local record anyway", rec.MarzbanUsername)
		}
	}

	deleted, err := s.store.DeleteByTelegramID(ctx, telegramID)
	if err != nil {
		return false, fmt.Errorf("delete local record of user %d: %w", telegramID, err)
	}
	return deleted, nil
}

// SyncUsage pulls the panel state of one linked user into the local
// mirror. It reports success as a bool and never raises: a periodic
// batch caller must not be derailed by one bad record.
func (s *Service) SyncUsage(ctx context.Context, telegramID int64) bool {
	rec, err := s.store.GetByTelegramID(ctx, telegramID)
	if err != nil || rec == nil || rec.MarzbanUsername == "" {
		return false
	}

	usage, err := s.panel.GetUsage(ctx, rec.MarzbanUsername)
	if err != nil {
		s.logger.Warnf("sync usage of %s: %v", rec.MarzbanUsername, err)
		return false
	}

	upd := RecordUpdate{
		UsedTraffic: ptr(usage.UsedTraffic),
		IsActive:    ptr(usage.Status == marzban.StatusActive),
	}
	if usage.Expire > 0 {
		upd.ExpireDate = ptr(time.Unix(usage.Expire, 0).UTC())
	}
	if _, err := s.store.UpdateByTelegramID(ctx, telegramID, upd); err != nil {
		s.logger.Warnf("store usage of user %d: %v", telegramID, err)
		return false
	}
	return true
}

// reconcileListLimit bounds the panel listing during bootstrap.
const reconcileListLimit = 1000

// ReconcileOrphans rebuilds local records from panel accounts after a
// lost or fresh database. It only runs against an empty store; with any
// local records present it is a no-op. Panel accounts whose names do not
// parse as generated usernames are skipped. Returns the number of
// records created.
func (s *Service) ReconcileOrphans(ctx context.Context) (int, error) {
	count, err := s.store.CountAll(ctx, false)
	if err != nil {
		return 0, fmt.Errorf("count local records: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	users, err := s.panel.ListUsers(ctx, reconcileListLimit)
	if err != nil {
		return 0, fmt.Errorf("list panel users: %w", err)
	}

	created := 0
	for _, u := range users {
		telegramID, ok := TelegramIDFromUsername(u.Username)
		if !ok {
			continue
		}
		existing, err := s.store.GetByTelegramID(ctx, telegramID)
		if err != nil {
			return created, fmt.Errorf("check user %d: %w", telegramID, err)
		}
		if existing != nil {
			continue
		}

		rec := &Record{
			TelegramID:      telegramID,
			MarzbanUsername: u.Username,
			SubscriptionURL: u.SubscriptionURL,
			IsActive:        u.Status == marzban.StatusActive,
			DataLimit:       u.DataLimit,
			UsedTraffic:     u.UsedTraffic,
			TrialUsed:       true,
		}
		if u.Expire > 0 {
			rec.ExpireDate = time.Unix(u.Expire, 0).UTC()
		}
		if err := s.store.Create(ctx, rec); err != nil {
			return created, fmt.Errorf("restore record of user %d: %w", telegramID, err)
		}
		created++
	}

	if created > 0 {
		s.logger.Infof("reconciled %d orphaned panel accounts into the local store", created)
	}
	return created, nil
}

// ListExpiring returns active records whose expiry falls within days
// from now, for the notification worker.
func (s *Service) ListExpiring(ctx context.Context, days int) ([]Record, error) {
	recs, err := s.store.ListAll(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list active records: %w", err)
	}

	now := s.now().UTC()
	cutoff := now.AddDate(0, 0, days)
	var out []Record
	for _, r := range recs {
		if r.ExpireDate.IsZero() {
			continue
		}
		if r.ExpireDate.After(now) && !r.ExpireDate.After(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Info is the /status view of a subscription, refreshed from the panel
// when the account is linked.
type Info struct {
	Record Record
	Usage  *marzban.Usage
}

// Info returns the stored record plus, when linked, fresh panel usage.
// A panel failure degrades to the stored snapshot instead of erroring.
func (s *Service) Info(ctx context.Context, telegramID int64) (*Info, error) {
	rec, err := s.store.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", telegramID, err)
	}
	if rec == nil {
		return nil, ErrUserNotFound
	}

	info := &Info{Record: *rec}
	if rec.MarzbanUsername != "" {
		if usage, err := s.panel.GetUsage(ctx, rec.MarzbanUsername); err == nil {
			info.Usage = usage
		} else {
			s.logger.Warnf("fetch usage of %s: %v", rec.MarzbanUsername, err)
		}
	}
	return info, nil
}

func ptr[T any](v T) *T { return &v }
