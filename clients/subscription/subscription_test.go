package subscription

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veselovd/marzbot/clients/marzban"
)

// fakeStore keeps records in a map, mimicking the sqlite store contract:
// absent user is (nil, nil).
type fakeStore struct {
	recs    map[int64]*Record
	failAll bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{recs: map[int64]*Record{}}
}

func (f *fakeStore) GetByTelegramID(_ context.Context, id int64) (*Record, error) {
	if f.failAll {
		return nil, errors.New("store down")
	}
	r, ok := f.recs[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) Create(_ context.Context, rec *Record) error {
	if f.failAll {
		return errors.New("store down")
	}
	cp := *rec
	f.recs[rec.TelegramID] = &cp
	return nil
}

func (f *fakeStore) UpdateByTelegramID(_ context.Context, id int64, upd RecordUpdate) (bool, error) {
	if f.failAll {
		return false, errors.New("store down")
	}
	r, ok := f.recs[id]
	if !ok {
		return false, nil
	}
	if upd.Username != nil {
		r.Username = *upd.Username
	}
	if upd.FirstName != nil {
		r.FirstName = *upd.FirstName
	}
	if upd.MarzbanUsername != nil {
		r.MarzbanUsername = *upd.MarzbanUsername
	}
	if upd.SubscriptionURL != nil {
		r.SubscriptionURL = *upd.SubscriptionURL
	}
	if upd.IsActive != nil {
		r.IsActive = *upd.IsActive
	}
	if upd.DataLimit != nil {
		r.DataLimit = *upd.DataLimit
	}
	if upd.ExpireDate != nil {
		r.ExpireDate = *upd.ExpireDate
	}
	if upd.UsedTraffic != nil {
		r.UsedTraffic = *upd.UsedTraffic
	}
	if upd.TrialUsed != nil {
		r.TrialUsed = *upd.TrialUsed
	}
	return true, nil
}

func (f *fakeStore) DeleteByTelegramID(_ context.Context, id int64) (bool, error) {
	_, ok := f.recs[id]
	delete(f.recs, id)
	return ok, nil
}

func (f *fakeStore) ListAll(_ context.Context, activeOnly bool) ([]Record, error) {
	var out []Record
	for _, r := range f.recs {
		if activeOnly && !r.IsActive {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeStore) CountAll(_ context.Context, activeOnly bool) (int, error) {
	recs, _ := f.ListAll(context.Background(), activeOnly)
	return len(recs), nil
}

// fakePanel mimics the Marzban client surface.
type fakePanel struct {
	users      map[string]*marzban.User
	failUsage  bool
	failDelete bool
	listErr    error
}

func newFakePanel() *fakePanel {
	return &fakePanel{users: map[string]*marzban.User{}}
}

func (f *fakePanel) CreateUser(_ context.Context, username string, dataLimit int64, expireDays int) (*marzban.User, error) {
	u := &marzban.User{
		Username:        username,
		DataLimit:       dataLimit,
		Expire:          time.Now().UTC().AddDate(0, 0, expireDays).Unix(),
		Status:          marzban.StatusActive,
		SubscriptionURL: "https://panel.example/sub/" + username,
	}
	f.users[username] = u
	return u, nil
}

func (f *fakePanel) GetUsage(_ context.Context, username string) (*marzban.Usage, error) {
	if f.failUsage {
		return nil, errors.New("panel down")
	}
	u, ok := f.users[username]
	if !ok {
		return nil, &marzban.APIError{StatusCode: 404, Method: "GET", Endpoint: "/api/user/" + username}
	}
	return &marzban.Usage{UsedTraffic: u.UsedTraffic, DataLimit: u.DataLimit, Expire: u.Expire, Status: u.Status}, nil
}

func (f *fakePanel) UpdateUser(_ context.Context, username string, upd marzban.UserUpdate) (*marzban.User, error) {
	u, ok := f.users[username]
	if !ok {
		return nil, &marzban.APIError{StatusCode: 404, Method: "PUT", Endpoint: "/api/user/" + username}
	}
	if upd.DataLimit != nil {
		u.DataLimit = *upd.DataLimit
	}
	if upd.Expire != nil {
		u.Expire = *upd.Expire
	}
	if upd.Status != nil {
		u.Status = *upd.Status
	}
	return u, nil
}

func (f *fakePanel) DeleteUser(_ context.Context, username string) bool {
	if f.failDelete {
		return false
	}
	_, ok := f.users[username]
	delete(f.users, username)
	return ok
}

func (f *fakePanel) ListUsers(_ context.Context, _ int) ([]marzban.User, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []marzban.User
	for _, u := range f.users {
		out = append(out, *u)
	}
	return out, nil
}

const gib = int64(1 << 30)

func newTestService(store *fakeStore, panel *fakePanel) *Service {
	return New(store, panel, Config{TrialDataLimit: 5 * gib, TrialExpireDays: 3}, nil)
}

func TestGenerateUsernameRoundTrip(t *testing.T) {
	now := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC) // unix 1700000000
	name := GenerateUsername(555, now)
	assert.Equal(t, "user_555_1700000000", name)

	id, ok := TelegramIDFromUsername(name)
	require.True(t, ok)
	assert.Equal(t, int64(555), id)
}

func TestTelegramIDFromUsernameRejectsForeign(t *testing.T) {
	for _, name := range []string{
		"manual_account",
		"user_abc_1700000000",
		"user_555",
		"user_555_170_extra",
		"user_-5_1700000000",
		"",
	} {
		_, ok := TelegramIDFromUsername(name)
		assert.False(t, ok, name)
	}
}

func TestIssueTrial(t *testing.T) {
	store := newFakeStore()
	panel := newFakePanel()
	svc := newTestService(store, panel)
	store.recs[100] = &Record{TelegramID: 100}

	grant, err := svc.IssueTrial(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, int64(5*gib), grant.DataLimit)
	assert.Equal(t, 3, grant.ExpireDays)
	assert.NotEmpty(t, grant.SubscriptionURL)

	id, ok := TelegramIDFromUsername(grant.Username)
	require.True(t, ok)
	assert.Equal(t, int64(100), id)

	rec := store.recs[100]
	assert.True(t, rec.TrialUsed)
	assert.True(t, rec.IsActive)
	assert.Equal(t, grant.Username, rec.MarzbanUsername)
	assert.Equal(t, grant.SubscriptionURL, rec.SubscriptionURL)

	// аккаунт реально создан в панели
	assert.Contains(t, panel.users, grant.Username)
}

func TestIssueTrialGuards(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, newFakePanel())
	ctx := context.Background()

	_, err := svc.IssueTrial(ctx, 1)
	assert.ErrorIs(t, err, ErrUserNotFound)

	store.recs[2] = &Record{TelegramID: 2, TrialUsed: true}
	_, err = svc.IssueTrial(ctx, 2)
	assert.ErrorIs(t, err, ErrTrialUsed)

	store.recs[3] = &Record{TelegramID: 3, MarzbanUsername: "user_3_1700000000"}
	_, err = svc.IssueTrial(ctx, 3)
	assert.ErrorIs(t, err, ErrAlreadyLinked)
}

func TestRenewExtendsFromCurrentExpiry(t *testing.T) {
	store := newFakeStore()
	panel := newFakePanel()
	svc := newTestService(store, panel)

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	// действующая подписка: до истечения ещё 10 дней
	current := now.AddDate(0, 0, 10)
	store.recs[7] = &Record{TelegramID: 7, MarzbanUsername: "user_7_1700000000", TrialUsed: true}
	panel.users["user_7_1700000000"] = &marzban.User{
		Username: "user_7_1700000000",
		Expire:   current.Unix(),
		Status:   marzban.StatusActive,
	}

	renewal, err := svc.Renew(context.Background(), 7, 30, 100*gib)
	require.NoError(t, err)

	// раннее продление не съедает оплаченные дни
	assert.Equal(t, current.AddDate(0, 0, 30), renewal.ExpireDate)
	assert.Equal(t, renewal.ExpireDate.Unix(), panel.users["user_7_1700000000"].Expire)
	assert.Equal(t, 100*gib, panel.users["user_7_1700000000"].DataLimit)
	assert.Equal(t, renewal.ExpireDate, store.recs[7].ExpireDate)
}

func TestRenewExpiredStartsFromNow(t *testing.T) {
	store := newFakeStore()
	panel := newFakePanel()
	svc := newTestService(store, panel)

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	store.recs[8] = &Record{TelegramID: 8, MarzbanUsername: "user_8_1600000000"}
	panel.users["user_8_1600000000"] = &marzban.User{
		Username: "user_8_1600000000",
		Expire:   now.AddDate(0, 0, -5).Unix(),
		Status:   marzban.StatusDisabled,
	}

	renewal, err := svc.Renew(context.Background(), 8, 30, 0)
	require.NoError(t, err)

	assert.Equal(t, now.AddDate(0, 0, 30), renewal.ExpireDate)
	// продление реактивирует отключённый аккаунт
	assert.Equal(t, marzban.StatusActive, panel.users["user_8_1600000000"].Status)
	assert.True(t, store.recs[8].IsActive)
}

func TestRenewRequiresLink(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, newFakePanel())

	store.recs[9] = &Record{TelegramID: 9}
	_, err := svc.Renew(context.Background(), 9, 30, 0)
	assert.ErrorIs(t, err, ErrNotLinked)
}

func TestSuspendAndActivate(t *testing.T) {
	store := newFakeStore()
	panel := newFakePanel()
	svc := newTestService(store, panel)
	ctx := context.Background()

	store.recs[5] = &Record{TelegramID: 5, MarzbanUsername: "user_5_1700000000", IsActive: true}
	panel.users["user_5_1700000000"] = &marzban.User{Username: "user_5_1700000000", Status: marzban.StatusActive}

	require.NoError(t, svc.Suspend(ctx, 5))
	assert.Equal(t, marzban.StatusDisabled, panel.users["user_5_1700000000"].Status)
	assert.False(t, store.recs[5].IsActive)

	require.NoError(t, svc.Activate(ctx, 5))
	assert.Equal(t, marzban.StatusActive, panel.users["user_5_1700000000"].Status)
	assert.True(t, store.recs[5].IsActive)
}

func TestDeleteEverywhere(t *testing.T) {
	store := newFakeStore()
	panel := newFakePanel()
	svc := newTestService(store, panel)

	store.recs[6] = &Record{TelegramID: 6, MarzbanUsername: "user_6_1700000000"}
	panel.users["user_6_1700000000"] = &marzban.User{Username: "user_6_1700000000"}

	deleted, err := svc.DeleteEverywhere(context.Background(), 6)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.NotContains(t, panel.users, "user_6_1700000000")
	assert.NotContains(t, store.recs, int64(6))
}

func TestDeleteEverywhereSurvivesPanelFailure(t *testing.T) {
	store := newFakeStore()
	panel := newFakePanel()
	panel.failDelete = true
	svc := newTestService(store, panel)

	store.recs[6] = &Record{TelegramID: 6, MarzbanUsername: "user_6_1700000000"}

	// панель недоступна, но локальная запись всё равно удаляется
	deleted, err := svc.DeleteEverywhere(context.Background(), 6)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.NotContains(t, store.recs, int64(6))
}

func TestDeleteEverywhereUnknownUser(t *testing.T) {
	svc := newTestService(newFakeStore(), newFakePanel())
	deleted, err := svc.DeleteEverywhere(context.Background(), 999)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestSyncUsage(t *testing.T) {
	store := newFakeStore()
	panel := newFakePanel()
	svc := newTestService(store, panel)

	expire := time.Now().UTC().AddDate(0, 0, 7).Truncate(time.Second)
	store.recs[4] = &Record{TelegramID: 4, MarzbanUsername: "user_4_1700000000", IsActive: true}
	panel.users["user_4_1700000000"] = &marzban.User{
		Username:    "user_4_1700000000",
		UsedTraffic: 123456789,
		Expire:      expire.Unix(),
		Status:      marzban.StatusDisabled,
	}

	assert.True(t, svc.SyncUsage(context.Background(), 4))

	rec := store.recs[4]
	assert.Equal(t, int64(123456789), rec.UsedTraffic)
	assert.False(t, rec.IsActive, "статус панели зеркалится в is_active")
	assert.Equal(t, expire, rec.ExpireDate)
}

func TestSyncUsageNeverRaises(t *testing.T) {
	store := newFakeStore()
	panel := newFakePanel()
	svc := newTestService(store, panel)
	ctx := context.Background()

	assert.False(t, svc.SyncUsage(ctx, 404), "неизвестный пользователь")

	store.recs[4] = &Record{TelegramID: 4}
	assert.False(t, svc.SyncUsage(ctx, 4), "нет привязки к панели")

	store.recs[5] = &Record{TelegramID: 5, MarzbanUsername: "user_5_1700000000"}
	panel.failUsage = true
	assert.False(t, svc.SyncUsage(ctx, 5), "панель недоступна")
}

func TestReconcileOrphans(t *testing.T) {
	store := newFakeStore()
	panel := newFakePanel()
	svc := newTestService(store, panel)

	panel.users["user_555_1700000000"] = &marzban.User{
		Username:        "user_555_1700000000",
		DataLimit:       10 * gib,
		UsedTraffic:     gib,
		Expire:          time.Now().UTC().AddDate(0, 0, 15).Unix(),
		Status:          marzban.StatusActive,
		SubscriptionURL: "https://panel.example/sub/user_555_1700000000",
	}
	panel.users["manual_account"] = &marzban.User{Username: "manual_account", Status: marzban.StatusActive}

	created, err := svc.ReconcileOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	rec := store.recs[555]
	require.NotNil(t, rec)
	assert.Equal(t, "user_555_1700000000", rec.MarzbanUsername)
	assert.Equal(t, 10*gib, rec.DataLimit)
	assert.True(t, rec.IsActive)
	assert.True(t, rec.TrialUsed, "восстановленный пользователь не получает второй триал")
	assert.NotContains(t, store.recs, int64(0))
}

func TestReconcileOrphansSkipsNonEmptyStore(t *testing.T) {
	store := newFakeStore()
	panel := newFakePanel()
	svc := newTestService(store, panel)

	store.recs[1] = &Record{TelegramID: 1}
	panel.users["user_555_1700000000"] = &marzban.User{Username: "user_555_1700000000"}
	panel.listErr = errors.New("must not be called")

	created, err := svc.ReconcileOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, created)
}

func TestListExpiring(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, newFakePanel())

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	add := func(id int64, active bool, days int) {
		store.recs[id] = &Record{
			TelegramID: id,
			IsActive:   active,
			ExpireDate: now.AddDate(0, 0, days),
		}
	}
	add(1, true, 2)   // скоро истекает
	add(2, true, 10)  // ещё не скоро
	add(3, false, 1)  // не активен
	add(4, true, -1)  // уже истёк
	store.recs[5] = &Record{TelegramID: 5, IsActive: true} // без даты

	out, err := svc.ListExpiring(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(1), out[0].TelegramID)
}

func TestInfoDegradesWithoutPanel(t *testing.T) {
	store := newFakeStore()
	panel := newFakePanel()
	panel.failUsage = true
	svc := newTestService(store, panel)

	store.recs[2] = &Record{TelegramID: 2, MarzbanUsername: "user_2_1700000000", UsedTraffic: 42}

	info, err := svc.Info(context.Background(), 2)
	require.NoError(t, err)
	assert.Nil(t, info.Usage)
	assert.Equal(t, int64(42), info.Record.UsedTraffic)
}

func TestInfoUnknownUser(t *testing.T) {
	svc := newTestService(newFakeStore(), newFakePanel())
	_, err := svc.Info(context.Background(), 1)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestEndToEndTrialThenRenew(t *testing.T) {
	store := newFakeStore()
	panel := newFakePanel()
	svc := newTestService(store, panel)
	ctx := context.Background()

	store.recs[300] = &Record{TelegramID: 300}

	grant, err := svc.IssueTrial(ctx, 300)
	require.NoError(t, err)

	renewal, err := svc.Renew(ctx, 300, 30, 100*gib)
	require.NoError(t, err)

	// продление считается от конца триала, не от текущего момента
	wantMin := grant.ExpireDate.AddDate(0, 0, 30)
	assert.False(t, renewal.ExpireDate.Before(wantMin),
		fmt.Sprintf("expire %s < %s", renewal.ExpireDate, wantMin))
}
