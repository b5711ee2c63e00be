package groupbuy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"group_buy/internal/database"
	"group_buy/internal/model"
	"group_buy/internal/store"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var fixedNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	db    *gorm.DB
	store *store.GroupStore
	coord *Coordinator
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(sqlite.Open(":memory:"), true)
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	clock := func() time.Time { return fixedNow }
	s := store.New(db).WithClock(clock)
	return &testEnv{
		db:    db,
		store: s,
		coord: NewCoordinator(s, time.Second).WithClock(clock),
	}
}

func (e *testEnv) seedGroup(t *testing.T, required, current int, status model.GroupStatus) model.Group {
	t.Helper()
	p := model.Product{Title: "Air fryer", Price: 150000, GroupPrice: 99000}
	if err := e.store.CreateProduct(context.Background(), &p); err != nil {
		t.Fatalf("create product: %v", err)
	}
	g := model.Group{
		ProductID:     p.ID,
		LeaderID:      uuid.NewString(),
		RequiredCount: required,
		CurrentCount:  current,
		Status:        status,
		ExpiresAt:     fixedNow.Add(time.Hour),
	}
	if err := e.store.CreateGroup(context.Background(), &g); err != nil {
		t.Fatalf("create group: %v", err)
	}
	return g
}

func (e *testEnv) group(t *testing.T, id string) model.Group {
	t.Helper()
	g, err := e.store.GetGroup(context.Background(), id)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	return g
}

func TestJoinTwoUsersRaceForLastSlot(t *testing.T) {
	env := setupTestEnv(t)
	g := env.seedGroup(t, 3, 2, model.GroupOpen)

	a, b := uuid.NewString(), uuid.NewString()
	var wg sync.WaitGroup
	errs := make(map[string]error)
	var mu sync.Mutex
	for _, u := range []string{a, b} {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			_, err := env.coord.Join(context.Background(), g.ID, u)
			mu.Lock()
			errs[u] = err
			mu.Unlock()
		}(u)
	}
	wg.Wait()

	ok, full := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrGroupFull):
			full++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || full != 1 {
		t.Fatalf("expected one success and one GroupFull, got %d/%d", ok, full)
	}
	got := env.group(t, g.ID)
	if got.CurrentCount != 3 || got.Status != model.GroupCompleted {
		t.Fatalf("expected 3/3 completed, got %d %s", got.CurrentCount, got.Status)
	}
}

func TestJoinExistingMemberIsAlreadyJoined(t *testing.T) {
	env := setupTestEnv(t)
	g := env.seedGroup(t, 5, 0, model.GroupOpen)
	u := uuid.NewString()

	if _, err := env.coord.Join(context.Background(), g.ID, u); err != nil {
		t.Fatalf("first join: %v", err)
	}
	_, err := env.coord.Join(context.Background(), g.ID, u)
	if !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}
	if got := env.group(t, g.ID).CurrentCount; got != 1 {
		t.Fatalf("expected current_count to stay 1, got %d", got)
	}
}

func TestJoinCompletedGroupIsClosed(t *testing.T) {
	env := setupTestEnv(t)
	g := env.seedGroup(t, 2, 2, model.GroupCompleted)
	earlier := fixedNow.Add(-10 * time.Minute)
	if err := env.db.Model(&model.Group{}).Where("id = ?", g.ID).Update("completed_at", earlier).Error; err != nil {
		t.Fatalf("set completed_at: %v", err)
	}

	_, err := env.coord.Join(context.Background(), g.ID, uuid.NewString())
	if !errors.Is(err, ErrGroupClosed) {
		t.Fatalf("expected ErrGroupClosed, got %v", err)
	}
	got := env.group(t, g.ID)
	if got.CurrentCount != 2 || got.Status != model.GroupCompleted {
		t.Fatalf("completed group mutated: %+v", got)
	}
}

func TestJoinAfterExpiryIsExpired(t *testing.T) {
	env := setupTestEnv(t)
	g := env.seedGroup(t, 4, 1, model.GroupOpen)
	if err := env.db.Model(&model.Group{}).Where("id = ?", g.ID).Update("expires_at", fixedNow.Add(-time.Second)).Error; err != nil {
		t.Fatalf("set expires_at: %v", err)
	}

	_, err := env.coord.Join(context.Background(), g.ID, uuid.NewString())
	if !errors.Is(err, ErrGroupExpired) {
		t.Fatalf("expected ErrGroupExpired, got %v", err)
	}
	if got := env.group(t, g.ID).CurrentCount; got != 1 {
		t.Fatalf("expected current_count 1, got %d", got)
	}
}

func TestJoinInputValidation(t *testing.T) {
	env := setupTestEnv(t)

	tests := []struct {
		name    string
		groupID string
		userID  string
		want    error
	}{
		{name: "missing identity", groupID: uuid.NewString(), userID: "", want: ErrUnauthenticated},
		{name: "malformed identity", groupID: uuid.NewString(), userID: "anonymous", want: ErrUnauthenticated},
		{name: "malformed group id", groupID: "not-a-uuid", userID: uuid.NewString(), want: ErrInvalidInput},
		{name: "unknown group", groupID: uuid.NewString(), userID: uuid.NewString(), want: ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.coord.Join(context.Background(), tt.groupID, tt.userID)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

type blockingStore struct{}

func (blockingStore) Join(ctx context.Context, _, _ string, _ time.Time) (store.JoinOutcome, error) {
	<-ctx.Done()
	return store.JoinOutcome{}, ctx.Err()
}

func (blockingStore) CreateGroup(context.Context, *model.Group) error { return errors.New("db down") }

func (blockingStore) GetProduct(context.Context, string) (model.Product, error) {
	return model.Product{}, nil
}

func TestJoinTimeoutIsStoreUnavailable(t *testing.T) {
	coord := NewCoordinator(blockingStore{}, 20*time.Millisecond)

	_, err := coord.Join(context.Background(), uuid.NewString(), uuid.NewString())
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the deadline cause to be kept, got %v", err)
	}
	if !Retryable(err) {
		t.Fatalf("store failures must be retryable")
	}
	if Reason(err) != "store_unavailable" {
		t.Fatalf("unexpected reason %q", Reason(err))
	}
}

func TestCreateGroup(t *testing.T) {
	env := setupTestEnv(t)
	p := model.Product{Title: "Blender", Price: 50000, GroupPrice: 35000}
	if err := env.store.CreateProduct(context.Background(), &p); err != nil {
		t.Fatalf("create product: %v", err)
	}
	leader := uuid.NewString()

	g, err := env.coord.Create(context.Background(), CreateGroupRequest{
		ProductID:     p.ID,
		RequiredCount: 4,
		ExpiresAt:     fixedNow.Add(48 * time.Hour),
	}, leader)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if g.Status != model.GroupOpen || g.CurrentCount != 0 || g.LeaderID != leader || g.ID == "" {
		t.Fatalf("unexpected group %+v", g)
	}

	stored := env.group(t, g.ID)
	if stored.RequiredCount != 4 || stored.ProductID != p.ID {
		t.Fatalf("unexpected stored group %+v", stored)
	}
}

func TestCreateGroupRejections(t *testing.T) {
	env := setupTestEnv(t)
	p := model.Product{Title: "Kettle", Price: 30000, GroupPrice: 20000}
	if err := env.store.CreateProduct(context.Background(), &p); err != nil {
		t.Fatalf("create product: %v", err)
	}
	future := fixedNow.Add(time.Hour)

	tests := []struct {
		name   string
		req    CreateGroupRequest
		leader string
		want   error
	}{
		{name: "no leader", req: CreateGroupRequest{ProductID: p.ID, RequiredCount: 2, ExpiresAt: future}, leader: "", want: ErrUnauthenticated},
		{name: "malformed leader", req: CreateGroupRequest{ProductID: p.ID, RequiredCount: 2, ExpiresAt: future}, leader: "leader-1", want: ErrUnauthenticated},
		{name: "zero capacity", req: CreateGroupRequest{ProductID: p.ID, RequiredCount: 0, ExpiresAt: future}, leader: uuid.NewString(), want: ErrInvalidInput},
		{name: "capacity too large", req: CreateGroupRequest{ProductID: p.ID, RequiredCount: MaxRequiredCount + 1, ExpiresAt: future}, leader: uuid.NewString(), want: ErrInvalidInput},
		{name: "expiry in the past", req: CreateGroupRequest{ProductID: p.ID, RequiredCount: 2, ExpiresAt: fixedNow}, leader: uuid.NewString(), want: ErrInvalidInput},
		{name: "malformed product", req: CreateGroupRequest{ProductID: "p-1", RequiredCount: 2, ExpiresAt: future}, leader: uuid.NewString(), want: ErrInvalidInput},
		{name: "unknown product", req: CreateGroupRequest{ProductID: uuid.NewString(), RequiredCount: 2, ExpiresAt: future}, leader: uuid.NewString(), want: ErrProductNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.coord.Create(context.Background(), tt.req, tt.leader)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: ErrUnauthenticated, want: "unauthenticated"},
		{err: ErrNotFound, want: "not_found"},
		{err: ErrAlreadyJoined, want: "already_joined"},
		{err: ErrGroupFull, want: "group_full"},
		{err: ErrGroupClosed, want: "group_closed"},
		{err: ErrGroupExpired, want: "group_expired"},
		{err: ErrInvalidInput, want: "invalid_input"},
		{err: errors.New("boom"), want: "store_unavailable"},
	}
	for _, tt := range tests {
		if got := Reason(tt.err); got != tt.want {
			t.Errorf("Reason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
