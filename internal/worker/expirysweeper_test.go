package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"group_buy/internal/database"
	"group_buy/internal/model"
	"group_buy/internal/queue"
	"group_buy/internal/store"
	rediskey "group_buy/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
)

type fakeExpirer struct {
	batches [][]model.Group
	err     error
	calls   int
}

func (f *fakeExpirer) FailExpired(context.Context, int) ([]model.Group, error) {
	f.calls++
	if len(f.batches) == 0 {
		return nil, f.err
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

type recordingEvents struct {
	events []queue.GroupEvent
}

func (r *recordingEvents) Publish(_ context.Context, events ...queue.GroupEvent) error {
	r.events = append(r.events, events...)
	return nil
}

func failedGroup(id string) model.Group {
	at := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	return model.Group{ID: id, RequiredCount: 3, CurrentCount: 1, Status: model.GroupFailed, FailedAt: &at}
}

func TestSweepPublishesAndRefreshesSnapshots(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	exp := &fakeExpirer{batches: [][]model.Group{{failedGroup("g1"), failedGroup("g2")}}}
	events := &recordingEvents{}
	w := NewExpirySweeper(exp, rdb, events, zap.NewNop(), time.Minute, time.Hour)

	if n := w.Sweep(context.Background()); n != 2 {
		t.Fatalf("expected 2 groups failed, got %d", n)
	}
	if len(events.events) != 2 || events.events[0].Type != queue.EventGroupFailed {
		t.Fatalf("unexpected events %+v", events.events)
	}
	snap, found, err := rediskey.GetProgress(context.Background(), rdb, "g1")
	if err != nil || !found {
		t.Fatalf("expected snapshot, found=%v err=%v", found, err)
	}
	if snap.Status != "failed" {
		t.Fatalf("expected failed snapshot, got %+v", snap)
	}
	if mr.Exists(rediskey.SweepLockKey()) {
		t.Fatalf("sweep lock should be released after the pass")
	}
}

func TestSweepSkipsWhenAnotherInstanceHoldsLock(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	if err := mr.Set(rediskey.SweepLockKey(), "other-instance"); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	exp := &fakeExpirer{batches: [][]model.Group{{failedGroup("g1")}}}
	w := NewExpirySweeper(exp, rdb, &recordingEvents{}, zap.NewNop(), time.Minute, time.Hour)

	if n := w.Sweep(context.Background()); n != 0 {
		t.Fatalf("expected no work while locked, got %d", n)
	}
	if exp.calls != 0 {
		t.Fatalf("store must not be touched while another instance sweeps")
	}
}

func TestSweepRunsUnlockedWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	exp := &fakeExpirer{batches: [][]model.Group{{failedGroup("g1"), failedGroup("g2")}}}
	events := &recordingEvents{}
	w := NewExpirySweeper(exp, rdb, events, zap.NewNop(), time.Minute, time.Hour)

	if n := w.Sweep(context.Background()); n != 2 {
		t.Fatalf("expected expired groups to be failed during a redis outage, got %d", n)
	}
	if exp.calls != 1 {
		t.Fatalf("expected the store to be swept, got %d calls", exp.calls)
	}
	if len(events.events) != 2 {
		t.Fatalf("expected failed events to still be published, got %d", len(events.events))
	}
}

func TestSweepReconcilesCompletedGroupsWithoutOrders(t *testing.T) {
	db, err := database.Open(sqlite.Open(":memory:"), true)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	s := store.New(db).WithClock(func() time.Time { return now })
	ctx := context.Background()

	prod := model.Product{Title: "Tea set", Price: 20000, GroupPrice: 15000}
	if err := s.CreateProduct(ctx, &prod); err != nil {
		t.Fatalf("create product: %v", err)
	}
	g := model.Group{
		ProductID:     prod.ID,
		LeaderID:      uuid.NewString(),
		RequiredCount: 2,
		Status:        model.GroupOpen,
		ExpiresAt:     now.Add(time.Hour),
	}
	if err := s.CreateGroup(ctx, &g); err != nil {
		t.Fatalf("create group: %v", err)
	}
	// 成团事件从未发出：订单只能靠补单生成
	for i := 0; i < 2; i++ {
		if _, err := s.Join(ctx, g.ID, uuid.NewString(), now); err != nil {
			t.Fatalf("join: %v", err)
		}
	}

	w := NewExpirySweeper(s, nil, nil, zap.NewNop(), time.Minute, time.Hour).WithOrderReconciler(s)
	w.Sweep(ctx)

	var count int64
	if err := db.Model(&model.Order{}).Where("group_id = ?", g.ID).Count(&count).Error; err != nil {
		t.Fatalf("count orders: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 reconciled orders, got %d", count)
	}

	w.Sweep(ctx)
	if err := db.Model(&model.Order{}).Where("group_id = ?", g.ID).Count(&count).Error; err != nil {
		t.Fatalf("count orders: %v", err)
	}
	if count != 2 {
		t.Fatalf("second sweep must not duplicate orders, got %d", count)
	}
}

func TestSweepWithoutRedisDrainsFullBatches(t *testing.T) {
	full := make([]model.Group, sweepBatch)
	for i := range full {
		full[i] = failedGroup("g")
	}
	exp := &fakeExpirer{
		batches: [][]model.Group{full, {failedGroup("tail")}},
		err:     errors.New("unused"),
	}
	events := &recordingEvents{}
	w := NewExpirySweeper(exp, nil, events, zap.NewNop(), time.Minute, time.Hour)

	if n := w.Sweep(context.Background()); n != sweepBatch+1 {
		t.Fatalf("expected %d, got %d", sweepBatch+1, n)
	}
	if exp.calls != 2 {
		t.Fatalf("expected 2 store calls, got %d", exp.calls)
	}
}

func TestStartStop(t *testing.T) {
	w := NewExpirySweeper(&fakeExpirer{}, nil, nil, zap.NewNop(), 10*time.Millisecond, time.Hour)
	w.Start()
	time.Sleep(30 * time.Millisecond)
	w.Stop()
}
