package database

import (
	"testing"
	"time"

	"group_buy/internal/model"

	"gorm.io/driver/sqlite"
)

func TestOpenMigratesAndEnforcesUniqueParticipant(t *testing.T) {
	db, err := Open(sqlite.Open(":memory:"), true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for _, table := range []string{"products", "groups", "group_participants", "orders"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %s to exist", table)
		}
	}

	p := model.GroupParticipant{ID: "p1", GroupID: "g1", UserID: "u1", JoinedAt: time.Now().UTC()}
	if err := db.Create(&p).Error; err != nil {
		t.Fatalf("first insert: %v", err)
	}
	dup := model.GroupParticipant{ID: "p2", GroupID: "g1", UserID: "u1", JoinedAt: time.Now().UTC()}
	if err := db.Create(&dup).Error; err == nil {
		t.Fatalf("expected unique violation for duplicate (group_id, user_id)")
	}
}
