package stats

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/entl/backend/internal/activation"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/invite"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/orders"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const nowSeconds = 1700000000

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:entl_stats_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	models := append(ledger.Models(), activation.Models()...)
	models = append(models, invite.Models()...)
	models = append(models, &orders.Order{})
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func insertAll(t *testing.T, db *gorm.DB, rows ...interface{}) {
	t.Helper()
	for _, row := range rows {
		if err := db.Create(row).Error; err != nil {
			t.Fatalf("failed to insert %T: %v", row, err)
		}
	}
}

func usage(id, device, code string, at int64) *ledger.UsageRecord {
	pool := ledger.PoolFree
	if code != "" {
		pool = ledger.PoolActivation
	}
	return &ledger.UsageRecord{TransactionID: id, DeviceID: device, UsedFrom: pool, ActivationCode: code, CreatedAtSeconds: at}
}

func TestCollectAggregatesTables(t *testing.T) {
	db := newTestDatabase(t)
	old := int64(nowSeconds - 8*24*60*60)

	insertAll(t, db,
		&activation.Code{Code: "AAAA-AAAA-AAAA", Type: activation.CodeTypePaid, InitialCount: 10, CreatedAtSeconds: 1},
		&activation.Code{Code: "BBBB-BBBB-BBBB", Type: activation.CodeTypePaid, InitialCount: 10, CreatedAtSeconds: 2},
		&activation.Code{Code: "CCCC-CCCC-CCCC", Type: activation.CodeTypeFree, InitialCount: 5, CreatedAtSeconds: 3},
		&invite.Code{Code: "INV-11111111", CreatorDeviceID: "D1", UsedCount: 2, CreatedAtSeconds: 1},
		&invite.Code{Code: "INV-22222222", CreatorDeviceID: "D2", UsedCount: 1, CreatedAtSeconds: 2},
		&invite.Usage{DeviceID: "D2", InviteCode: "INV-11111111", Fingerprint: "f2", UsedAtSeconds: 1},
		&invite.Usage{DeviceID: "D3", InviteCode: "INV-22222222", Fingerprint: "f3", UsedAtSeconds: 2},
		&invite.Usage{DeviceID: "D3", InviteCode: "INV-11111111", Fingerprint: "f3", UsedAtSeconds: 3},
		usage("t1", "D1", "", old),
		usage("t2", "D1", "BBBB-BBBB-BBBB", nowSeconds),
		usage("t3", "D2", "AAAA-AAAA-AAAA", nowSeconds),
		usage("t4", "D2", "BBBB-BBBB-BBBB", nowSeconds),
		usage("t5", "D3", "AAAA-AAAA-AAAA", nowSeconds),
		&orders.Order{ID: "01", ExternalOrderID: "e1", CustomerEmail: "a@b", ProductName: "p", Currency: "USD", Status: orders.StatusPending},
		&orders.Order{ID: "02", ExternalOrderID: "e2", CustomerEmail: "a@b", ProductName: "p", Currency: "USD", Status: orders.StatusCompleted},
	)

	service, err := NewService(ServiceConfig{Database: db, Clock: func() time.Time { return time.Unix(nowSeconds, 0) }})
	if err != nil {
		t.Fatalf("failed to construct stats service: %v", err)
	}
	snapshot, err := service.Collect(context.Background())
	if err != nil {
		t.Fatalf("unexpected collect error: %v", err)
	}

	if snapshot.TotalUsage != 5 || snapshot.TotalDevices != 3 || snapshot.UsageLast7Days != 4 {
		t.Fatalf("unexpected usage totals %#v", snapshot)
	}
	if snapshot.ActivationTotal != 3 || snapshot.ActivationFree != 1 || snapshot.ActivationPaid != 2 {
		t.Fatalf("unexpected activation counts %#v", snapshot)
	}
	if snapshot.InviteTotal != 2 || snapshot.InviteTotalUsed != 3 {
		t.Fatalf("unexpected invite counts %#v", snapshot)
	}
	if snapshot.PendingOrders != 1 {
		t.Fatalf("expected one pending order, got %d", snapshot.PendingOrders)
	}

	if len(snapshot.TopActivationCodes) != 2 {
		t.Fatalf("expected two activation codes in the top table, got %#v", snapshot.TopActivationCodes)
	}
	// Both codes have two uses; BBBB appeared first in the usage log.
	first := snapshot.TopActivationCodes[0]
	if first.Code != "BBBB-BBBB-BBBB" || first.UsageCount != 2 || first.DeviceCount != 2 {
		t.Fatalf("unexpected top activation row %#v", first)
	}
	if snapshot.TopActivationCodes[1].Code != "AAAA-AAAA-AAAA" {
		t.Fatalf("unexpected tie-break order %#v", snapshot.TopActivationCodes)
	}

	if len(snapshot.TopInviteCodes) != 2 || snapshot.TopInviteCodes[0].Code != "INV-11111111" || snapshot.TopInviteCodes[0].UsageCount != 2 {
		t.Fatalf("unexpected top invite codes %#v", snapshot.TopInviteCodes)
	}
}

func TestCollectOnEmptyDatabase(t *testing.T) {
	db := newTestDatabase(t)
	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct stats service: %v", err)
	}
	snapshot, err := service.Collect(context.Background())
	if err != nil {
		t.Fatalf("unexpected collect error: %v", err)
	}
	if snapshot.TotalUsage != 0 || snapshot.TopActivationCodes == nil || len(snapshot.TopInviteCodes) != 0 {
		t.Fatalf("unexpected empty snapshot %#v", snapshot)
	}
}
