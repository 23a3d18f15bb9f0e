package invite

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/entl/backend/internal/devices"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/ledger"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type sequenceIDs struct {
	next int
}

func (g *sequenceIDs) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("tx-%d", g.next), nil
}

func scriptedTokens(tokens ...string) TokenSource {
	index := 0
	return func() (string, error) {
		if index >= len(tokens) {
			return "", errors.New("exhausted tokens")
		}
		token := tokens[index]
		index++
		return token, nil
	}
}

func newTestService(t *testing.T, tokens TokenSource) (*Service, *ledger.Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:entl_invite_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(append(ledger.Models(), Models()...)...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000000, 0).UTC() }
	ledgerService, err := ledger.NewService(ledger.ServiceConfig{Database: db, Clock: clock, IDProvider: &sequenceIDs{}})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Ledger: ledgerService, Clock: clock, TokenSource: tokens})
	if err != nil {
		t.Fatalf("failed to construct invite service: %v", err)
	}
	return service, ledgerService, db
}

func mustDeviceID(t *testing.T, value string) devices.ID {
	t.Helper()
	id, err := devices.NewID(value)
	if err != nil {
		t.Fatalf("unexpected device id error: %v", err)
	}
	return id
}

func totalFor(t *testing.T, ledgerService *ledger.Service, deviceID devices.ID) int64 {
	t.Helper()
	balance, err := ledgerService.CheckBalance(context.Background(), deviceID)
	if err != nil {
		t.Fatalf("unexpected check error: %v", err)
	}
	return balance.TotalCount
}

func TestUUIDTokenSourceFormat(t *testing.T) {
	token, err := UUIDTokenSource()
	if err != nil {
		t.Fatalf("unexpected token error: %v", err)
	}
	if !regexp.MustCompile(`^[0-9A-F]{8}$`).MatchString(token) {
		t.Fatalf("unexpected token %q", token)
	}
}

func TestGenerateRetriesOnCollision(t *testing.T) {
	service, _, _ := newTestService(t, scriptedTokens("abc12345", "ABC12345", "DEF67890"))
	ctx := context.Background()

	first, err := service.Generate(ctx, GenerateRequest{DeviceID: mustDeviceID(t, "D1"), IPAddress: "198.51.100.4"})
	if err != nil {
		t.Fatalf("unexpected generate error: %v", err)
	}
	if first.Code != "INV-ABC12345" || first.CreatorIP != "198.51.100.4" || first.UsedCount != 0 {
		t.Fatalf("unexpected invite code %#v", first)
	}

	second, err := service.Generate(ctx, GenerateRequest{DeviceID: mustDeviceID(t, "D1")})
	if err != nil {
		t.Fatalf("unexpected generate error: %v", err)
	}
	if second.Code != "INV-DEF67890" {
		t.Fatalf("expected retry to produce a fresh code, got %s", second.Code)
	}
}

func TestRedeemRewardsBothParties(t *testing.T) {
	service, ledgerService, db := newTestService(t, scriptedTokens("ABC12345"))
	ctx := context.Background()
	creator := mustDeviceID(t, "D1")
	redeemer := mustDeviceID(t, "D2")

	if totalFor(t, ledgerService, creator) != 3 {
		t.Fatalf("expected fresh creator to hold 3 credits")
	}
	code, err := service.Generate(ctx, GenerateRequest{DeviceID: creator})
	if err != nil {
		t.Fatalf("unexpected generate error: %v", err)
	}

	result, err := service.Redeem(ctx, RedeemRequest{DeviceID: redeemer, Code: "inv-abc12345", Fingerprint: "fp-2"})
	if err != nil {
		t.Fatalf("unexpected redeem error: %v", err)
	}
	if result.RewardCount != 3 || !result.CreatorRewarded || result.CreatorDeviceID != creator {
		t.Fatalf("unexpected redeem result %#v", result)
	}
	if result.Balance.FreeCount != 6 || result.CreatorBalance.FreeCount != 6 {
		t.Fatalf("expected both parties to gain 3 credits, got %#v", result)
	}
	if totalFor(t, ledgerService, creator) != 6 || totalFor(t, ledgerService, redeemer) != 6 {
		t.Fatalf("expected recomputed totals of 6")
	}

	_, err = service.Redeem(ctx, RedeemRequest{DeviceID: redeemer, Code: code.Code, Fingerprint: "fp-2"})
	if !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("expected already used, got %v", err)
	}

	var stored Code
	if err := db.Where("code = ?", code.Code).Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload code: %v", err)
	}
	if stored.UsedCount != 1 {
		t.Fatalf("expected used count 1 after failed retry, got %d", stored.UsedCount)
	}
	if totalFor(t, ledgerService, redeemer) != 6 {
		t.Fatalf("failed redemption must not grant credits")
	}
}

func TestRedeemKeepsRedeemerRewardWhenCreatorGrantFails(t *testing.T) {
	_, ledgerService, db := newTestService(t, nil)
	core, logs := observer.New(zap.ErrorLevel)
	service, err := NewService(ServiceConfig{
		Database:    db,
		Ledger:      ledgerService,
		Clock:       func() time.Time { return time.Unix(1700000000, 0).UTC() },
		TokenSource: scriptedTokens("FAIL0001"),
		Logger:      zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to construct invite service: %v", err)
	}
	ctx := context.Background()
	creator := mustDeviceID(t, "D1")
	redeemer := mustDeviceID(t, "D2")

	code, err := service.Generate(ctx, GenerateRequest{DeviceID: creator})
	if err != nil {
		t.Fatalf("unexpected generate error: %v", err)
	}

	// The redeemer's grant is the first free-pool update; every later one fails.
	freeUpdates := 0
	err = db.Callback().Update().Before("gorm:update").Register("test:fail_creator_grant", func(tx *gorm.DB) {
		if tx.Statement.Table != "device_free_usage" {
			return
		}
		freeUpdates++
		if freeUpdates > 1 {
			tx.AddError(errors.New("free pool unavailable"))
		}
	})
	if err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}

	result, err := service.Redeem(ctx, RedeemRequest{DeviceID: redeemer, Code: code.Code, Fingerprint: "fp-2"})
	if err != nil {
		t.Fatalf("creator grant failure must not fail the redemption: %v", err)
	}
	if result.CreatorRewarded || result.CreatorDeviceID != creator {
		t.Fatalf("expected unrewarded creator to be reported, got %#v", result)
	}
	if result.RewardCount != 3 || result.Balance.FreeCount != 6 {
		t.Fatalf("expected redeemer to keep the reward, got %#v", result)
	}

	if err := db.Callback().Update().Remove("test:fail_creator_grant"); err != nil {
		t.Fatalf("failed to remove callback: %v", err)
	}
	if totalFor(t, ledgerService, redeemer) != 6 {
		t.Fatalf("expected redeemer total of 6 to persist")
	}
	if totalFor(t, ledgerService, creator) != 3 {
		t.Fatalf("expected creator total to stay at 3")
	}

	var stored Code
	if err := db.Where("code = ?", code.Code).Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload code: %v", err)
	}
	if stored.UsedCount != 1 {
		t.Fatalf("expected used count 1, got %d", stored.UsedCount)
	}

	failures := logs.FilterField(zap.String("reason", "grant_failed")).All()
	if len(failures) != 1 || failures[0].ContextMap()["creator_device_id"] != "D1" {
		t.Fatalf("expected one logged creator grant failure, got %#v", logs.All())
	}
}

func TestRedeemRejectsSelfInvite(t *testing.T) {
	service, ledgerService, db := newTestService(t, scriptedTokens("ABC12345"))
	ctx := context.Background()
	creator := mustDeviceID(t, "D1")

	code, err := service.Generate(ctx, GenerateRequest{DeviceID: creator})
	if err != nil {
		t.Fatalf("unexpected generate error: %v", err)
	}
	_, err = service.Redeem(ctx, RedeemRequest{DeviceID: creator, Code: code.Code, Fingerprint: "fp-1"})
	if !errors.Is(err, ErrSelfInvite) {
		t.Fatalf("expected self invite rejection, got %v", err)
	}

	var usages int64
	db.Model(&Usage{}).Count(&usages)
	if usages != 0 {
		t.Fatalf("expected no usage rows, got %d", usages)
	}
	if totalFor(t, ledgerService, creator) != 3 {
		t.Fatalf("self invite must not grant credits")
	}
}

func TestRedeemRejectsFingerprintCollision(t *testing.T) {
	service, ledgerService, _ := newTestService(t, scriptedTokens("ABC12345"))
	ctx := context.Background()

	code, err := service.Generate(ctx, GenerateRequest{DeviceID: mustDeviceID(t, "D1")})
	if err != nil {
		t.Fatalf("unexpected generate error: %v", err)
	}
	if _, err := service.Redeem(ctx, RedeemRequest{DeviceID: mustDeviceID(t, "D2"), Code: code.Code, Fingerprint: "shared"}); err != nil {
		t.Fatalf("unexpected redeem error: %v", err)
	}

	farm := mustDeviceID(t, "D3")
	_, err = service.Redeem(ctx, RedeemRequest{DeviceID: farm, Code: code.Code, Fingerprint: "shared"})
	if !errors.Is(err, ErrFingerprintCollision) {
		t.Fatalf("expected fingerprint collision, got %v", err)
	}
	if totalFor(t, ledgerService, farm) != 3 {
		t.Fatalf("collision must not grant credits")
	}

	if _, err := service.Redeem(ctx, RedeemRequest{DeviceID: farm, Code: code.Code, Fingerprint: "distinct"}); err != nil {
		t.Fatalf("expected distinct fingerprint to redeem: %v", err)
	}
}

func TestRedeemUnknownCode(t *testing.T) {
	service, _, _ := newTestService(t, nil)
	_, err := service.Redeem(context.Background(), RedeemRequest{DeviceID: mustDeviceID(t, "D2"), Code: "INV-NOPE0000"})
	if !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected code not found, got %v", err)
	}
	_, err = service.Redeem(context.Background(), RedeemRequest{DeviceID: mustDeviceID(t, "D2"), Code: "  "})
	if !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected blank code to be not found, got %v", err)
	}
}
