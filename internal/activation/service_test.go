package activation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/entl/backend/internal/devices"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/ledger"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

var codePattern = regexp.MustCompile(`^[A-HJ-NP-Z2-9]{4}-[A-HJ-NP-Z2-9]{4}-[A-HJ-NP-Z2-9]{4}$`)

type zeroReader struct{}

func (zeroReader) Read(buffer []byte) (int, error) {
	for i := range buffer {
		buffer[i] = 0
	}
	return len(buffer), nil
}

type sequenceIDs struct {
	next int
}

func (g *sequenceIDs) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("tx-%d", g.next), nil
}

type testHarness struct {
	service *Service
	ledger  *ledger.Service
	db      *gorm.DB
	logs    *observer.ObservedLogs
}

func newTestHarness(t *testing.T, random zeroReaderOption) testHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:entl_activation_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(append(ledger.Models(), Models()...)...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	clock := func() time.Time { return time.Unix(1700000000, 0).UTC() }

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequenceIDs{},
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}

	config := ServiceConfig{Database: db, Ledger: ledgerService, Clock: clock, Logger: logger}
	if random {
		config.Random = zeroReader{}
	}
	service, err := NewService(config)
	if err != nil {
		t.Fatalf("failed to construct activation service: %v", err)
	}
	return testHarness{service: service, ledger: ledgerService, db: db, logs: logs}
}

type zeroReaderOption bool

const (
	withCryptoRandom zeroReaderOption = false
	withZeroRandom   zeroReaderOption = true
)

func mustDeviceID(t *testing.T, value string) devices.ID {
	t.Helper()
	id, err := devices.NewID(value)
	if err != nil {
		t.Fatalf("unexpected device id error: %v", err)
	}
	return id
}

func seedCode(t *testing.T, db *gorm.DB, value string, codeType CodeType, initialCount int64) {
	t.Helper()
	code := Code{Code: value, Type: codeType, InitialCount: initialCount, CreatedAtSeconds: 1699999000}
	if err := db.Create(&code).Error; err != nil {
		t.Fatalf("failed to seed code: %v", err)
	}
}

func TestGeneratorProducesGroupedUnambiguousCodes(t *testing.T) {
	generator := NewGenerator(nil)
	for i := 0; i < 50; i++ {
		code, err := generator.Next()
		if err != nil {
			t.Fatalf("unexpected generator error: %v", err)
		}
		if !codePattern.MatchString(code) {
			t.Fatalf("unexpected code format %q", code)
		}
	}

	fixed, err := NewGenerator(zeroReader{}).Next()
	if err != nil {
		t.Fatalf("unexpected generator error: %v", err)
	}
	if fixed != "AAAA-AAAA-AAAA" {
		t.Fatalf("expected deterministic code, got %q", fixed)
	}
}

func TestRedeemStacksRepeatedActivations(t *testing.T) {
	harness := newTestHarness(t, withCryptoRandom)
	seedCode(t, harness.db, "ABCD-EFGH-JKLM", CodeTypePaid, 10)
	deviceID := mustDeviceID(t, "D1")

	first, err := harness.service.Redeem(context.Background(), RedeemRequest{DeviceID: deviceID, Code: " abcd-efgh-jklm "})
	if err != nil {
		t.Fatalf("unexpected redeem error: %v", err)
	}
	if !first.IsNewActivation || first.CreditsAdded != 10 || first.RemainingCount != 10 {
		t.Fatalf("unexpected first redemption %#v", first)
	}
	if first.TotalRemainingCount != 13 || first.Type != CodeTypePaid {
		t.Fatalf("expected seed plus activation credits, got %#v", first)
	}

	second, err := harness.service.Redeem(context.Background(), RedeemRequest{DeviceID: deviceID, Code: "ABCD-EFGH-JKLM"})
	if err != nil {
		t.Fatalf("unexpected redeem error: %v", err)
	}
	if second.IsNewActivation {
		t.Fatalf("expected stacked redemption to report an existing activation")
	}
	if second.RemainingCount != 20 || second.TotalRemainingCount != 23 {
		t.Fatalf("expected stacked credits, got %#v", second)
	}

	var activations int64
	harness.db.Model(&DeviceActivation{}).Where("device_id = ?", "D1").Count(&activations)
	if activations != 1 {
		t.Fatalf("expected a single activation row, got %d", activations)
	}

	var audits []Redemption
	if err := harness.db.Order("id ASC").Find(&audits).Error; err != nil {
		t.Fatalf("failed to load audit rows: %v", err)
	}
	if len(audits) != 2 || !audits[0].IsNewActivation || audits[1].IsNewActivation {
		t.Fatalf("unexpected audit rows %#v", audits)
	}
	if audits[1].Metadata["type"] != "paid" {
		t.Fatalf("expected audit metadata type, got %#v", audits[1].Metadata)
	}
}

func TestRedeemRejectsUnknownCode(t *testing.T) {
	harness := newTestHarness(t, withCryptoRandom)
	_, err := harness.service.Redeem(context.Background(), RedeemRequest{DeviceID: mustDeviceID(t, "D1"), Code: "ZZZZ-ZZZZ-ZZZZ"})
	if !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected code not found, got %v", err)
	}
	var rows int64
	harness.db.Model(&ledger.ActivationBalance{}).Count(&rows)
	if rows != 0 {
		t.Fatalf("expected no balance rows, got %d", rows)
	}
}

func TestRedeemSurvivesMissingAuditTable(t *testing.T) {
	harness := newTestHarness(t, withCryptoRandom)
	seedCode(t, harness.db, "ABCD-EFGH-JKLM", CodeTypeFree, 5)
	if err := harness.db.Migrator().DropTable(&Redemption{}); err != nil {
		t.Fatalf("failed to drop audit table: %v", err)
	}

	result, err := harness.service.Redeem(context.Background(), RedeemRequest{DeviceID: mustDeviceID(t, "D1"), Code: "ABCD-EFGH-JKLM"})
	if err != nil {
		t.Fatalf("expected grant to succeed without audit table: %v", err)
	}
	if result.RemainingCount != 5 {
		t.Fatalf("unexpected remaining count %d", result.RemainingCount)
	}
	if warnings := harness.logs.FilterLevelExact(zapcore.WarnLevel).Len(); warnings != 0 {
		t.Fatalf("expected missing audit table to be skipped silently, got %d warnings", warnings)
	}
}

func TestCreateCodesValidatesAndClamps(t *testing.T) {
	harness := newTestHarness(t, withCryptoRandom)
	ctx := context.Background()

	if _, err := harness.service.CreateCodes(ctx, CreateRequest{Type: "gift", InitialCount: 5}); !errors.Is(err, ErrInvalidCodeType) {
		t.Fatalf("expected invalid type, got %v", err)
	}
	if _, err := harness.service.CreateCodes(ctx, CreateRequest{Type: CodeTypeFree, InitialCount: 0}); !errors.Is(err, ErrInvalidInitialCount) {
		t.Fatalf("expected invalid initial count, got %v", err)
	}

	single, err := harness.service.CreateCodes(ctx, CreateRequest{Type: CodeTypeFree, InitialCount: 5})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if len(single) != 1 || !codePattern.MatchString(single[0].Code) {
		t.Fatalf("unexpected single creation %#v", single)
	}

	batch, err := harness.service.CreateCodes(ctx, CreateRequest{Type: CodeTypePaid, InitialCount: 50, Count: 150})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if len(batch) != MaxBatchSize {
		t.Fatalf("expected batch clamped to %d, got %d", MaxBatchSize, len(batch))
	}
	seen := map[string]bool{}
	for _, code := range batch {
		if seen[code.Code] {
			t.Fatalf("duplicate code %s", code.Code)
		}
		seen[code.Code] = true
	}
}

func TestCreateCodesGivesUpAfterRepeatedCollisions(t *testing.T) {
	harness := newTestHarness(t, withZeroRandom)
	ctx := context.Background()

	if _, err := harness.service.CreateCodes(ctx, CreateRequest{Type: CodeTypeFree, InitialCount: 1}); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	_, err := harness.service.CreateCodes(ctx, CreateRequest{Type: CodeTypeFree, InitialCount: 1})
	if !errors.Is(err, ErrCodeSpaceExhausted) {
		t.Fatalf("expected exhausted code space, got %v", err)
	}
}

func TestListCodesRollsUpUsage(t *testing.T) {
	harness := newTestHarness(t, withCryptoRandom)
	ctx := context.Background()
	seedCode(t, harness.db, "AAAA-AAAA-AAAA", CodeTypePaid, 4)
	seedCode(t, harness.db, "BBBB-BBBB-BBBB", CodeTypeFree, 2)

	for _, device := range []string{"D1", "D1", "D2"} {
		if _, err := harness.service.Redeem(ctx, RedeemRequest{DeviceID: mustDeviceID(t, device), Code: "AAAA-AAAA-AAAA"}); err != nil {
			t.Fatalf("unexpected redeem error: %v", err)
		}
	}
	usage := ledger.UsageRecord{TransactionID: "manual-1", DeviceID: "D1", UsedFrom: ledger.PoolActivation, ActivationCode: "AAAA-AAAA-AAAA", CreatedAtSeconds: 1700000000}
	if err := harness.db.Create(&usage).Error; err != nil {
		t.Fatalf("failed to seed usage: %v", err)
	}

	summaries, err := harness.service.ListCodes(ctx)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 codes, got %d", len(summaries))
	}
	byCode := map[string]CodeSummary{}
	for _, summary := range summaries {
		byCode[summary.Code.Code] = summary
	}
	paid := byCode["AAAA-AAAA-AAAA"]
	if paid.DeviceCount != 2 || paid.UsageCount != 1 || paid.RemainingCount != 12 {
		t.Fatalf("unexpected paid summary %#v", paid)
	}
	unused := byCode["BBBB-BBBB-BBBB"]
	if unused.DeviceCount != 0 || unused.UsageCount != 0 || unused.RemainingCount != 0 {
		t.Fatalf("unexpected unused summary %#v", unused)
	}
}

func TestDeleteCodeKeepsGrantedCredits(t *testing.T) {
	harness := newTestHarness(t, withCryptoRandom)
	ctx := context.Background()
	seedCode(t, harness.db, "AAAA-AAAA-AAAA", CodeTypePaid, 4)
	deviceID := mustDeviceID(t, "D1")
	if _, err := harness.service.Redeem(ctx, RedeemRequest{DeviceID: deviceID, Code: "AAAA-AAAA-AAAA"}); err != nil {
		t.Fatalf("unexpected redeem error: %v", err)
	}

	if err := harness.service.DeleteCode(ctx, strings.ToLower("AAAA-AAAA-AAAA")); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if err := harness.service.DeleteCode(ctx, "AAAA-AAAA-AAAA"); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected second delete to report not found, got %v", err)
	}
	if _, err := harness.service.Lookup(ctx, "AAAA-AAAA-AAAA"); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected lookup to miss, got %v", err)
	}

	balance, err := harness.ledger.CheckBalance(ctx, deviceID)
	if err != nil {
		t.Fatalf("unexpected check error: %v", err)
	}
	if balance.ActivationCount != 4 {
		t.Fatalf("expected granted credits to survive deletion, got %d", balance.ActivationCount)
	}
}
