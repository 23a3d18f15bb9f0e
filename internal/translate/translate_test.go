package translate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/entl/backend/internal/devices"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type stubLedger struct {
	consumeErr error
	restoreErr error
	consumed   []ledger.ConsumeRequest
	restored   []ledger.RestoreRequest
}

func (s *stubLedger) ConsumeCredit(_ context.Context, request ledger.ConsumeRequest) (ledger.ConsumeResult, error) {
	s.consumed = append(s.consumed, request)
	if s.consumeErr != nil {
		return ledger.ConsumeResult{}, s.consumeErr
	}
	return ledger.ConsumeResult{
		TransactionID:  "tx-1",
		UsedFrom:       ledger.PoolFree,
		RemainingCount: 2,
		Balance:        ledger.Balance{FreeCount: 2, TotalCount: 2},
	}, nil
}

func (s *stubLedger) RestoreCredit(_ context.Context, request ledger.RestoreRequest) (ledger.RestoreResult, error) {
	s.restored = append(s.restored, request)
	if s.restoreErr != nil {
		return ledger.RestoreResult{}, s.restoreErr
	}
	return ledger.RestoreResult{Restored: true, UsedFrom: request.UsedFrom, Balance: ledger.Balance{FreeCount: 3, TotalCount: 3}}, nil
}

// stalledLedger charges normally but blocks restores until their context ends.
type stalledLedger struct {
	stubLedger
	restoreCtxErr error
}

func (s *stalledLedger) RestoreCredit(ctx context.Context, request ledger.RestoreRequest) (ledger.RestoreResult, error) {
	s.restored = append(s.restored, request)
	if _, ok := ctx.Deadline(); !ok {
		return ledger.RestoreResult{}, errors.New("restore without deadline")
	}
	<-ctx.Done()
	s.restoreCtxErr = ctx.Err()
	return ledger.RestoreResult{}, ctx.Err()
}

type stubTranslator struct {
	output string
	err    error
	calls  int
}

func (s *stubTranslator) Translate(context.Context, string, Language) (string, error) {
	s.calls++
	return s.output, s.err
}

func newOrchestrator(t *testing.T, credits CreditLedger, translator Translator) (*Orchestrator, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	orchestrator, err := NewOrchestrator(OrchestratorConfig{Ledger: credits, Translator: translator, Logger: zap.New(core)})
	require.NoError(t, err)
	return orchestrator, logs
}

func TestParseLanguage(t *testing.T) {
	language, err := ParseLanguage("")
	require.NoError(t, err)
	assert.Equal(t, LanguageChinese, language)

	language, err = ParseLanguage(" JA ")
	require.NoError(t, err)
	assert.Equal(t, LanguageJapanese, language)
	assert.Equal(t, "Japanese", language.DisplayName())

	_, err = ParseLanguage("fr")
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestSplitSections(t *testing.T) {
	output := " translated \n" + SectionSeparator + "\n| a | b |\n" + SectionSeparator + "notes" + SectionSeparator + "tail"
	sections := SplitSections(output)
	require.Len(t, sections, 3)
	assert.Equal(t, "translated", sections[0])
	assert.Equal(t, "| a | b |", sections[1])
	assert.Equal(t, "notes"+SectionSeparator+"tail", sections[2])

	assert.Equal(t, []string{"only"}, SplitSections("only"))
}

func TestTranslateChargesOnce(t *testing.T) {
	credits := &stubLedger{}
	translator := &stubTranslator{output: "你好" + SectionSeparator + "无" + SectionSeparator + "none"}
	orchestrator, _ := newOrchestrator(t, credits, translator)

	result, err := orchestrator.Translate(context.Background(), Request{DeviceID: devices.ID("D1"), Text: " héllo "})
	require.NoError(t, err)
	assert.Equal(t, []string{"你好", "无", "none"}, result.Sections)
	assert.Equal(t, "tx-1", result.TransactionID)
	assert.Equal(t, LanguageChinese, result.Language)
	assert.Equal(t, int64(2), result.RemainingCount)

	require.Len(t, credits.consumed, 1)
	assert.Equal(t, int64(5), credits.consumed[0].TextLength)
	assert.Empty(t, credits.restored)
}

func TestTranslateRefundsOnUpstreamFailure(t *testing.T) {
	credits := &stubLedger{}
	upstream := errors.New("quota exceeded")
	orchestrator, logs := newOrchestrator(t, credits, &stubTranslator{err: upstream})

	_, err := orchestrator.Translate(context.Background(), Request{DeviceID: devices.ID("D1"), Text: "hello"})
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.ErrorIs(t, err, upstream)
	assert.True(t, upstreamErr.Refunded)
	assert.Equal(t, int64(3), upstreamErr.Balance.TotalCount)

	require.Len(t, credits.restored, 1)
	assert.Equal(t, "tx-1", credits.restored[0].TransactionID)
	assert.Equal(t, ledger.PoolFree, credits.restored[0].UsedFrom)
	assert.Equal(t, 1, logs.FilterMessage("translation failed; credit refunded").Len())
}

func TestTranslateReportsFailedRefund(t *testing.T) {
	credits := &stubLedger{restoreErr: errors.New("database gone")}
	orchestrator, logs := newOrchestrator(t, credits, &stubTranslator{err: errors.New("timeout")})

	_, err := orchestrator.Translate(context.Background(), Request{DeviceID: devices.ID("D1"), Text: "hello"})
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.False(t, upstreamErr.Refunded)
	assert.Len(t, credits.restored, 1)
	assert.Equal(t, 1, logs.FilterMessage("translation refund failed").Len())
}

func TestTranslateRefundGivesUpAfterTimeout(t *testing.T) {
	credits := &stalledLedger{}
	core, logs := observer.New(zap.DebugLevel)
	orchestrator, err := NewOrchestrator(OrchestratorConfig{
		Ledger:        credits,
		Translator:    &stubTranslator{err: errors.New("upstream down")},
		Logger:        zap.New(core),
		RefundTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	started := time.Now()
	_, err = orchestrator.Translate(context.Background(), Request{DeviceID: devices.ID("D1"), Text: "hello"})
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.False(t, upstreamErr.Refunded)
	assert.Less(t, time.Since(started), 5*time.Second)
	assert.ErrorIs(t, credits.restoreCtxErr, context.DeadlineExceeded)
	assert.Len(t, credits.restored, 1)
	assert.Equal(t, 1, logs.FilterMessage("translation refund failed").Len())
}

func TestNewOrchestratorDefaultsRefundTimeout(t *testing.T) {
	orchestrator, _ := newOrchestrator(t, &stubLedger{}, &stubTranslator{})
	assert.Equal(t, DefaultRefundTimeout, orchestrator.refundTimeout)
}

func TestTranslateSkipsTranslatorWhenChargeFails(t *testing.T) {
	credits := &stubLedger{consumeErr: ledger.ErrInsufficientCredits}
	translator := &stubTranslator{output: "unused"}
	orchestrator, _ := newOrchestrator(t, credits, translator)

	_, err := orchestrator.Translate(context.Background(), Request{DeviceID: devices.ID("D1"), Text: "hello"})
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)
	assert.Zero(t, translator.calls)
	assert.Empty(t, credits.restored)

	_, err = orchestrator.Translate(context.Background(), Request{DeviceID: devices.ID("D1"), Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestGeminiTranslatorRequest(t *testing.T) {
	var captured geminiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/test-model:generateContent", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"one"},{"text":"two"}]}}]}`))
	}))
	defer server.Close()

	translator, err := NewGeminiTranslator(GeminiConfig{APIKey: "secret", Model: "test-model", BaseURL: server.URL + "/"})
	require.NoError(t, err)
	output, err := translator.Translate(context.Background(), "hello", LanguageKorean)
	require.NoError(t, err)
	assert.Equal(t, "onetwo", output)
	require.Len(t, captured.Contents, 1)
	assert.Equal(t, "hello", captured.Contents[0].Parts[0].Text)
	assert.True(t, strings.Contains(captured.SystemInstruction.Parts[0].Text, "Korean"))
}

func TestGeminiTranslatorErrors(t *testing.T) {
	_, err := NewGeminiTranslator(GeminiConfig{})
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1beta/models/empty:generateContent" {
			_, _ = w.Write([]byte(`{"candidates":[]}`))
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Resource exhausted","status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer server.Close()

	limited, err := NewGeminiTranslator(GeminiConfig{APIKey: "k", Model: "busy", BaseURL: server.URL})
	require.NoError(t, err)
	_, err = limited.Translate(context.Background(), "hello", LanguageChinese)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Resource exhausted")

	empty, err := NewGeminiTranslator(GeminiConfig{APIKey: "k", Model: "empty", BaseURL: server.URL})
	require.NoError(t, err)
	_, err = empty.Translate(context.Background(), "hello", LanguageChinese)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}
