package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/entl/backend/internal/devices"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/metrics"
	"go.uber.org/zap"
)

// DefaultRefundTimeout bounds the restore issued after a failed translation.
const DefaultRefundTimeout = 10 * time.Second

var (
	ErrEmptyText         = errors.New("translate: text is required")
	ErrMissingLedger     = errors.New("translate: ledger is required")
	ErrMissingTranslator = errors.New("translate: translator is required")
)

// CreditLedger is the part of the ledger the orchestrator drives.
type CreditLedger interface {
	ConsumeCredit(ctx context.Context, request ledger.ConsumeRequest) (ledger.ConsumeResult, error)
	RestoreCredit(ctx context.Context, request ledger.RestoreRequest) (ledger.RestoreResult, error)
}

// UpstreamError wraps a translator failure. Refunded reports whether the
// charged credit went back to the device.
type UpstreamError struct {
	Refunded bool
	Balance  ledger.Balance
	err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("translate: upstream failed: %v", e.err)
}

func (e *UpstreamError) Unwrap() error {
	return e.err
}

type OrchestratorConfig struct {
	Ledger        CreditLedger
	Translator    Translator
	Logger        *zap.Logger
	Metrics       *metrics.Recorder
	RefundTimeout time.Duration
}

type Orchestrator struct {
	ledger        CreditLedger
	translator    Translator
	logger        *zap.Logger
	metrics       *metrics.Recorder
	refundTimeout time.Duration
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Ledger == nil {
		return nil, ErrMissingLedger
	}
	if cfg.Translator == nil {
		return nil, ErrMissingTranslator
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	refundTimeout := cfg.RefundTimeout
	if refundTimeout <= 0 {
		refundTimeout = DefaultRefundTimeout
	}
	return &Orchestrator{
		ledger:        cfg.Ledger,
		translator:    cfg.Translator,
		logger:        logger,
		metrics:       cfg.Metrics,
		refundTimeout: refundTimeout,
	}, nil
}

type Request struct {
	DeviceID    devices.ID
	Text        string
	Language    Language
	IPAddress   string
	ClientCount *int64
}

type Result struct {
	Sections       []string
	Language       Language
	TransactionID  string
	UsedFrom       ledger.Pool
	ActivationCode string
	RemainingCount int64
	Balance        ledger.Balance
}

// Translate charges one credit, calls the translator and refunds the credit
// exactly once if the translator fails. Ledger errors pass through unchanged.
func (o *Orchestrator) Translate(ctx context.Context, request Request) (Result, error) {
	text := strings.TrimSpace(request.Text)
	if text == "" {
		return Result{}, ErrEmptyText
	}
	language := request.Language
	if language == "" {
		language = LanguageChinese
	}

	charge, err := o.ledger.ConsumeCredit(ctx, ledger.ConsumeRequest{
		DeviceID:    request.DeviceID,
		TextLength:  int64(utf8.RuneCountInString(text)),
		IPAddress:   request.IPAddress,
		ClientCount: request.ClientCount,
	})
	if err != nil {
		o.metrics.ObserveTranslation(metrics.OutcomeRejected)
		return Result{}, err
	}

	output, err := o.translator.Translate(ctx, text, language)
	if err != nil {
		return Result{}, o.refund(request.DeviceID, charge, err)
	}

	o.metrics.ObserveTranslation(metrics.OutcomeSuccess)
	return Result{
		Sections:       SplitSections(output),
		Language:       language,
		TransactionID:  charge.TransactionID,
		UsedFrom:       charge.UsedFrom,
		ActivationCode: charge.ActivationCode,
		RemainingCount: charge.RemainingCount,
		Balance:        charge.Balance,
	}, nil
}

// refund runs on a fresh context bounded by refundTimeout, so a cancelled
// request still returns its credit.
func (o *Orchestrator) refund(deviceID devices.ID, charge ledger.ConsumeResult, cause error) error {
	fields := []zap.Field{
		zap.String("device_id", deviceID.String()),
		zap.String("transaction_id", charge.TransactionID),
		zap.Error(cause),
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.refundTimeout)
	defer cancel()
	restored, err := o.ledger.RestoreCredit(ctx, ledger.RestoreRequest{
		DeviceID:       deviceID,
		TransactionID:  charge.TransactionID,
		UsedFrom:       charge.UsedFrom,
		ActivationCode: charge.ActivationCode,
	})
	if err != nil {
		o.logger.Error("translation refund failed", append(fields, zap.NamedError("restore_error", err))...)
		o.metrics.ObserveTranslation(metrics.OutcomeFailed)
		return &UpstreamError{Refunded: false, Balance: charge.Balance, err: cause}
	}
	o.logger.Warn("translation failed; credit refunded", append(fields, zap.Bool("restored", restored.Restored))...)
	o.metrics.ObserveTranslation(metrics.OutcomeRefunded)
	return &UpstreamError{Refunded: restored.Restored, Balance: restored.Balance, err: cause}
}
