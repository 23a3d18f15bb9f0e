package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/entl/backend/internal/activation"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/dberrors"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultCurrency = "USD"

var (
	ErrOrderNotFound     = errors.New("orders: order not found")
	ErrDuplicateOrder    = errors.New("orders: external order id already recorded")
	ErrAlreadyFulfilled  = errors.New("orders: order already fulfilled")
	ErrInvalidTransition = errors.New("orders: status transition not allowed")
	ErrInvalidOrder      = errors.New("orders: invalid order")
)

type ServiceConfig struct {
	Database   *gorm.DB
	Activation *activation.Service
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service stores purchase orders and fulfils them with activation codes.
type Service struct {
	db         *gorm.DB
	activation *activation.Service
	clock      func() time.Time
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("orders: database connection required")
	}
	if cfg.Activation == nil {
		return nil, fmt.Errorf("orders: activation service required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, activation: cfg.Activation, clock: clock, logger: logger}, nil
}

type CreateRequest struct {
	ExternalOrderID    string
	CustomerEmail      string
	CustomerName       string
	ProductName        string
	AmountCents        int64
	Currency           string
	PurchasedAtSeconds int64
	Notes              string
}

func (r CreateRequest) validate() error {
	if !strings.Contains(strings.TrimSpace(r.CustomerEmail), "@") {
		return fmt.Errorf("%w: customer email is required", ErrInvalidOrder)
	}
	if strings.TrimSpace(r.ProductName) == "" {
		return fmt.Errorf("%w: product name is required", ErrInvalidOrder)
	}
	if r.AmountCents < 0 {
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidOrder)
	}
	return nil
}

// Create records a pending order. The external id defaults to the generated order id.
func (s *Service) Create(ctx context.Context, request CreateRequest) (Order, error) {
	if err := request.validate(); err != nil {
		return Order{}, err
	}

	now := s.clock().UTC()
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	externalID := strings.TrimSpace(request.ExternalOrderID)
	if externalID == "" {
		externalID = id
	}
	currency := strings.ToUpper(strings.TrimSpace(request.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	purchasedAt := request.PurchasedAtSeconds
	if purchasedAt <= 0 {
		purchasedAt = now.Unix()
	}

	order := Order{
		ID:                 id,
		ExternalOrderID:    externalID,
		CustomerEmail:      strings.TrimSpace(request.CustomerEmail),
		CustomerName:       strings.TrimSpace(request.CustomerName),
		ProductName:        strings.TrimSpace(request.ProductName),
		AmountCents:        request.AmountCents,
		Currency:           currency,
		PurchasedAtSeconds: purchasedAt,
		Status:             StatusPending,
		Notes:              strings.TrimSpace(request.Notes),
		CreatedAtSeconds:   now.Unix(),
		UpdatedAtSeconds:   now.Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&order).Error; err != nil {
		if dberrors.IsConstraintViolation(err) {
			return Order{}, ErrDuplicateOrder
		}
		s.logger.Error("order insert failed", zap.String("external_order_id", externalID), zap.Error(err))
		return Order{}, err
	}
	return order, nil
}

// List returns orders newest first, optionally filtered by status.
func (s *Service) List(ctx context.Context, status Status) ([]Order, error) {
	query := s.db.WithContext(ctx).Order("created_at DESC").Order("id DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var orders []Order
	if err := query.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// Get returns a single order.
func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	var order Order
	err := s.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(id)).Take(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Order{}, ErrOrderNotFound
	}
	return order, err
}

type UpdateRequest struct {
	Status *Status
	Notes  *string
}

// Update changes status or notes. Completion goes through Fulfill only, and a
// completed order keeps its status.
func (s *Service) Update(ctx context.Context, id string, request UpdateRequest) (Order, error) {
	var updated Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.lockOrder(tx, id)
		if err != nil {
			return err
		}
		if request.Status != nil {
			next := *request.Status
			if next == StatusCompleted && order.Status != StatusCompleted {
				return ErrInvalidTransition
			}
			if order.Status == StatusCompleted && next != StatusCompleted {
				return ErrInvalidTransition
			}
			order.Status = next
		}
		if request.Notes != nil {
			order.Notes = strings.TrimSpace(*request.Notes)
		}
		order.UpdatedAtSeconds = s.clock().UTC().Unix()
		if err := tx.Save(&order).Error; err != nil {
			return err
		}
		updated = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return updated, nil
}

type FulfillRequest struct {
	ActivationCode string
	InitialCount   int64
}

// Fulfill attaches an existing activation code, or mints a paid one with
// InitialCount credits, and completes the order.
func (s *Service) Fulfill(ctx context.Context, id string, request FulfillRequest) (Order, error) {
	var fulfilled Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.lockOrder(tx, id)
		if err != nil {
			return err
		}
		switch order.Status {
		case StatusCompleted:
			return ErrAlreadyFulfilled
		case StatusCancelled:
			return ErrInvalidTransition
		}

		code := activation.NormalizeCode(request.ActivationCode)
		if code != "" {
			var existing int64
			if err := tx.Model(&activation.Code{}).Where("code = ?", code).Count(&existing).Error; err != nil {
				return err
			}
			if existing == 0 {
				return activation.ErrCodeNotFound
			}
		} else {
			if request.InitialCount <= 0 {
				return activation.ErrInvalidInitialCount
			}
			minted, err := s.activation.CreateCodeTx(tx, activation.CodeTypePaid, request.InitialCount)
			if err != nil {
				return err
			}
			code = minted.Code
		}

		nowSeconds := s.clock().UTC().Unix()
		order.Status = StatusCompleted
		order.ActivationCode = code
		order.CompletedAtSeconds = nowSeconds
		order.UpdatedAtSeconds = nowSeconds
		if err := tx.Save(&order).Error; err != nil {
			return err
		}
		fulfilled = order
		return nil
	})
	if err != nil {
		if !isDomainError(err) {
			s.logger.Error("order fulfilment failed", zap.String("order_id", id), zap.Error(err))
		}
		return Order{}, err
	}
	s.logger.Info("order fulfilled",
		zap.String("order_id", fulfilled.ID),
		zap.String("activation_code", fulfilled.ActivationCode))
	return fulfilled, nil
}

// Delete removes an order.
func (s *Service) Delete(ctx context.Context, id string) error {
	deletion := s.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(id)).Delete(&Order{})
	if deletion.Error != nil {
		return deletion.Error
	}
	if deletion.RowsAffected == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (s *Service) lockOrder(tx *gorm.DB, id string) (Order, error) {
	var order Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", strings.TrimSpace(id)).
		Take(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Order{}, ErrOrderNotFound
	}
	return order, err
}

func isDomainError(err error) bool {
	for _, target := range []error{
		ErrOrderNotFound,
		ErrAlreadyFulfilled,
		ErrInvalidTransition,
		activation.ErrCodeNotFound,
		activation.ErrInvalidInitialCount,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
