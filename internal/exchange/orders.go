package exchange

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/p2pdesk/internal/logger"
	"github.com/xtrntr/p2pdesk/internal/models"
	"github.com/xtrntr/p2pdesk/internal/realtime"
)

// OrderUpdate carries the owner-editable fields of an order; nil fields are left unchanged
type OrderUpdate struct {
	Price            *decimal.Decimal    `json:"price"`
	Terms            *string             `json:"terms"`
	AutoReply        *string             `json:"autoReply"`
	Status           *models.OrderStatus `json:"status"`
	PaymentTimeLimit *int                `json:"paymentTimeLimit"`
}

// CreateOrder publishes a new advertisement owned by the caller
func (s *Service) CreateOrder(ctx context.Context, actor Actor, in models.Order) (*models.Order, error) {
	now := s.now()
	o := in
	o.ID = s.newID()
	o.UserID = actor.ID
	o.AvailableAmount = in.Amount
	o.Status = models.OrderStatusActive
	o.Source = models.OrderSourcePlatform
	o.CompletedTrades = 0
	o.Views = 0
	o.CreatedAt = now
	o.UpdatedAt = now
	o.Normalize()
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.CreateOrder(ctx, &o); err != nil {
		return nil, translate(err, ErrOrderNotFound, "create order")
	}

	s.log.InfoContext(ctx, "order created",
		logger.F("order_id", o.ID), logger.F("user_id", actor.ID), logger.F("type", o.Type))
	s.notifier.Publish(ctx, realtime.MarketRoom(o.Cryptocurrency, o.FiatCurrency), realtime.EventOrderNew, &o)
	return &o, nil
}

// ListOrders returns active orders for the public order book
func (s *Service) ListOrders(ctx context.Context, f models.OrderFilter) (models.Page[models.Order], error) {
	f.Status = models.OrderStatusActive
	f.UserID = ""
	return s.listOrders(ctx, f)
}

// ListMyOrders returns the caller's own orders in any status unless f.Status is set
func (s *Service) ListMyOrders(ctx context.Context, actor Actor, f models.OrderFilter) (models.Page[models.Order], error) {
	f.UserID = actor.ID
	return s.listOrders(ctx, f)
}

func (s *Service) listOrders(ctx context.Context, f models.OrderFilter) (models.Page[models.Order], error) {
	f.Normalize()
	items, total, err := s.store.ListOrders(ctx, f)
	if err != nil {
		return models.Page[models.Order]{}, translate(err, ErrOrderNotFound, "list orders")
	}
	return models.NewPage(items, total, f.Page, f.Limit), nil
}

// GetOrder returns an order and counts the view
func (s *Service) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, translate(err, ErrOrderNotFound, "get order")
	}
	if err := s.store.IncrementOrderViews(ctx, id); err != nil {
		s.log.WarnContext(ctx, "failed to count order view", logger.F("order_id", id), logger.F("error", err))
	} else {
		o.Views++
	}
	return o, nil
}

func (s *Service) ownedOrder(ctx context.Context, actor Actor, id string) (*models.Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, translate(err, ErrOrderNotFound, "get order")
	}
	if o.UserID != actor.ID && !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if o.Source == models.OrderSourceBybit {
		return nil, ErrExternalSource
	}
	if o.Status == models.OrderStatusCancelled {
		return nil, fmt.Errorf("%w: order is cancelled", ErrOrderState)
	}
	return o, nil
}

// UpdateOrder edits an order. Open trades keep the price they were opened at.
func (s *Service) UpdateOrder(ctx context.Context, actor Actor, id string, upd OrderUpdate) (*models.Order, error) {
	o, err := s.ownedOrder(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	prev := o.Status
	if upd.Price != nil {
		o.Price = *upd.Price
	}
	if upd.Terms != nil {
		o.Terms = *upd.Terms
	}
	if upd.AutoReply != nil {
		o.AutoReply = *upd.AutoReply
	}
	if upd.PaymentTimeLimit != nil {
		o.PaymentTimeLimit = *upd.PaymentTimeLimit
	}
	if upd.Status != nil {
		switch *upd.Status {
		case models.OrderStatusActive, models.OrderStatusInactive:
		default:
			return nil, fmt.Errorf("%w: status must be 'active' or 'inactive'", ErrValidation)
		}
		if o.Status == models.OrderStatusCompleted {
			return nil, fmt.Errorf("%w: order is completed", ErrOrderState)
		}
		o.Status = *upd.Status
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	o.UpdatedAt = s.now()
	if err := s.store.UpdateOrder(ctx, o, prev); err != nil {
		return nil, translate(err, ErrOrderNotFound, "update order")
	}

	s.log.InfoContext(ctx, "order updated", logger.F("order_id", o.ID), logger.F("actor_id", actor.ID))
	s.notifier.Publish(ctx, realtime.MarketRoom(o.Cryptocurrency, o.FiatCurrency), realtime.EventOrderUpdate, o)
	return o, nil
}

// CancelOrder withdraws an order from the book. Trades already opened against it continue.
func (s *Service) CancelOrder(ctx context.Context, actor Actor, id string) (*models.Order, error) {
	o, err := s.ownedOrder(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	prev := o.Status
	o.Status = models.OrderStatusCancelled
	o.UpdatedAt = s.now()
	if err := s.store.UpdateOrder(ctx, o, prev); err != nil {
		return nil, translate(err, ErrOrderNotFound, "cancel order")
	}

	s.log.InfoContext(ctx, "order cancelled", logger.F("order_id", o.ID), logger.F("actor_id", actor.ID))
	s.notifier.Publish(ctx, realtime.MarketRoom(o.Cryptocurrency, o.FiatCurrency), realtime.EventOrderUpdate, o)
	return o, nil
}
