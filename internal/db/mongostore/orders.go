package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/xtrntr/p2pdesk/internal/db"
	"github.com/xtrntr/p2pdesk/internal/models"
)

var orderSort = map[models.OrderSort]bson.D{
	models.SortNewest:    {{Key: "createdAt", Value: -1}},
	models.SortOldest:    {{Key: "createdAt", Value: 1}},
	models.SortPriceAsc:  {{Key: "price", Value: 1}, {Key: "createdAt", Value: -1}},
	models.SortPriceDesc: {{Key: "price", Value: -1}, {Key: "createdAt", Value: -1}},
}

func orderFilter(f models.OrderFilter) bson.M {
	filter := bson.M{}
	if f.UserID != "" {
		filter["user"] = f.UserID
	}
	if f.Type != "" {
		filter["type"] = f.Type
	}
	if f.Cryptocurrency != "" {
		filter["cryptocurrency"] = f.Cryptocurrency
	}
	if f.FiatCurrency != "" {
		filter["fiatCurrency"] = f.FiatCurrency
	}
	if f.PaymentMethod != "" {
		filter["paymentMethods"] = f.PaymentMethod
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	amount := bson.M{}
	if f.MinAmount != nil {
		amount["$gte"] = toDec(*f.MinAmount)
	}
	if f.MaxAmount != nil {
		amount["$lte"] = toDec(*f.MaxAmount)
	}
	if len(amount) > 0 {
		filter["availableAmount"] = amount
	}
	return filter
}

func (s *Store) CreateOrder(ctx context.Context, o *models.Order) error {
	if _, err := s.orders.InsertOne(ctx, newOrderDoc(o)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return db.ErrDuplicate
		}
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var doc orderDoc
	if err := s.orders.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if err = notFound(err); err == db.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return doc.model(), nil
}

func (s *Store) ListOrders(ctx context.Context, f models.OrderFilter) ([]models.Order, int64, error) {
	f.Normalize()
	filter := orderFilter(f)

	total, err := s.orders.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}
	cur, err := s.orders.Find(ctx, filter, pageOptions(f.Page, f.Limit).SetSort(orderSort[f.Sort]))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}
	var docs []orderDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, 0, fmt.Errorf("failed to decode orders: %w", err)
	}
	out := make([]models.Order, 0, len(docs))
	for _, d := range docs {
		out = append(out, *d.model())
	}
	return out, total, nil
}

// UpdateOrder only matches while the stored status is still prev
func (s *Store) UpdateOrder(ctx context.Context, o *models.Order, prev models.OrderStatus) error {
	res, err := s.orders.UpdateOne(ctx, bson.M{"_id": o.ID, "status": prev}, bson.M{"$set": bson.M{
		"price":            toDec(o.Price),
		"terms":            o.Terms,
		"autoReply":        o.AutoReply,
		"status":           o.Status,
		"paymentTimeLimit": o.PaymentTimeLimit,
		"updatedAt":        o.UpdatedAt,
	}})
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if res.MatchedCount == 0 {
		found, err := exists(ctx, s.orders, o.ID)
		if err != nil {
			return err
		}
		if !found {
			return db.ErrNotFound
		}
		return db.ErrConflict
	}
	return nil
}

func (s *Store) incOrder(ctx context.Context, id, field string) error {
	res, err := s.orders.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$inc": bson.M{field: 1}})
	if err != nil {
		return fmt.Errorf("failed to increment order %s: %w", field, err)
	}
	if res.MatchedCount == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (s *Store) IncrementOrderViews(ctx context.Context, id string) error {
	return s.incOrder(ctx, id, "views")
}

func (s *Store) IncrementOrderCompletedTrades(ctx context.Context, id string) error {
	return s.incOrder(ctx, id, "completedTrades")
}

// ReserveOrderAmount decrements availableAmount in one findAndModify whose filter
// carries the whole capacity check, so two reservations can never overdraw the order
func (s *Store) ReserveOrderAmount(ctx context.Context, id string, amount decimal.Decimal, now time.Time) (*models.Order, error) {
	amt := toDec(amount)
	filter := bson.M{
		"_id":             id,
		"status":          models.OrderStatusActive,
		"availableAmount": bson.M{"$gte": amt},
		"$expr": bson.M{"$and": bson.A{
			bson.M{"$gte": bson.A{bson.M{"$multiply": bson.A{amt, "$price"}}, "$minLimit"}},
			bson.M{"$lte": bson.A{bson.M{"$multiply": bson.A{amt, "$price"}}, "$maxLimit"}},
		}},
	}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{"availableAmount": bson.M{"$subtract": bson.A{"$availableAmount", amt}}}}},
		{{Key: "$set", Value: bson.M{
			"status": bson.M{"$cond": bson.A{
				bson.M{"$lte": bson.A{"$availableAmount", 0}},
				models.OrderStatusCompleted,
				"$status",
			}},
			"updatedAt": now,
		}}},
	}
	o, err := s.modifyOrder(ctx, filter, update)
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("failed to reserve order amount: %w", err)
	}
	found, err := exists(ctx, s.orders, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, db.ErrNotFound
	}
	return nil, db.ErrNotReserved
}

func (s *Store) ReleaseOrderAmount(ctx context.Context, id string, amount decimal.Decimal, now time.Time) (*models.Order, error) {
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{"availableAmount": bson.M{"$min": bson.A{
			"$amount",
			bson.M{"$add": bson.A{"$availableAmount", toDec(amount)}},
		}}}}},
		{{Key: "$set", Value: bson.M{
			"status": bson.M{"$cond": bson.A{
				bson.M{"$and": bson.A{
					bson.M{"$eq": bson.A{"$status", models.OrderStatusCompleted}},
					bson.M{"$gt": bson.A{"$availableAmount", 0}},
				}},
				models.OrderStatusActive,
				"$status",
			}},
			"updatedAt": now,
		}}},
	}
	o, err := s.modifyOrder(ctx, bson.M{"_id": id}, update)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to release order amount: %w", err)
	}
	return o, nil
}

func (s *Store) modifyOrder(ctx context.Context, filter bson.M, update mongo.Pipeline) (*models.Order, error) {
	var doc orderDoc
	err := s.orders.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		return nil, notFound(err)
	}
	return doc.model(), nil
}
