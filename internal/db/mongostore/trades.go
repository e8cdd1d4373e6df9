package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/xtrntr/p2pdesk/internal/db"
	"github.com/xtrntr/p2pdesk/internal/models"
)

func decodeTrades(ctx context.Context, cur *mongo.Cursor) ([]models.Trade, error) {
	var docs []tradeDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode trades: %w", err)
	}
	out := make([]models.Trade, 0, len(docs))
	for _, d := range docs {
		out = append(out, *d.model())
	}
	return out, nil
}

func (s *Store) CreateTrade(ctx context.Context, t *models.Trade) error {
	if _, err := s.trades.InsertOne(ctx, newTradeDoc(t)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return db.ErrDuplicate
		}
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return nil
}

func (s *Store) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	var doc tradeDoc
	if err := s.trades.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if err = notFound(err); err == db.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return doc.model(), nil
}

func (s *Store) ListTrades(ctx context.Context, f models.TradeFilter) ([]models.Trade, int64, error) {
	f.Normalize()
	filter := bson.M{}
	if f.UserID != "" {
		filter["$or"] = bson.A{bson.M{"buyer": f.UserID}, bson.M{"seller": f.UserID}}
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}

	total, err := s.trades.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count trades: %w", err)
	}
	cur, err := s.trades.Find(ctx, filter,
		pageOptions(f.Page, f.Limit).SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list trades: %w", err)
	}
	trades, err := decodeTrades(ctx, cur)
	if err != nil {
		return nil, 0, err
	}
	return trades, total, nil
}

// SaveTrade writes everything but the chat when the stored version still matches
func (s *Store) SaveTrade(ctx context.Context, t *models.Trade) error {
	if err := s.saveTrade(ctx, t); err != nil {
		return err
	}
	t.Version++
	return nil
}

// SaveTradeAndRelease saves t and returns its amount to the order inside one
// multi-document transaction. Transactions need a replica set or sharded cluster.
func (s *Store) SaveTradeAndRelease(ctx context.Context, t *models.Trade, now time.Time) (*models.Order, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	defer sess.EndSession(ctx)

	res, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		if err := s.saveTrade(sc, t); err != nil {
			return nil, err
		}
		return s.ReleaseOrderAmount(sc, t.OrderID, t.Amount, now)
	})
	if err != nil {
		return nil, err
	}
	t.Version++
	return res.(*models.Order), nil
}

func (s *Store) saveTrade(ctx context.Context, t *models.Trade) error {
	res, err := s.trades.UpdateOne(ctx,
		bson.M{"_id": t.ID, "version": t.Version},
		bson.M{
			"$set": bson.M{
				"status":             t.Status,
				"timeline":           t.Timeline,
				"paymentDetails":     t.PaymentDetails,
				"dispute":            t.Dispute,
				"rating":             t.Rating,
				"completedAt":        t.CompletedAt,
				"cancelledAt":        t.CancelledAt,
				"cancelledBy":        t.CancelledBy,
				"cancellationReason": t.CancellationReason,
				"updatedAt":          t.UpdatedAt,
			},
			"$inc": bson.M{"version": 1},
		})
	if err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	if res.MatchedCount == 0 {
		found, err := exists(ctx, s.trades, t.ID)
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

func (s *Store) AppendChatMessage(ctx context.Context, tradeID string, msg models.ChatMessage) error {
	res, err := s.trades.UpdateOne(ctx,
		bson.M{
			"_id":    tradeID,
			"status": bson.M{"$nin": bson.A{models.TradeStatusCancelled, models.TradeStatusExpired}},
		},
		bson.M{
			"$push": bson.M{"chat": msg},
			"$set":  bson.M{"updatedAt": msg.Timestamp},
		})
	if err != nil {
		return fmt.Errorf("failed to append chat message: %w", err)
	}
	if res.MatchedCount == 0 {
		found, err := exists(ctx, s.trades, tradeID)
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

func (s *Store) ListExpiredTrades(ctx context.Context, now time.Time, limit int) ([]models.Trade, error) {
	cur, err := s.trades.Find(ctx,
		bson.M{"status": models.TradeStatusPaymentPending, "expiresAt": bson.M{"$lt": now}},
		options.Find().SetSort(bson.D{{Key: "expiresAt", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("failed to list expired trades: %w", err)
	}
	return decodeTrades(ctx, cur)
}
