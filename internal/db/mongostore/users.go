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

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	if _, err := s.users.InsertOne(ctx, newUserDoc(u)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return db.ErrDuplicate
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *Store) findUser(ctx context.Context, filter bson.M) (*models.User, error) {
	var doc userDoc
	if err := s.users.FindOne(ctx, filter).Decode(&doc); err != nil {
		if err = notFound(err); err == db.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return doc.model(), nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.findUser(ctx, bson.M{"_id": id})
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.findUser(ctx, bson.M{"email": email})
}

func (s *Store) UpdateKYCStatus(ctx context.Context, id string, status models.KYCStatus) (*models.User, error) {
	var doc userDoc
	err := s.users.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"kycStatus": status, "updatedAt": time.Now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if err = notFound(err); err == db.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update kyc status: %w", err)
	}
	return doc.model(), nil
}

func (s *Store) IncrementUserStats(ctx context.Context, delta models.StatsDelta, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.users.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$inc": bson.M{
			"stats.totalTrades":     delta.TotalTrades,
			"stats.completedTrades": delta.CompletedTrades,
			"stats.cancelledTrades": delta.CancelledTrades,
		}})
	if err != nil {
		return fmt.Errorf("failed to update user stats: %w", err)
	}
	return nil
}

// ApplyUserRating folds score into the running average with a single pipeline update
func (s *Store) ApplyUserRating(ctx context.Context, id string, score int) error {
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"stats.rating": bson.M{"$divide": bson.A{
				bson.M{"$add": bson.A{bson.M{"$multiply": bson.A{"$stats.rating", "$stats.reviewCount"}}, score}},
				bson.M{"$add": bson.A{"$stats.reviewCount", 1}},
			}},
			"stats.reviewCount": bson.M{"$add": bson.A{"$stats.reviewCount", 1}},
			"updatedAt":         time.Now().UTC(),
		}}},
	}
	res, err := s.users.UpdateOne(ctx, bson.M{"_id": id}, pipeline)
	if err != nil {
		return fmt.Errorf("failed to apply rating: %w", err)
	}
	if res.MatchedCount == 0 {
		return db.ErrNotFound
	}
	return nil
}

// ReplaceUserRating moves the average by (score-old)/reviewCount, leaving the count alone.
// A user with no counted reviews gets score as a first review.
func (s *Store) ReplaceUserRating(ctx context.Context, id string, old, score int) error {
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"stats.rating": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$stats.reviewCount", 0}},
				float64(score),
				bson.M{"$add": bson.A{
					"$stats.rating",
					bson.M{"$divide": bson.A{score - old, "$stats.reviewCount"}},
				}},
			}},
			"stats.reviewCount": bson.M{"$max": bson.A{"$stats.reviewCount", 1}},
			"updatedAt":         time.Now().UTC(),
		}}},
	}
	res, err := s.users.UpdateOne(ctx, bson.M{"_id": id}, pipeline)
	if err != nil {
		return fmt.Errorf("failed to replace rating: %w", err)
	}
	if res.MatchedCount == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (s *Store) CreatePaymentMethod(ctx context.Context, pm *models.PaymentMethod) error {
	doc := paymentMethodDoc(*pm)
	if _, err := s.paymentMethods.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to create payment method: %w", err)
	}
	return nil
}

func (s *Store) ListPaymentMethods(ctx context.Context, userID string) ([]models.PaymentMethod, error) {
	cur, err := s.paymentMethods.Find(ctx, bson.M{"user": userID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list payment methods: %w", err)
	}
	var docs []paymentMethodDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode payment methods: %w", err)
	}
	out := make([]models.PaymentMethod, 0, len(docs))
	for _, d := range docs {
		out = append(out, models.PaymentMethod(d))
	}
	return out, nil
}

func (s *Store) DeletePaymentMethod(ctx context.Context, id, userID string) error {
	res, err := s.paymentMethods.DeleteOne(ctx, bson.M{"_id": id, "user": userID})
	if err != nil {
		return fmt.Errorf("failed to delete payment method: %w", err)
	}
	if res.DeletedCount == 0 {
		return db.ErrNotFound
	}
	return nil
}
