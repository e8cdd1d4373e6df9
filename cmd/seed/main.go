package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/xtrntr/p2pdesk/internal/auth"
	"github.com/xtrntr/p2pdesk/internal/config"
	"github.com/xtrntr/p2pdesk/internal/db"
	"github.com/xtrntr/p2pdesk/internal/db/mongostore"
	"github.com/xtrntr/p2pdesk/internal/exchange"
	"github.com/xtrntr/p2pdesk/internal/logger"
	"github.com/xtrntr/p2pdesk/internal/models"
)

const seedPassword = "password123"

type store interface {
	exchange.Store
	auth.UserStore
}

type seedOrder struct {
	typ       models.OrderType
	crypto    string
	fiat      string
	price     string
	amount    string
	minLimit  string
	maxLimit  string
	methods   []models.PaymentMethodType
	autoReply string
}

var orders = map[string][]seedOrder{
	"trader1": {
		{models.OrderTypeSell, "USDT", "USD", "1.00", "5000", "50", "2000", []models.PaymentMethodType{models.PaymentBankTransfer, models.PaymentWise}, "Hi, please send the exact amount and upload proof."},
		{models.OrderTypeSell, "BTC", "EUR", "58000", "0.5", "100", "10000", []models.PaymentMethodType{models.PaymentRevolut}, ""},
	},
	"trader2": {
		{models.OrderTypeBuy, "USDT", "USD", "0.99", "3000", "20", "1500", []models.PaymentMethodType{models.PaymentPayPal}, ""},
		{models.OrderTypeBuy, "ETH", "USD", "3100", "2", "200", "6000", []models.PaymentMethodType{models.PaymentBankTransfer, models.PaymentCash}, "Cash meetups in Berlin only."},
	},
}

// Seed the configured store with test users and orders
func main() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	lg, err := logger.New(cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer closeStore()

	authService := auth.NewAuthService(st, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.BcryptCost)
	svc := exchange.NewService(st, nil, lg)

	if err := seedAdmin(ctx, st, cfg.Auth.BcryptCost); err != nil {
		log.Fatalf("Failed to create admin: %v", err)
	}

	for _, name := range []string{"trader1", "trader2"} {
		user, created, err := ensureTrader(ctx, st, authService, name)
		if err != nil {
			log.Fatalf("Failed to create %s: %v", name, err)
		}
		if !created {
			fmt.Printf("%s already exists, skipping\n", name)
			continue
		}

		actor := exchange.Actor{ID: user.ID, Role: user.Role}
		for _, o := range orders[name] {
			order, err := svc.CreateOrder(ctx, actor, o.model())
			if err != nil {
				log.Fatalf("Failed to create order for %s: %v", name, err)
			}
			fmt.Printf("Created %s order %s: %s %s/%s\n", name, order.ID, order.Type, order.Cryptocurrency, order.FiatCurrency)
		}
	}

	fmt.Printf("Seeding complete. Every user logs in with password %q\n", seedPassword)
}

func (o seedOrder) model() models.Order {
	return models.Order{
		Type:             o.typ,
		Cryptocurrency:   o.crypto,
		FiatCurrency:     o.fiat,
		Price:            decimal.RequireFromString(o.price),
		Amount:           decimal.RequireFromString(o.amount),
		MinLimit:         decimal.RequireFromString(o.minLimit),
		MaxLimit:         decimal.RequireFromString(o.maxLimit),
		PaymentMethods:   o.methods,
		PaymentTimeLimit: models.DefaultPaymentTimeLimit,
		AutoReply:        o.autoReply,
	}
}

// ensureTrader registers name with approved KYC. created is false if the user already existed.
func ensureTrader(ctx context.Context, st store, authService *auth.AuthService, name string) (*models.User, bool, error) {
	user, err := authService.Register(ctx, name+"@example.com", name, seedPassword)
	if errors.Is(err, auth.ErrEmailTaken) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	user, err = st.UpdateKYCStatus(ctx, user.ID, models.KYCApproved)
	if err != nil {
		return nil, false, err
	}
	return user, true, nil
}

func seedAdmin(ctx context.Context, st store, cost int) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(seedPassword), cost)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	err = st.CreateUser(ctx, &models.User{
		ID:           uuid.NewString(),
		Email:        "admin@example.com",
		Username:     "admin",
		PasswordHash: string(hash),
		Role:         models.RoleAdmin,
		KYCStatus:    models.KYCApproved,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if errors.Is(err, db.ErrDuplicate) {
		return nil
	}
	return err
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store, func(), error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		database, err := db.NewDB(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := database.Migrate(ctx); err != nil {
			_ = database.Close(ctx)
			return nil, nil, err
		}
		return database, func() { _ = database.Close(context.Background()) }, nil
	case config.DriverMongo:
		st, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		if err := st.EnsureIndexes(ctx); err != nil {
			_ = st.Close(ctx)
			return nil, nil, err
		}
		return st, func() { _ = st.Close(context.Background()) }, nil
	}
	return nil, nil, fmt.Errorf("cannot seed the %q store, it does not outlive the process", cfg.Driver)
}
