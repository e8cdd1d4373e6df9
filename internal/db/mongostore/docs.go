package mongostore

import (
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/xtrntr/p2pdesk/internal/models"
)

// Money is stored as Decimal128 so range filters and $expr arithmetic stay exact

func toDec(d decimal.Decimal) primitive.Decimal128 {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.NewDecimal128(0, 0)
	}
	return v
}

func fromDec(v primitive.Decimal128) decimal.Decimal {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

type statsDoc struct {
	TotalTrades     int     `bson:"totalTrades"`
	CompletedTrades int     `bson:"completedTrades"`
	CancelledTrades int     `bson:"cancelledTrades"`
	Rating          float64 `bson:"rating"`
	ReviewCount     int     `bson:"reviewCount"`
}

type userDoc struct {
	ID           string           `bson:"_id"`
	Email        string           `bson:"email"`
	Username     string           `bson:"username"`
	PasswordHash string           `bson:"passwordHash"`
	Role         models.Role      `bson:"role"`
	KYCStatus    models.KYCStatus `bson:"kycStatus"`
	Stats        statsDoc         `bson:"stats"`
	CreatedAt    time.Time        `bson:"createdAt"`
	UpdatedAt    time.Time        `bson:"updatedAt"`
}

func newUserDoc(u *models.User) userDoc {
	return userDoc{
		ID:           u.ID,
		Email:        u.Email,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		Role:         u.Role,
		KYCStatus:    u.KYCStatus,
		Stats:        statsDoc(u.Stats),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func (d userDoc) model() *models.User {
	return &models.User{
		ID:           d.ID,
		Email:        d.Email,
		Username:     d.Username,
		PasswordHash: d.PasswordHash,
		Role:         d.Role,
		KYCStatus:    d.KYCStatus,
		Stats:        models.UserStats(d.Stats),
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

type paymentMethodDoc struct {
	ID         string                      `bson:"_id"`
	UserID     string                      `bson:"user"`
	Type       models.PaymentMethodType    `bson:"type"`
	Name       string                      `bson:"name"`
	Details    models.PaymentMethodDetails `bson:"details"`
	IsVerified bool                        `bson:"isVerified"`
	CreatedAt  time.Time                   `bson:"createdAt"`
}

type orderDoc struct {
	ID               string                     `bson:"_id"`
	UserID           string                     `bson:"user"`
	Type             models.OrderType           `bson:"type"`
	Cryptocurrency   string                     `bson:"cryptocurrency"`
	FiatCurrency     string                     `bson:"fiatCurrency"`
	Price            primitive.Decimal128       `bson:"price"`
	Amount           primitive.Decimal128       `bson:"amount"`
	AvailableAmount  primitive.Decimal128       `bson:"availableAmount"`
	MinLimit         primitive.Decimal128       `bson:"minLimit"`
	MaxLimit         primitive.Decimal128       `bson:"maxLimit"`
	PaymentMethods   []models.PaymentMethodType `bson:"paymentMethods"`
	PaymentTimeLimit int                        `bson:"paymentTimeLimit"`
	Terms            string                     `bson:"terms"`
	AutoReply        string                     `bson:"autoReply"`
	Status           models.OrderStatus         `bson:"status"`
	Source           models.OrderSource         `bson:"source"`
	Region           string                     `bson:"region"`
	CompletedTrades  int                        `bson:"completedTrades"`
	Views            int                        `bson:"views"`
	IsVerifiedOnly   bool                       `bson:"isVerifiedOnly"`
	CreatedAt        time.Time                  `bson:"createdAt"`
	UpdatedAt        time.Time                  `bson:"updatedAt"`
}

func newOrderDoc(o *models.Order) orderDoc {
	return orderDoc{
		ID:               o.ID,
		UserID:           o.UserID,
		Type:             o.Type,
		Cryptocurrency:   o.Cryptocurrency,
		FiatCurrency:     o.FiatCurrency,
		Price:            toDec(o.Price),
		Amount:           toDec(o.Amount),
		AvailableAmount:  toDec(o.AvailableAmount),
		MinLimit:         toDec(o.MinLimit),
		MaxLimit:         toDec(o.MaxLimit),
		PaymentMethods:   o.PaymentMethods,
		PaymentTimeLimit: o.PaymentTimeLimit,
		Terms:            o.Terms,
		AutoReply:        o.AutoReply,
		Status:           o.Status,
		Source:           o.Source,
		Region:           o.Region,
		CompletedTrades:  o.CompletedTrades,
		Views:            o.Views,
		IsVerifiedOnly:   o.IsVerifiedOnly,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
}

func (d orderDoc) model() *models.Order {
	return &models.Order{
		ID:               d.ID,
		UserID:           d.UserID,
		Type:             d.Type,
		Cryptocurrency:   d.Cryptocurrency,
		FiatCurrency:     d.FiatCurrency,
		Price:            fromDec(d.Price),
		Amount:           fromDec(d.Amount),
		AvailableAmount:  fromDec(d.AvailableAmount),
		MinLimit:         fromDec(d.MinLimit),
		MaxLimit:         fromDec(d.MaxLimit),
		PaymentMethods:   d.PaymentMethods,
		PaymentTimeLimit: d.PaymentTimeLimit,
		Terms:            d.Terms,
		AutoReply:        d.AutoReply,
		Status:           d.Status,
		Source:           d.Source,
		Region:           d.Region,
		CompletedTrades:  d.CompletedTrades,
		Views:            d.Views,
		IsVerifiedOnly:   d.IsVerifiedOnly,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

type tradeDoc struct {
	ID                 string                   `bson:"_id"`
	OrderID            string                   `bson:"order"`
	BuyerID            string                   `bson:"buyer"`
	SellerID           string                   `bson:"seller"`
	Cryptocurrency     string                   `bson:"cryptocurrency"`
	FiatCurrency       string                   `bson:"fiatCurrency"`
	Amount             primitive.Decimal128     `bson:"amount"`
	Price              primitive.Decimal128     `bson:"price"`
	TotalValue         primitive.Decimal128     `bson:"totalValue"`
	PaymentMethod      models.PaymentMethodType `bson:"paymentMethod"`
	Status             models.TradeStatus       `bson:"status"`
	Timeline           []models.TimelineEntry   `bson:"timeline"`
	PaymentDetails     models.PaymentDetails    `bson:"paymentDetails"`
	Chat               []models.ChatMessage     `bson:"chat"`
	Dispute            models.Dispute           `bson:"dispute"`
	Rating             models.TradeRatings      `bson:"rating"`
	ExpiresAt          time.Time                `bson:"expiresAt"`
	CompletedAt        *time.Time               `bson:"completedAt,omitempty"`
	CancelledAt        *time.Time               `bson:"cancelledAt,omitempty"`
	CancelledBy        string                   `bson:"cancelledBy,omitempty"`
	CancellationReason string                   `bson:"cancellationReason,omitempty"`
	Version            int                      `bson:"version"`
	CreatedAt          time.Time                `bson:"createdAt"`
	UpdatedAt          time.Time                `bson:"updatedAt"`
}

func newTradeDoc(t *models.Trade) tradeDoc {
	return tradeDoc{
		ID:                 t.ID,
		OrderID:            t.OrderID,
		BuyerID:            t.BuyerID,
		SellerID:           t.SellerID,
		Cryptocurrency:     t.Cryptocurrency,
		FiatCurrency:       t.FiatCurrency,
		Amount:             toDec(t.Amount),
		Price:              toDec(t.Price),
		TotalValue:         toDec(t.TotalValue),
		PaymentMethod:      t.PaymentMethod,
		Status:             t.Status,
		Timeline:           t.Timeline,
		PaymentDetails:     t.PaymentDetails,
		Chat:               t.Chat,
		Dispute:            t.Dispute,
		Rating:             t.Rating,
		ExpiresAt:          t.ExpiresAt,
		CompletedAt:        t.CompletedAt,
		CancelledAt:        t.CancelledAt,
		CancelledBy:        t.CancelledBy,
		CancellationReason: t.CancellationReason,
		Version:            t.Version,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
}

func (d tradeDoc) model() *models.Trade {
	t := &models.Trade{
		ID:                 d.ID,
		OrderID:            d.OrderID,
		BuyerID:            d.BuyerID,
		SellerID:           d.SellerID,
		Cryptocurrency:     d.Cryptocurrency,
		FiatCurrency:       d.FiatCurrency,
		Amount:             fromDec(d.Amount),
		Price:              fromDec(d.Price),
		TotalValue:         fromDec(d.TotalValue),
		PaymentMethod:      d.PaymentMethod,
		Status:             d.Status,
		Timeline:           d.Timeline,
		PaymentDetails:     d.PaymentDetails,
		Chat:               d.Chat,
		Dispute:            d.Dispute,
		Rating:             d.Rating,
		ExpiresAt:          d.ExpiresAt,
		CompletedAt:        d.CompletedAt,
		CancelledAt:        d.CancelledAt,
		CancelledBy:        d.CancelledBy,
		CancellationReason: d.CancellationReason,
		Version:            d.Version,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
	if t.Chat == nil {
		t.Chat = []models.ChatMessage{}
	}
	return t
}
