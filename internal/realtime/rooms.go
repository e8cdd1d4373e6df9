package realtime

import "strings"

// Server to client events
const (
	EventOrderNew     = "order:new"
	EventOrderUpdate  = "order:update"
	EventTradeUpdate  = "trade:update"
	EventNotification = "notification"
	EventChatMessage  = "chat:message"
	EventError        = "error"
)

// Client to server events
const (
	EventOrderSubscribe   = "order:subscribe"
	EventOrderUnsubscribe = "order:unsubscribe"
	EventTradeJoin        = "trade:join"
	EventTradeLeave       = "trade:leave"
	EventChatSend         = "chat:send"
)

// TradeRoom is joined by the parties of one trade
func TradeRoom(tradeID string) string {
	return "trade:" + tradeID
}

// UserRoom receives a user's personal notifications
func UserRoom(userID string) string {
	return "user:" + userID
}

// MarketRoom receives order book changes for one crypto/fiat pair
func MarketRoom(crypto, fiat string) string {
	return "orders:" + strings.ToUpper(crypto) + ":" + strings.ToUpper(fiat)
}
