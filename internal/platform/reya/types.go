package reya

import (
	"strconv"
	"strings"
)

// market is one entry of GET /v2/markets.
type market struct {
	Symbol      string `json:"symbol"`
	MarketID    int64  `json:"marketId"`
	MarkPrice   string `json:"markPrice"`
	FundingRate string `json:"fundingRate"`
	UpdatedAt   int64  `json:"updatedAt"` // unix ms
}

type orderRequest struct {
	AccountID     uint64 `json:"accountId"`
	MarketID      int64  `json:"marketId"`
	ExchangeID    int    `json:"exchangeId"`
	IsBuy         bool   `json:"isBuy"`
	Qty           string `json:"qty"`
	LimitPx       string `json:"limitPx"`
	ReduceOnly    bool   `json:"reduceOnly"`
	TimeInForce   string `json:"timeInForce"`
	ClientOrderID string `json:"clientOrderId"`
	Nonce         uint64 `json:"nonce"`
	Deadline      int64  `json:"deadline"`
	Signature     string `json:"signature"`
	SignerWallet  string `json:"signerWallet"`
}

type cancelRequest struct {
	AccountID     uint64 `json:"accountId"`
	ClientOrderID string `json:"clientOrderId"`
	Nonce         uint64 `json:"nonce"`
	Signature     string `json:"signature"`
}

type orderResponse struct {
	OrderID       string `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	ExecQty       string `json:"execQty"`
	AvgPrice      string `json:"avgPrice"`
	Reason        string `json:"reason,omitempty"`
}

type position struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"` // signed base
	AvgEntryPrice string `json:"avgEntryPrice"`
	MarkPrice     string `json:"markPrice"`
	UnrealizedPnl string `json:"unrealizedPnl"`
}

// wsMessage is every frame on the market data socket.
type wsMessage struct {
	Type     string     `json:"type"`
	Channel  string     `json:"channel,omitempty"`
	ID       string     `json:"id,omitempty"`
	Contents *wsFunding `json:"contents,omitempty"`
}

type wsFunding struct {
	FundingRate string `json:"fundingRate"`
	MarkPrice   string `json:"markPrice"`
	Timestamp   int64  `json:"timestamp"` // unix ms
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

// Normalize maps a bare coin to the venue's "<COIN>-rUSD" market symbol.
func Normalize(symbol string) string {
	if strings.Contains(symbol, "-") {
		return symbol
	}
	return symbol + "-rUSD"
}
