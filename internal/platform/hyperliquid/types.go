package hyperliquid

import (
	"encoding/json"
	"strconv"
	"strings"
)

// infoRequest is the body of every POST /info call.
type infoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
	OID  any    `json:"oid,omitempty"`
}

type universeEntry struct {
	Name       string `json:"name"`
	SzDecimals int    `json:"szDecimals"`
}

type meta struct {
	Universe []universeEntry `json:"universe"`
}

type assetCtx struct {
	Funding string `json:"funding"`
	MarkPx  string `json:"markPx"`
}

// orderWire is one order inside an "order" action. Field names and order
// follow the venue's wire format.
type orderWire struct {
	Asset      int       `json:"a"`
	IsBuy      bool      `json:"b"`
	LimitPx    string    `json:"p"`
	Size       string    `json:"s"`
	ReduceOnly bool      `json:"r"`
	Type       orderType `json:"t"`
	Cloid      string    `json:"c,omitempty"`
}

type orderType struct {
	Limit limitType `json:"limit"`
}

type limitType struct {
	TIF string `json:"tif"`
}

type orderAction struct {
	Type     string      `json:"type"`
	Orders   []orderWire `json:"orders"`
	Grouping string      `json:"grouping"`
}

type cancelByCloid struct {
	Asset int    `json:"asset"`
	Cloid string `json:"cloid"`
}

type cancelAction struct {
	Type    string          `json:"type"`
	Cancels []cancelByCloid `json:"cancels"`
}

type wireSignature struct {
	R string `json:"r"`
	S string `json:"s"`
	V int    `json:"v"`
}

type exchangeRequest struct {
	Action       any           `json:"action"`
	Nonce        uint64        `json:"nonce"`
	Signature    wireSignature `json:"signature"`
	VaultAddress *string       `json:"vaultAddress"`
}

// exchangeResponse wraps every /exchange reply. Response is a string when
// Status is "err".
type exchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type exchangeData struct {
	Type string `json:"type"`
	Data struct {
		Statuses []json.RawMessage `json:"statuses"`
	} `json:"data"`
}

type orderStatusEntry struct {
	Filled *struct {
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
		OID     int64  `json:"oid"`
	} `json:"filled,omitempty"`
	Resting *struct {
		OID int64 `json:"oid"`
	} `json:"resting,omitempty"`
	Error string `json:"error,omitempty"`
}

type orderStatusResponse struct {
	Status string `json:"status"`
	Order  struct {
		Order struct {
			Coin    string `json:"coin"`
			Side    string `json:"side"`
			LimitPx string `json:"limitPx"`
			Sz      string `json:"sz"`
			OrigSz  string `json:"origSz"`
			OID     int64  `json:"oid"`
			Cloid   string `json:"cloid"`
		} `json:"order"`
		Status string `json:"status"`
	} `json:"order"`
}

type clearinghouseState struct {
	AssetPositions []struct {
		Position struct {
			Coin          string `json:"coin"`
			Szi           string `json:"szi"`
			EntryPx       string `json:"entryPx"`
			PositionValue string `json:"positionValue"`
			UnrealizedPnl string `json:"unrealizedPnl"`
		} `json:"position"`
	} `json:"assetPositions"`
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
