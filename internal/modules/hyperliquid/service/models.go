package service

import "encoding/json"

// Порядок полей важен: по нему msgpack считает хэш действия.

type limitTif struct {
	Tif string `json:"tif" msgpack:"tif"`
}

type orderType struct {
	Limit limitTif `json:"limit" msgpack:"limit"`
}

type orderWire struct {
	Asset      int       `json:"a" msgpack:"a"`
	IsBuy      bool      `json:"b" msgpack:"b"`
	Price      string    `json:"p" msgpack:"p"`
	Size       string    `json:"s" msgpack:"s"`
	ReduceOnly bool      `json:"r" msgpack:"r"`
	Type       orderType `json:"t" msgpack:"t"`
	Cloid      string    `json:"c,omitempty" msgpack:"c,omitempty"`
}

type orderAction struct {
	Type     string      `json:"type" msgpack:"type"`
	Orders   []orderWire `json:"orders" msgpack:"orders"`
	Grouping string      `json:"grouping" msgpack:"grouping"`
}

type cancelWire struct {
	Asset int   `json:"a" msgpack:"a"`
	Oid   int64 `json:"o" msgpack:"o"`
}

type cancelAction struct {
	Type    string       `json:"type" msgpack:"type"`
	Cancels []cancelWire `json:"cancels" msgpack:"cancels"`
}

type exchangeRequest struct {
	Action       any       `json:"action"`
	Nonce        uint64    `json:"nonce"`
	Signature    Signature `json:"signature"`
	VaultAddress *string   `json:"vaultAddress"`
}

type exchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type actionResponse struct {
	Type string `json:"type"`
	Data struct {
		Statuses []json.RawMessage `json:"statuses"`
	} `json:"data"`
}

type orderStatusEntry struct {
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting"`
	Filled *struct {
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
		Oid     int64  `json:"oid"`
	} `json:"filled"`
	Error string `json:"error"`
}

type universeAsset struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
	IsDelisted  bool   `json:"isDelisted"`
}

type metaResponse struct {
	Universe []universeAsset `json:"universe"`
}

type assetCtx struct {
	MarkPx    string `json:"markPx"`
	MidPx     string `json:"midPx"`
	DayNtlVlm string `json:"dayNtlVlm"`
}

type orderQueryResponse struct {
	Status string `json:"status"`
	Order  struct {
		Order struct {
			Coin    string `json:"coin"`
			Oid     int64  `json:"oid"`
			Sz      string `json:"sz"`
			OrigSz  string `json:"origSz"`
			LimitPx string `json:"limitPx"`
		} `json:"order"`
		Status          string `json:"status"`
		StatusTimestamp int64  `json:"statusTimestamp"`
	} `json:"order"`
}

type clearinghouseState struct {
	AssetPositions []struct {
		Position struct {
			Coin    string `json:"coin"`
			Szi     string `json:"szi"`
			EntryPx string `json:"entryPx"`
		} `json:"position"`
	} `json:"assetPositions"`
}

type wsFill struct {
	Coin string `json:"coin"`
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Side string `json:"side"` // "B" покупка, "A" продажа
	Time int64  `json:"time"`
	Oid  int64  `json:"oid"`
	Tid  int64  `json:"tid"`
}

type wsFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wsUserFills struct {
	IsSnapshot bool     `json:"isSnapshot"`
	User       string   `json:"user"`
	Fills      []wsFill `json:"fills"`
}
