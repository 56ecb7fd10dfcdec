package bybit

// Payload shapes for the Bybit v5 REST API. Prices come back as strings.

type tickerResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Category string       `json:"category"`
		List     []tickerItem `json:"list"`
	} `json:"result"`
}

type tickerItem struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	Volume24h    string `json:"volume24h"`
	Price24hPcnt string `json:"price24hPcnt"`
	HighPrice24h string `json:"highPrice24h"`
	LowPrice24h  string `json:"lowPrice24h"`
}

// The P2P endpoint still answers in the older snake_case envelope.
type p2pResponse struct {
	RetCode int    `json:"ret_code"`
	RetMsg  string `json:"ret_msg"`
	Result  struct {
		Count int       `json:"count"`
		Items []p2pItem `json:"items"`
	} `json:"result"`
}

type p2pItem struct {
	ID       string `json:"id"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

type p2pRequest struct {
	TokenID    string   `json:"tokenId"`
	CurrencyID string   `json:"currencyId"`
	Page       string   `json:"page"`
	Side       string   `json:"side"`
	Payment    []string `json:"payment"`
}
