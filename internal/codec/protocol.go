package codec

// Protocol holds the field names the core routes by. None of them are
// interpreted beyond routing.
type Protocol struct {
	TypeField    string              // Message-type tag, e.g. "MsgType"
	IDFields     []string            // Request identifier fields, checked in order
	ColumnsField string              // Column names of compact groups
	GroupSuffix  string              // Suffix of compact group fields
	ErrorTypes   []string            // Message types that reject a request
	FanoutFields map[string][]string // Message type -> fields that derive extra keys
}

// DefaultProtocol returns the BlinkTrade field layout.
func DefaultProtocol() Protocol {
	return Protocol{
		TypeField: "MsgType",
		IDFields: []string{
			"TestReqID",
			"UserReqID",
			"BalanceReqID",
			"SecurityStatusReqID",
			"MDReqID",
			"OrdersReqID",
			"TradeHistoryReqID",
			"WithdrawListReqID",
			"WithdrawReqID",
			"DepositListReqID",
			"DepositReqID",
			"DepositMethodReqID",
			"ClOrdID",
			"ReqID",
		},
		ColumnsField: "Columns",
		GroupSuffix:  "Grp",
		ErrorTypes:   []string{"ERROR"},
		FanoutFields: map[string][]string{
			"8": {"ExecType", "Symbol"}, // Execution report
			"f": {"Symbol"},             // Security status (ticker)
		},
	}
}

// Identify returns the first configured identifier field present in msg.
func (p Protocol) Identify(msg Message) (field string, value any, ok bool) {
	for _, f := range p.IDFields {
		if v, present := msg[f]; present && v != nil {
			return f, v, true
		}
	}
	return "", nil, false
}

// IsError reports whether msgType is a rejection type.
func (p Protocol) IsError(msgType string) bool {
	for _, t := range p.ErrorTypes {
		if t == msgType {
			return true
		}
	}
	return false
}
