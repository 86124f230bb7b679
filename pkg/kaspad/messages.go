package kaspad

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Message is a message stream envelope: a single key naming the command or
// notification, mapped to its payload.
type Message map[string]json.RawMessage

// Command names understood by kaspad.
const (
	CommandGetInfo                           = "getInfoRequest"
	CommandGetMempoolEntries                 = "getMempoolEntriesRequest"
	CommandGetBlockDagInfo                   = "getBlockDagInfoRequest"
	CommandGetVirtualSelectedParentBlueScore = "getVirtualSelectedParentBlueScoreRequest"
	CommandGetCoinSupply                     = "getCoinSupplyRequest"
	CommandNotifyBlockAdded                  = "notifyBlockAddedRequest"
)

// NotificationBlockAdded is the envelope key of block added notifications.
const NotificationBlockAdded = "blockAddedNotification"

// BlockAddedNotification is the payload of a block added notification. The
// block is kept raw and forwarded as the node sent it.
type BlockAddedNotification struct {
	Block json.RawMessage `json:"block"`
}

// responseName maps a request command to the envelope key of its response.
func responseName(command string) string {
	return strings.TrimSuffix(command, "Request") + "Response"
}

// OptInt is an integer field that may be absent, null, a JSON number or a
// decimal string. Unparseable values decode as absent.
type OptInt struct {
	Value int64
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *OptInt) UnmarshalJSON(b []byte) error {
	*o = OptInt{}

	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		s = strings.TrimSpace(s)
	}

	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		*o = OptInt{Value: v, Valid: true}
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	// float64(math.MaxInt64) rounds up to 2^63, which no longer fits.
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return nil
	}
	*o = OptInt{Value: int64(f), Valid: true}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (o OptInt) MarshalJSON() ([]byte, error) {
	if !o.Valid {
		return []byte("null"), nil
	}
	return strconv.AppendInt(nil, o.Value, 10), nil
}

// Or returns the value if present, def otherwise.
func (o OptInt) Or(def int64) int64 {
	if !o.Valid {
		return def
	}
	return o.Value
}

// OptString is a string field that may also arrive as a JSON number, in
// which case it holds the number's literal text. Other values decode as
// empty.
type OptString string

// UnmarshalJSON implements json.Unmarshaler.
func (o *OptString) UnmarshalJSON(b []byte) error {
	*o = ""

	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}

	switch {
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err == nil {
			*o = OptString(s)
		}
	case b[0] == '-' || (b[0] >= '0' && b[0] <= '9'):
		var n json.Number
		if err := json.Unmarshal(b, &n); err == nil {
			*o = OptString(n)
		}
	}
	return nil
}

// errorPayload is the error object kaspad embeds in failed responses.
type errorPayload struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// responseError returns an *RPCError if the payload carries a non-empty
// error message.
func responseError(command string, payload json.RawMessage) error {
	var p errorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil
	}
	if p.Error == nil || p.Error.Message == "" {
		return nil
	}
	return &RPCError{Command: command, Message: p.Error.Message}
}

// GetInfoResponse is the payload of getInfoResponse.
type GetInfoResponse struct {
	P2PID         *string `json:"p2pId"`
	MempoolSize   OptInt  `json:"mempoolSize"`
	ServerVersion *string `json:"serverVersion"`
	IsUtxoIndexed *bool   `json:"isUtxoIndexed"`
	IsSynced      *bool   `json:"isSynced"`
}

// MempoolEntry is one entry of getMempoolEntriesResponse.
type MempoolEntry struct {
	Fee         OptInt       `json:"fee"`
	Transaction *Transaction `json:"transaction"`
	IsOrphan    *bool        `json:"isOrphan"`
}

// Transaction carries the identifier candidates of a mempool transaction.
// Nodes and proxies disagree on the key, so all known spellings are kept.
type Transaction struct {
	TransactionID  OptString               `json:"transactionId"`
	TransactionIDS OptString               `json:"transaction_id"`
	Hash           OptString               `json:"hash"`
	ID             OptString               `json:"id"`
	TxID           OptString               `json:"txId"`
	VerboseData    *TransactionVerboseData `json:"verboseData"`
}

// TransactionVerboseData is the verbose part of a mempool transaction.
type TransactionVerboseData struct {
	TransactionID  OptString `json:"transactionId"`
	TransactionIDS OptString `json:"transaction_id"`
	Hash           OptString `json:"hash"`
	Mass           OptInt    `json:"mass"`
}

// Identifier returns the first non-empty transaction identifier, checking
// the transaction keys before the verbose data keys.
func (t *Transaction) Identifier() string {
	if t == nil {
		return ""
	}
	for _, id := range []OptString{t.TransactionID, t.TransactionIDS, t.Hash, t.ID, t.TxID} {
		if id != "" {
			return string(id)
		}
	}
	if v := t.VerboseData; v != nil {
		for _, id := range []OptString{v.TransactionID, v.TransactionIDS, v.Hash} {
			if id != "" {
				return string(id)
			}
		}
	}
	return ""
}

// Mass returns the verbose mass of the transaction.
func (t *Transaction) Mass() OptInt {
	if t == nil || t.VerboseData == nil {
		return OptInt{}
	}
	return t.VerboseData.Mass
}

// BlockDagInfo is the payload of getBlockDagInfoResponse. Raw holds the
// payload exactly as received.
type BlockDagInfo struct {
	NetworkName         *string  `json:"networkName"`
	BlockCount          OptInt   `json:"blockCount"`
	HeaderCount         OptInt   `json:"headerCount"`
	TipHashes           []string `json:"tipHashes"`
	Difficulty          *float64 `json:"difficulty"`
	PastMedianTime      OptInt   `json:"pastMedianTime"`
	VirtualParentHashes []string `json:"virtualParentHashes"`
	PruningPointHash    *string  `json:"pruningPointHash"`
	VirtualDaaScore     OptInt   `json:"virtualDaaScore"`
	BlockMassLimit      OptInt   `json:"blockMassLimit"`

	Raw json.RawMessage `json:"-"`
}

// CoinSupply is the payload of getCoinSupplyResponse, in sompi.
type CoinSupply struct {
	CirculatingSompi OptInt `json:"circulatingSompi"`
	MaxSompi         OptInt `json:"maxSompi"`
}
