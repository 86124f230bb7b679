package kaspad

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultMempoolTimeout bounds getMempoolEntriesRequest, which can return a
// large payload.
const DefaultMempoolTimeout = 10 * time.Second

// Requester performs one command against a backend. It is satisfied by
// *Client and by the failover router.
type Requester interface {
	Request(ctx context.Context, command string, params any, timeout time.Duration) (json.RawMessage, error)
}

// MempoolEntriesParams are the parameters of getMempoolEntriesRequest.
type MempoolEntriesParams struct {
	IncludeOrphanPool     bool `json:"includeOrphanPool"`
	FilterTransactionPool bool `json:"filterTransactionPool"`
}

// GetInfo returns the node info used for readiness probing.
func GetInfo(ctx context.Context, r Requester, timeout time.Duration) (*GetInfoResponse, error) {
	raw, err := r.Request(ctx, CommandGetInfo, nil, timeout)
	if err != nil {
		return nil, err
	}
	var info GetInfoResponse
	if err := decode(raw, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetMempoolEntries returns the current mempool entries. Entries that do not
// decode are skipped; a payload without an entries list is malformed.
func GetMempoolEntries(ctx context.Context, r Requester, params MempoolEntriesParams, timeout time.Duration) ([]MempoolEntry, error) {
	if timeout <= 0 {
		timeout = DefaultMempoolTimeout
	}
	raw, err := r.Request(ctx, CommandGetMempoolEntries, params, timeout)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Entries []json.RawMessage `json:"entries"`
	}
	if err := decode(raw, &resp); err != nil {
		return nil, err
	}
	if resp.Entries == nil {
		return nil, fmt.Errorf("%w: entries", ErrMissingField)
	}

	entries := make([]MempoolEntry, 0, len(resp.Entries))
	for _, item := range resp.Entries {
		var entry MempoolEntry
		if err := json.Unmarshal(item, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// GetBlockDagInfo returns the DAG info with the raw payload attached.
func GetBlockDagInfo(ctx context.Context, r Requester, timeout time.Duration) (*BlockDagInfo, error) {
	raw, err := r.Request(ctx, CommandGetBlockDagInfo, nil, timeout)
	if err != nil {
		return nil, err
	}
	var info BlockDagInfo
	if err := decode(raw, &info); err != nil {
		return nil, err
	}
	info.Raw = raw
	return &info, nil
}

// GetVirtualSelectedParentBlueScore returns the blue score of the virtual
// selected parent.
func GetVirtualSelectedParentBlueScore(ctx context.Context, r Requester, timeout time.Duration) (int64, error) {
	raw, err := r.Request(ctx, CommandGetVirtualSelectedParentBlueScore, nil, timeout)
	if err != nil {
		return 0, err
	}
	var resp struct {
		BlueScore OptInt `json:"blueScore"`
	}
	if err := decode(raw, &resp); err != nil {
		return 0, err
	}
	if !resp.BlueScore.Valid {
		return 0, fmt.Errorf("%w: blueScore", ErrMissingField)
	}
	return resp.BlueScore.Value, nil
}

// GetCoinSupply returns the circulating and maximum supply.
func GetCoinSupply(ctx context.Context, r Requester, timeout time.Duration) (*CoinSupply, error) {
	raw, err := r.Request(ctx, CommandGetCoinSupply, nil, timeout)
	if err != nil {
		return nil, err
	}
	var supply CoinSupply
	if err := decode(raw, &supply); err != nil {
		return nil, err
	}
	return &supply, nil
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
