package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

// ErrorBody is the classified failure rendered to callers. Kind and
// Suggestions let an agent decide whether and how to retry.
type ErrorBody struct {
	Code        int      `json:"code"`
	Type        string   `json:"type"`
	Kind        string   `json:"kind"`
	Message     string   `json:"message"`
	Details     string   `json:"details,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Recoverable bool     `json:"recoverable"`
}

type EnvelopeMeta struct {
	RequestID string           `json:"request_id"`
	Timestamp time.Time        `json:"timestamp"`
	Command   string           `json:"command"`
	Providers []ProviderStatus `json:"providers,omitempty"`
	Partial   bool             `json:"partial"`
}

type ProviderStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

// WalletAddress is the address of the configured signer.
type WalletAddress struct {
	Address string `json:"address"`
	Source  string `json:"source"`
}

// KeyScan is the result of scanning text for private keys. Keys are reported
// by address only.
type KeyScan struct {
	Count   int        `json:"count"`
	Matches []KeyMatch `json:"matches"`
}

type KeyMatch struct {
	Format  string `json:"format"`
	Address string `json:"address"`
}

// BalanceEntry is one row of a multi-chain balance listing. Available is false
// when the chain's RPC could not be reached.
type BalanceEntry struct {
	Chain     string `json:"chain"`
	ChainID   int64  `json:"chain_id,omitempty"`
	Address   string `json:"address,omitempty"`
	Symbol    string `json:"symbol,omitempty"`
	Amount    string `json:"amount,omitempty"`
	BaseUnits string `json:"base_units,omitempty"`
	Available bool   `json:"available"`
}
