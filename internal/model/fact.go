package model

import "time"

// BlockHeader identifies the block a log was emitted in.
type BlockHeader struct {
	Height    uint64    `json:"height"`
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
}

// DecodedLog is a contract event as delivered by the upstream decoder:
// the ABI has already been applied and Args holds the named parameters.
type DecodedLog struct {
	ID              string            `json:"id"`
	Address         string            `json:"address"`
	Event           string            `json:"event"`
	Args            map[string]string `json:"args"`
	TransactionHash string            `json:"transaction_hash"`
	Block           BlockHeader       `json:"block"`
}

// TransferEvent is the raw fact staged for every decoded Transfer log.
type TransferEvent struct {
	ID              string
	BlockNumber     uint64
	BlockTimestamp  time.Time
	TransactionHash string
	From            string
	To              string
	TokenID         uint64
}
