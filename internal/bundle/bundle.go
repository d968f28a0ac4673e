// Package bundle exports and imports the event log as a
// zstd-compressed archive for backup and restore.
package bundle

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"

	"keel/internal/eventlog"
)

// Archive format (inside the zstd stream):
// [4 bytes: header length (big-endian)]
// [header JSON: Header]
// [body JSON: array of transactions]
//
// The header carries a blake3 checksum of the body so a truncated or
// corrupted archive is rejected before anything is appended.

const (
	formatVersion = 1

	headerLengthSize = 4
	maxHeaderSize    = 1 << 20 // 1MB
)

// Header describes an archive.
type Header struct {
	Version      int    `json:"version"`
	Transactions int    `json:"transactions"`
	Events       int    `json:"events"`
	Checksum     string `json:"checksum"`
}

// Export writes the full event log to w as a compressed archive.
func Export(log *eventlog.Log, w io.Writer) error {
	txs, err := log.Transactions(0)
	if err != nil {
		return err
	}
	// Transactions() is newest first; archives store forward order.
	for i, j := 0, len(txs)-1; i < j; i, j = i+1, j-1 {
		txs[i], txs[j] = txs[j], txs[i]
	}

	body, err := json.Marshal(txs)
	if err != nil {
		return fmt.Errorf("marshaling transactions: %w", err)
	}
	events := 0
	for _, tx := range txs {
		events += len(tx.Events)
	}
	sum := blake3.Sum256(body)
	header, err := json.Marshal(Header{
		Version:      formatVersion,
		Transactions: len(txs),
		Events:       events,
		Checksum:     hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}

	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}

	var lenBuf [headerLengthSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(header)))
	for _, chunk := range [][]byte{lenBuf[:], header, body} {
		if _, err := encoder.Write(chunk); err != nil {
			encoder.Close()
			return fmt.Errorf("writing archive: %w", err)
		}
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("flushing archive: %w", err)
	}
	return nil
}

// Import reads an archive and appends its transactions to an empty
// log. Transaction ids are reassigned; descriptions, actors, and
// event order are preserved exactly. Returns the number of imported
// transactions.
func Import(log *eventlog.Log, r io.Reader) (int, error) {
	current, err := log.CurrentTransactionID()
	if err != nil {
		return 0, err
	}
	if current != 0 {
		return 0, fmt.Errorf("refusing to import into a non-empty log (transaction %d present)", current)
	}

	decoder, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer decoder.Close()

	raw, err := io.ReadAll(decoder)
	if err != nil {
		return 0, fmt.Errorf("decompressing archive: %w", err)
	}
	if len(raw) < headerLengthSize {
		return 0, fmt.Errorf("archive too small: %d bytes", len(raw))
	}

	headerLen := binary.BigEndian.Uint32(raw[:headerLengthSize])
	if headerLen > maxHeaderSize {
		return 0, fmt.Errorf("header too large: %d bytes", headerLen)
	}
	if int(headerLengthSize+headerLen) > len(raw) {
		return 0, fmt.Errorf("header length exceeds archive size")
	}

	var header Header
	if err := json.Unmarshal(raw[headerLengthSize:headerLengthSize+headerLen], &header); err != nil {
		return 0, fmt.Errorf("parsing header: %w", err)
	}
	if header.Version != formatVersion {
		return 0, fmt.Errorf("unsupported archive version %d", header.Version)
	}

	body := raw[headerLengthSize+headerLen:]
	sum := blake3.Sum256(body)
	if hex.EncodeToString(sum[:]) != header.Checksum {
		return 0, fmt.Errorf("archive checksum mismatch")
	}

	var txs []eventlog.Transaction
	if err := json.Unmarshal(bytes.TrimSpace(body), &txs); err != nil {
		return 0, fmt.Errorf("parsing transactions: %w", err)
	}
	if len(txs) != header.Transactions {
		return 0, fmt.Errorf("archive lists %d transactions, found %d", header.Transactions, len(txs))
	}

	for _, tx := range txs {
		events := make([]eventlog.Event, len(tx.Events))
		copy(events, tx.Events)
		for i := range events {
			events[i].ID = 0
			events[i].TxID = 0
		}
		if _, err := log.Append(tx.Description, tx.Actor, events); err != nil {
			return 0, err
		}
	}
	return len(txs), nil
}
