package ack

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

const delimiter = '|'

// Encode renders the header followed by rows.
func Encode(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = delimiter
	if err := w.Write(Columns); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err := w.Write(r.values()); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encode ack rows: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses an artifact produced by Encode. Empty input yields no rows.
func Decode(data []byte) ([]Row, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = delimiter
	r.FieldsPerRecord = len(Columns)

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read ack header: %w", err)
	}
	if strings.Join(header, "|") != strings.Join(Columns, "|") {
		return nil, fmt.Errorf("unexpected ack header %q", strings.Join(header, "|"))
	}

	var rows []Row
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read ack row %d: %w", len(rows)+1, err)
		}
		rows = append(rows, rowFromValues(rec))
	}
	return rows, nil
}
