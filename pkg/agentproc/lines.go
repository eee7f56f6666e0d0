package agentproc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// DefaultMaxLineBytes bounds a single output line.
const DefaultMaxLineBytes = 1 << 20

// readLineLimited returns the next line without its newline. Lines longer
// than maxBytes are cut to maxBytes; the remainder is consumed and discarded.
func readLineLimited(r *bufio.Reader, maxBytes int) ([]byte, bool, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxLineBytes
	}

	var (
		out       []byte
		truncated bool
	)
	for {
		frag, err := r.ReadSlice('\n')
		if !truncated {
			out = append(out, frag...)
			if len(out) > maxBytes {
				out = out[:maxBytes]
				truncated = true
			}
		}
		if err == nil {
			return trimEOL(out), truncated, nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(out) == 0 {
				return nil, false, io.EOF
			}
			return trimEOL(out), truncated, nil
		}
		return nil, false, err
	}
}

func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	return bytes.TrimSuffix(b, []byte("\r"))
}

// decodeLine turns a stdout line into an Output. JSON objects become
// records; anything else is passed through as text.
func decodeLine(line []byte, truncated bool) Output {
	trimmed := bytes.TrimSpace(line)
	if !truncated && len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed) {
		rec := make(json.RawMessage, len(trimmed))
		copy(rec, trimmed)
		return Output{Kind: OutputRecord, Record: rec}
	}
	return Output{Kind: OutputText, Text: string(line), Truncated: truncated}
}

// sessionIDOf extracts a top-level session_id from a record.
func sessionIDOf(rec json.RawMessage) string {
	var probe struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(rec, &probe); err != nil {
		return ""
	}
	return probe.SessionID
}
