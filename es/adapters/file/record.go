package file

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupstore/es"
)

var (
	// ErrChecksumMismatch indicates a record whose body does not match its checksum.
	ErrChecksumMismatch = errors.New("record checksum mismatch")

	// ErrCorrupt indicates a damaged record followed by intact ones, which
	// cannot be the result of an interrupted write.
	ErrCorrupt = errors.New("stream file corrupt")
)

// record is one line of a stream file.
type record struct {
	ID      uuid.UUID `json:"id"`
	Sum     string    `json:"sum"`
	Payload []byte    `json:"payload"`
	N       uint64    `json:"n"`
	At      int64     `json:"at"`
}

// body is the checksummed part of a record.
type body struct {
	ID      uuid.UUID `json:"id"`
	Payload []byte    `json:"payload"`
	N       uint64    `json:"n"`
	At      int64     `json:"at"`
}

func checksum(r *record) (string, error) {
	data, err := json.Marshal(body{N: r.N, ID: r.ID, At: r.At, Payload: r.Payload})
	if err != nil {
		return "", fmt.Errorf("failed to marshal record body: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// encodeRecord returns the newline-terminated line for an event.
func encodeRecord(n es.EventNumber, id uuid.UUID, at time.Time, payload []byte) ([]byte, error) {
	r := record{N: uint64(n), ID: id, At: at.UnixMicro(), Payload: payload}
	sum, err := checksum(&r)
	if err != nil {
		return nil, err
	}
	r.Sum = sum
	line, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return append(line, '\n'), nil
}

// decodeRecord parses and verifies one line without its trailing newline.
func decodeRecord(line []byte) (record, error) {
	var r record
	if err := json.Unmarshal(line, &r); err != nil {
		return record{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	sum, err := checksum(&r)
	if err != nil {
		return record{}, err
	}
	if sum != r.Sum {
		return record{}, fmt.Errorf("event %d: %w", r.N, ErrChecksumMismatch)
	}
	return r, nil
}

// scanner walks the records of a stream file and tracks byte offsets, so the
// end of the last intact record is known.
type scanner struct {
	r      *bufio.Reader
	err    error
	rec    record
	offset int64
	valid  int64
	next   es.EventNumber
}

func newScanner(r io.Reader) *scanner {
	return &scanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Scan advances to the next intact record. It returns false at the end of the
// file or at the first damaged record; Err tells the two apart.
func (s *scanner) Scan() bool {
	if s.err != nil {
		return false
	}
	line, err := s.r.ReadBytes('\n')
	if errors.Is(err, io.EOF) {
		if len(line) > 0 {
			s.err = fmt.Errorf("unterminated record at offset %d", s.offset)
		}
		return false
	}
	if err != nil {
		s.err = err
		return false
	}
	s.offset += int64(len(line))

	rec, err := decodeRecord(bytes.TrimSuffix(line, []byte{'\n'}))
	if err != nil {
		s.err = fmt.Errorf("record at offset %d: %w", s.valid, err)
		return false
	}
	if es.EventNumber(rec.N) != s.next {
		s.err = fmt.Errorf("record at offset %d: event number %d, want %d", s.valid, rec.N, s.next)
		return false
	}
	s.rec = rec
	s.valid = s.offset
	s.next++
	return true
}

// Record returns the current record.
func (s *scanner) Record() record {
	return s.rec
}

// Err returns the reason scanning stopped early, or nil at a clean end of file.
func (s *scanner) Err() error {
	return s.err
}

// Valid is the byte length of the intact prefix scanned so far.
func (s *scanner) Valid() int64 {
	return s.valid
}

// Next is the event number after the last intact record.
func (s *scanner) Next() es.EventNumber {
	return s.next
}

// atEOF reports whether nothing follows the damaged record, meaning the damage
// is a torn tail from an interrupted write.
func (s *scanner) atEOF() bool {
	_, err := s.r.Peek(1)
	return errors.Is(err, io.EOF)
}
