// Package trace records the messages a port receives and transmits as a
// stream of CBOR items, and reads them back.
package trace

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/oxplot/go-pdlink/pdmsg"
)

// Direction tells whether a record was received or transmitted.
type Direction uint8

// Directions.
const (
	Rx Direction = 0
	Tx Direction = 1
)

func (d Direction) String() string {
	if d == Tx {
		return "TX"
	}
	return "RX"
}

// Record is a single traced frame.
type Record struct {
	Time   int64           `cbor:"1,keyasint"` // unix nanoseconds
	Port   int             `cbor:"2,keyasint"`
	Dir    Direction       `cbor:"3,keyasint"`
	SOP    pdmsg.FrameType `cbor:"4,keyasint"`
	Header uint16          `cbor:"5,keyasint"`
	Data   []uint32        `cbor:"6,keyasint,omitempty"`
	Result string          `cbor:"7,keyasint,omitempty"` // empty on success
}

// New returns a record of m with the outcome err, timestamped now.
func New(port int, dir Direction, m pdmsg.Message, err error) Record {
	r := Record{
		Time:   time.Now().UnixNano(),
		Port:   port,
		Dir:    dir,
		SOP:    m.SOP,
		Header: m.Header,
	}
	if objs := m.Objects(); len(objs) > 0 {
		r.Data = append([]uint32(nil), objs...)
	}
	if err != nil {
		r.Result = err.Error()
	}
	return r
}

// Message rebuilds the traced message.
func (r Record) Message() pdmsg.Message {
	m := pdmsg.Message{SOP: r.SOP, Header: r.Header}
	copy(m.Data[:], r.Data)
	return m
}

func (r Record) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s C%d %s", time.Unix(0, r.Time).Format("15:04:05.000000"), r.Port, r.Dir)
	if r.SOP.IsMessage() {
		fmt.Fprintf(&b, " %s", r.Message())
	} else {
		fmt.Fprintf(&b, " %s", r.SOP)
	}
	if r.Result != "" {
		fmt.Fprintf(&b, " [%s]", r.Result)
	}
	return b.String()
}

// Writer appends records to a stream. It is safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	enc *cbor.Encoder
}

// NewWriter returns a writer appending to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: cbor.NewEncoder(w)}
}

// Record writes r.
func (w *Writer) Record(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(r); err != nil {
		return fmt.Errorf("trace: %w", err)
	}
	return nil
}

// Reader reads records from a stream.
type Reader struct {
	dec *cbor.Decoder
}

// NewReader returns a reader of the records in r.
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: cbor.NewDecoder(r)}
}

// Next returns the next record, or io.EOF at the end of the stream.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return rec, io.EOF
		}
		return rec, fmt.Errorf("trace: %w", err)
	}
	return rec, nil
}
