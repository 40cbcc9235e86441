package fetcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSVOptions configures the streaming CSV parser.
type CSVOptions struct {
	Delimiter  rune            // default ','
	Comment    rune            // lines starting with it are skipped; 0 disables
	HasHeader  bool            // first row goes to HeaderCh instead of the row channel
	HeaderCh   chan<- []string // may be nil
	LazyQuotes bool
	TrimSpace  bool
	StripBOM   bool // export files carry a UTF-8 byte order mark
}

func (o CSVOptions) reader(r io.Reader) *csv.Reader {
	if o.StripBOM {
		br := bufio.NewReader(r)
		if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
			_, _ = br.Discard(len(utf8BOM))
		}
		r = br
	}
	cr := csv.NewReader(r)
	if o.Delimiter != 0 {
		cr.Comma = o.Delimiter
	}
	cr.Comment = o.Comment
	cr.LazyQuotes = o.LazyQuotes
	cr.FieldsPerRecord = -1
	return cr
}

// StreamCSV parses r in a goroutine and delivers records on the row channel.
// The caller must drain the row channel; at most one error is sent on the
// error channel. Both close when parsing stops.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(rowCh)
		if err := parseCSV(ctx, opts.reader(r), opts, rowCh); err != nil {
			errCh <- err
		}
	}()
	return rowCh, errCh
}

func parseCSV(ctx context.Context, cr *csv.Reader, opts CSVOptions, rowCh chan<- []string) error {
	for n := 0; ; n++ {
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "csv: context cancelled")
		}
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "csv: read row")
		}
		if opts.TrimSpace {
			for i := range record {
				record[i] = strings.TrimSpace(record[i])
			}
		}

		out := rowCh
		if n == 0 && opts.HasHeader {
			if opts.HeaderCh == nil {
				continue
			}
			out = opts.HeaderCh
		}
		select {
		case out <- record:
		case <-ctx.Done():
			return eris.Wrap(ctx.Err(), "csv: context cancelled")
		}
	}
}

// Header maps lowercased column names to their index in a row.
type Header map[string]int

// NewHeader builds a Header from a header record.
func NewHeader(record []string) Header {
	h := make(Header, len(record))
	for i, name := range record {
		h[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return h
}

// Has reports whether the column exists.
func (h Header) Has(name string) bool {
	_, ok := h[name]
	return ok
}

// Get returns the trimmed value for the named column, or "" when the column
// is missing or the row is short.
func (h Header) Get(row []string, name string) string {
	i, ok := h[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// ForEachRecord streams a headed CSV and calls fn for every data row.
// A leading BOM is stripped. Returning an error from fn stops the scan.
func ForEachRecord(ctx context.Context, r io.Reader, fn func(h Header, row []string) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	headerCh := make(chan []string, 1)
	rowCh, errCh := StreamCSV(ctx, r, CSVOptions{
		HasHeader:  true,
		HeaderCh:   headerCh,
		LazyQuotes: true,
		StripBOM:   true,
	})

	var h Header
	for row := range rowCh {
		if h == nil {
			select {
			case rec := <-headerCh:
				h = NewHeader(rec)
			default:
				return eris.New("csv: missing header row")
			}
		}
		if err := fn(h, row); err != nil {
			cancel()
			for range rowCh {
			}
			return err
		}
	}
	if err := <-errCh; err != nil {
		return err
	}
	return nil
}
