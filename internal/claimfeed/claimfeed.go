// Package claimfeed streams claim requests from CSV claim files.
package claimfeed

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/rxclaims/internal/model"
)

// RequiredColumns must be present in the header row.
var RequiredColumns = []string{
	"member_id",
	"pharmacy_id",
	"ndc",
	"quantity_dispensed",
	"days_supply",
	"date_of_service",
}

// Received timestamps are accepted in these layouts, interpreted as UTC
// when no zone is given.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	model.DateLayout,
}

// Options configures a feed.
type Options struct {
	Delimiter rune // default ','
	// SkipInvalid logs and drops rows that fail to decode instead of
	// stopping the stream.
	SkipInvalid bool
	Buffer      int // channel buffer, default 256
}

func parseTimestamp(data []byte, t *time.Time) error {
	s := strings.TrimSpace(string(data))
	if s == "" {
		*t = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			*t = parsed.UTC()
			return nil
		}
	}
	return eris.Errorf("claimfeed: unrecognized timestamp %q", s)
}

func parseDecimal(data []byte, d *decimal.Decimal) error {
	s := strings.TrimSpace(string(data))
	if s == "" {
		*d = decimal.Zero
		return nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return eris.Wrapf(err, "claimfeed: parse amount %q", s)
	}
	*d = v
	return nil
}

// Stream decodes claims from r and sends them on the returned channel in
// file order. The caller must consume the claim channel. Both channels are
// closed when the input is exhausted, decoding fails or ctx is cancelled.
func Stream(ctx context.Context, r io.Reader, opts Options) (<-chan model.ClaimRequest, <-chan error) {
	buf := opts.Buffer
	if buf <= 0 {
		buf = 256
	}
	claimCh := make(chan model.ClaimRequest, buf)
	errCh := make(chan error, 1)

	go func() {
		defer close(claimCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		reader.FieldsPerRecord = -1
		reader.TrimLeadingSpace = true
		reader.ReuseRecord = true

		dec, err := csvutil.NewDecoder(reader)
		if err != nil {
			if err == io.EOF {
				return
			}
			errCh <- eris.Wrap(err, "claimfeed: read header")
			return
		}
		if err := checkHeader(dec.Header()); err != nil {
			errCh <- err
			return
		}
		dec.WithUnmarshalers(csvutil.NewUnmarshalers(
			csvutil.UnmarshalFunc(parseTimestamp),
			csvutil.UnmarshalFunc(parseDecimal),
		))

		for line := 2; ; line++ {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "claimfeed: context cancelled")
				return
			}

			var claim model.ClaimRequest
			err := dec.Decode(&claim)
			if err == io.EOF {
				return
			}
			if err != nil {
				if opts.SkipInvalid {
					zap.L().Warn("claimfeed: skipping invalid row", zap.Int("line", line), zap.Error(err))
					continue
				}
				errCh <- eris.Wrapf(err, "claimfeed: decode line %d", line)
				return
			}

			select {
			case claimCh <- claim:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "claimfeed: context cancelled")
				return
			}
		}
	}()

	return claimCh, errCh
}

// StreamFile opens path and streams its claims. The file is closed when the
// stream ends.
func StreamFile(ctx context.Context, path string, opts Options) (<-chan model.ClaimRequest, <-chan error) {
	f, err := os.Open(path)
	if err != nil {
		claimCh := make(chan model.ClaimRequest)
		errCh := make(chan error, 1)
		errCh <- eris.Wrapf(err, "claimfeed: open %s", path)
		close(claimCh)
		close(errCh)
		return claimCh, errCh
	}

	claims, errs := Stream(ctx, f, opts)
	out := make(chan error, 1)
	go func() {
		defer close(out)
		defer f.Close() //nolint:errcheck
		if err, ok := <-errs; ok && err != nil {
			out <- err
		}
	}()
	return claims, out
}

func checkHeader(header []string) error {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[strings.TrimSpace(h)] = true
	}
	var missing []string
	for _, col := range RequiredColumns {
		if !have[col] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return eris.Errorf("claimfeed: missing columns: %s", strings.Join(missing, ", "))
	}
	return nil
}
