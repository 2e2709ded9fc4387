package ledger

import "context"

// DefaultScanChunk bounds how many headers a scan holds at once.
const DefaultScanChunk = 64

// FetchChunkFunc pulls the next chunk of headers ordered by ID,
// strictly after afterID, at most limit rows.
type FetchChunkFunc func(ctx context.Context, afterID int64, limit int) ([]ObligationHeader, error)

// ObligationSeq is a lazy, finite sequence over obligation headers.
// It pulls rows chunk by chunk via keyset pagination, so reporting
// scans never materialize a whole table. Each call to the repository's
// ScanObligations yields a fresh sequence starting from the beginning.
type ObligationSeq struct {
	fetch   FetchChunkFunc
	chunk   int
	buf     []ObligationHeader
	pos     int
	afterID int64
	done    bool
}

// NewObligationSeq builds a sequence over fetch with the given chunk
// size (DefaultScanChunk when non-positive).
func NewObligationSeq(fetch FetchChunkFunc, chunkSize int) *ObligationSeq {
	if chunkSize <= 0 {
		chunkSize = DefaultScanChunk
	}
	return &ObligationSeq{fetch: fetch, chunk: chunkSize}
}

// Next returns the next header. ok=false with nil error marks the end of
// the sequence. Cancellation of ctx surfaces as an error on the next
// chunk boundary.
func (s *ObligationSeq) Next(ctx context.Context) (ObligationHeader, bool, error) {
	if s.pos < len(s.buf) {
		h := s.buf[s.pos]
		s.pos++
		return h, true, nil
	}
	if s.done {
		return ObligationHeader{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return ObligationHeader{}, false, err
	}

	rows, err := s.fetch(ctx, s.afterID, s.chunk)
	if err != nil {
		return ObligationHeader{}, false, err
	}
	if len(rows) == 0 {
		s.done = true
		return ObligationHeader{}, false, nil
	}
	if len(rows) < s.chunk {
		s.done = true
	}
	s.buf = rows
	s.pos = 1
	s.afterID = rows[len(rows)-1].ID
	return rows[0], true, nil
}
