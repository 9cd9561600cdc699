package escrowgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetEventRow struct {
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	EscrowID   int64  `parquet:"name=escrow_id, type=INT64"`
	OfferID    int64  `parquet:"name=offer_id, type=INT64"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt  string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportEvents writes every indexed event after q.After (optionally limited to
// one escrow) to a snappy-compressed parquet file at path and returns the
// number of rows written.
func ExportEvents(ctx context.Context, store *SQLiteStore, path string, q EventQuery) (int, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("export: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetEventRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("export: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	q.Limit = maxEventPage
	written := 0
	for {
		batch, err := store.Events(ctx, q)
		if err != nil {
			file.Close()
			return written, err
		}
		for _, evt := range batch {
			row, err := newParquetEventRow(evt)
			if err != nil {
				file.Close()
				return written, err
			}
			if err := pw.Write(row); err != nil {
				file.Close()
				return written, fmt.Errorf("export: write row %d: %w", evt.Sequence, err)
			}
			q.After = evt.Sequence
			written++
		}
		if len(batch) < q.Limit {
			break
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return written, fmt.Errorf("export: finalise parquet: %w", err)
	}
	if err := file.Close(); err != nil {
		return written, fmt.Errorf("export: close parquet: %w", err)
	}
	return written, nil
}

func newParquetEventRow(evt IndexedEvent) (*parquetEventRow, error) {
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return nil, fmt.Errorf("export: encode attributes of %d: %w", evt.Sequence, err)
	}
	return &parquetEventRow{
		Sequence:   int64(evt.Sequence),
		Type:       evt.Type,
		EscrowID:   attrID(evt.Attributes["escrowId"]),
		OfferID:    attrID(evt.Attributes["offerId"]),
		Attributes: string(attrs),
		CreatedAt:  evt.CreatedAt.UTC().Format(time.RFC3339),
	}, nil
}

func attrID(raw string) int64 {
	id, err := strconv.ParseUint(raw, 10, 63)
	if err != nil {
		return 0
	}
	return int64(id)
}
