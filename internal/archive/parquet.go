package archive

import (
	"os"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"

	"github.com/ppiankov/serialtap/internal/sertypes"
)

const parquetBatchSize = 50000

// parquetEntry is the Parquet schema struct.
type parquetEntry struct {
	Seq  int64  `parquet:"seq"`
	Ts   int64  `parquet:"ts,timestamp(nanosecond)"`
	Port string `parquet:"port,dict"`
	Kind string `parquet:"kind,dict"`
	Data string `parquet:"data"`
}

type parquetWriter struct {
	file   *os.File
	writer *parquet.GenericWriter[parquetEntry]
	batch  []parquetEntry
}

func newParquetWriter(path string) (*parquetWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	w := parquet.NewGenericWriter[parquetEntry](f,
		parquet.Compression(&zstd.Codec{}),
	)

	return &parquetWriter{
		file:   f,
		writer: w,
		batch:  make([]parquetEntry, 0, parquetBatchSize),
	}, nil
}

func (w *parquetWriter) Write(e sertypes.Entry) error {
	w.batch = append(w.batch, parquetEntry{
		Seq:  int64(e.Seq),
		Ts:   e.Timestamp.UnixNano(),
		Port: e.Port,
		Kind: string(e.Kind),
		Data: e.Data,
	})
	if len(w.batch) >= parquetBatchSize {
		return w.flush()
	}
	return nil
}

func (w *parquetWriter) flush() error {
	if len(w.batch) == 0 {
		return nil
	}
	_, err := w.writer.Write(w.batch)
	w.batch = w.batch[:0]
	return err
}

func (w *parquetWriter) Close() error {
	if err := w.flush(); err != nil {
		_ = w.writer.Close()
		_ = w.file.Close()
		return err
	}
	if err := w.writer.Close(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}
