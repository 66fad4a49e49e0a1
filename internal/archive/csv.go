package archive

import (
	"encoding/csv"
	"os"
	"strconv"
	"time"

	"github.com/ppiankov/serialtap/internal/sertypes"
)

type csvWriter struct {
	file *os.File
	w    *csv.Writer
}

func newCSVWriter(path string) (*csvWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	w := csv.NewWriter(f)
	if err := w.Write([]string{"seq", "ts", "port", "kind", "data"}); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &csvWriter{file: f, w: w}, nil
}

func (w *csvWriter) Write(e sertypes.Entry) error {
	return w.w.Write([]string{
		strconv.FormatUint(e.Seq, 10),
		e.Timestamp.Format(time.RFC3339Nano),
		e.Port,
		string(e.Kind),
		e.Data,
	})
}

func (w *csvWriter) Close() error {
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}
