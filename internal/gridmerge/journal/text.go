package journal

import (
	"bufio"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

const TextJournalFileName = "state.log"

// TextJournal appends one human-readable line per transition to a file.
type TextJournal struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

// NewTextJournal creates (or truncates) <dir>/state.log.
func NewTextJournal(dir string) (*TextJournal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	file, err := os.Create(filepath.Join(dir, TextJournalFileName))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &TextJournal{file: file, writer: bufio.NewWriter(file)}, nil
}

func (j *TextJournal) Path() string {
	return j.file.Name()
}

func (j *TextJournal) Record(entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.writer.WriteString(entry.Line() + "\n"); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(j.writer.Flush())
}

func (j *TextJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.writer.Flush(); err != nil {
		_ = j.file.Close()
		return errors.WithStack(err)
	}
	return errors.WithStack(j.file.Close())
}
