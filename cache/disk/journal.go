package disk

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/go-git/go-billy/v5"
)

const (
	journalMagic   = "libcore.io.DiskLruCache"
	journalVersion = "1"

	recordClean  = "CLEAN"
	recordDirty  = "DIRTY"
	recordRemove = "REMOVE"
	recordRead   = "READ"
)

// journalWriter appends records to an open journal file.
type journalWriter struct {
	file billy.File
	w    *bufio.Writer
}

func newJournalWriter(f billy.File) *journalWriter {
	return &journalWriter{file: f, w: bufio.NewWriter(f)}
}

var errNoJournal = errors.New("disk: journal is not open")

func (j *journalWriter) append(op, key string, lengths ...int64) error {
	if j == nil {
		return errNoJournal
	}
	var b strings.Builder
	b.WriteString(op)
	b.WriteByte(' ')
	b.WriteString(key)
	for _, n := range lengths {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(n, 10))
	}
	b.WriteByte('\n')
	_, err := j.w.WriteString(b.String())
	return err
}

func (j *journalWriter) flush() error {
	if j == nil {
		return errNoJournal
	}
	return j.w.Flush()
}

func (j *journalWriter) sync() error {
	if j == nil {
		return errNoJournal
	}
	if err := j.w.Flush(); err != nil {
		return err
	}
	return syncFile(j.file)
}

func (j *journalWriter) close() error {
	return errors.Join(j.w.Flush(), j.file.Close())
}

func (c *Cache) writeHeader(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%s\n%s\n%d\n%d\n\n",
		journalMagic, journalVersion, c.appVersion, c.valueCount)
	return err
}

// readJournal replays the journal into the entry table and leaves it open
// for appends. A torn final record triggers a rebuild.
func (c *Cache) readJournal() error {
	f, err := c.fs.Open(c.path(journalFile))
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	want := []string{
		journalMagic,
		journalVersion,
		strconv.Itoa(c.appVersion),
		strconv.Itoa(c.valueCount),
		"",
	}
	for _, w := range want {
		line, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("%w: truncated header", errCorruptJournal)
		}
		if strings.TrimSuffix(line, "\n") != w {
			return fmt.Errorf("%w: unexpected header line %q", errCorruptJournal, line)
		}
	}

	lines := 0
	torn := false
	for {
		line, err := r.ReadString('\n')
		if errors.Is(err, io.EOF) {
			torn = line != ""
			break
		}
		if err != nil {
			return err
		}
		if err := c.readJournalLine(strings.TrimSuffix(line, "\n")); err != nil {
			return err
		}
		lines++
	}
	c.redundantOps = lines - len(c.entries)

	if torn {
		c.log.Debug("disk cache journal ends with a partial record, rebuilding",
			slog.String("dir", c.dir))
		return c.rebuildJournal()
	}
	jf, err := c.fs.OpenFile(c.path(journalFile), os.O_WRONLY|os.O_APPEND|os.O_CREATE, defaultFilePerm)
	if err != nil {
		return err
	}
	c.journal = newJournalWriter(jf)
	return nil
}

func (c *Cache) readJournalLine(line string) error {
	op, rest, ok := strings.Cut(line, " ")
	if !ok || rest == "" {
		return fmt.Errorf("%w: %q", errCorruptJournal, line)
	}
	key, fields, hasFields := strings.Cut(rest, " ")

	if op == recordRemove && !hasFields {
		if elem, ok := c.entries[key]; ok {
			c.lru.Remove(elem)
			delete(c.entries, key)
		}
		return nil
	}

	elem, ok := c.entries[key]
	if !ok {
		elem = c.lru.PushFront(&entry{key: key, lengths: make([]int64, c.valueCount)})
		c.entries[key] = elem
	} else {
		c.lru.MoveToFront(elem)
	}
	e := elem.Value.(*entry) //nolint:errcheck // type is guaranteed

	switch {
	case op == recordClean && hasFields:
		lengths, err := c.parseLengths(fields)
		if err != nil {
			return fmt.Errorf("%w: %q: %w", errCorruptJournal, line, err)
		}
		e.readable = true
		e.editor = nil
		e.lengths = lengths
	case op == recordDirty && !hasFields:
		e.editor = &Editor{cache: c, entry: e}
	case op == recordRead && !hasFields:
		// Recency was updated above.
	default:
		return fmt.Errorf("%w: %q", errCorruptJournal, line)
	}
	return nil
}

func (c *Cache) parseLengths(fields string) ([]int64, error) {
	parts := strings.Split(fields, " ")
	if len(parts) != c.valueCount {
		return nil, fmt.Errorf("want %d lengths, got %d", c.valueCount, len(parts))
	}
	lengths := make([]int64, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("negative length %d", n)
		}
		lengths[i] = n
	}
	return lengths, nil
}

// rebuildJournal writes a compact journal holding one record per entry,
// oldest first, and atomically swaps it in.
func (c *Cache) rebuildJournal() error {
	if c.journal != nil {
		_ = c.journal.close()
		c.journal = nil
	}

	tmpPath := c.path(journalFileTmp)
	tmp, err := c.fs.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("disk: create journal: %w", err)
	}
	w := bufio.NewWriter(tmp)
	err = c.writeHeader(w)
	for elem := c.lru.Back(); elem != nil && err == nil; elem = elem.Prev() {
		e := elem.Value.(*entry) //nolint:errcheck // type is guaranteed
		if e.editor != nil {
			_, err = fmt.Fprintf(w, "%s %s\n", recordDirty, e.key)
			continue
		}
		_, err = w.WriteString(recordClean + " " + e.key)
		for _, n := range e.lengths {
			if err == nil {
				_, err = w.WriteString(" " + strconv.FormatInt(n, 10))
			}
		}
		if err == nil {
			err = w.WriteByte('\n')
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = syncFile(tmp)
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = c.remove(tmpPath)
		return fmt.Errorf("disk: write journal: %w", err)
	}

	journal := c.path(journalFile)
	backup := c.path(journalFileBackup)
	if c.exists(journal) {
		if err := c.rename(journal, backup); err != nil {
			return fmt.Errorf("disk: back up journal: %w", err)
		}
	}
	if err := c.fs.Rename(tmpPath, journal); err != nil {
		return fmt.Errorf("disk: install journal: %w", err)
	}
	_ = c.remove(backup)

	jf, err := c.fs.OpenFile(journal, os.O_WRONLY|os.O_APPEND|os.O_CREATE, defaultFilePerm)
	if err != nil {
		return fmt.Errorf("disk: open journal: %w", err)
	}
	c.journal = newJournalWriter(jf)
	c.redundantOps = 0
	return nil
}
