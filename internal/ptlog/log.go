// Package ptlog implements a participant's durable write-ahead log:
// append-only text, one record per line, `decision fileName src1,src2,...`.
// It is the participant-side sibling of internal/coordlog.
package ptlog

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Decision is one of the five recognized participant log decisions.
type Decision string

const (
	Agree  Decision = "Agree"
	Reject Decision = "Reject"
	Commit Decision = "COMMIT"
	Abort  Decision = "ABORT"
	Finish Decision = "Finish"
)

// Record is one durable participant log line.
type Record struct {
	Decision Decision
	FileName string
	Sources  []string
}

// Log is a participant's durable append-only log file.
type Log struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Open opens (creating if necessary) the log file at path for appending.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ptlog: open %s: %w", path, err)
	}
	return &Log{path: path, file: f}, nil
}

// Append durably writes rec, fsync'ing before returning.
func (l *Log) Append(rec Record) error {
	line := encodeRecord(rec)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("ptlog: write: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("ptlog: fsync: %w", err)
	}
	return nil
}

// ReadAll reads every complete record in file order, discarding a trailing
// partial line left by a crash mid-write.
func (l *Log) ReadAll() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("ptlog: read %s: %w", l.path, err)
	}
	defer f.Close()

	var records []Record
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			// Whatever is left has no newline: the tail of a torn write.
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ptlog: read %s: %w", l.path, err)
		}
		line = strings.TrimSuffix(line, "\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := decodeRecord(line)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Truncate atomically replaces the log with an empty file and reopens it.
func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, ".ptlog-*")
	if err != nil {
		return fmt.Errorf("ptlog: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ptlog: close temp: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ptlog: rename: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("ptlog: close old handle: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("ptlog: reopen: %w", err)
	}
	l.file = f
	return nil
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

func encodeRecord(rec Record) string {
	escapedSources := make([]string, len(rec.Sources))
	for i, s := range rec.Sources {
		escapedSources[i] = url.QueryEscape(s)
	}
	return string(rec.Decision) + " " + url.QueryEscape(rec.FileName) + " " + strings.Join(escapedSources, ",")
}

func decodeRecord(line string) (Record, error) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) != 3 {
		return Record{}, fmt.Errorf("ptlog: malformed line %q", line)
	}
	fileName, err := url.QueryUnescape(fields[1])
	if err != nil {
		return Record{}, fmt.Errorf("ptlog: bad fileName %q: %w", fields[1], err)
	}
	var sources []string
	if fields[2] != "" {
		for _, s := range strings.Split(fields[2], ",") {
			unescaped, err := url.QueryUnescape(s)
			if err != nil {
				return Record{}, fmt.Errorf("ptlog: bad source %q: %w", s, err)
			}
			sources = append(sources, unescaped)
		}
	}
	return Record{
		Decision: Decision(fields[0]),
		FileName: fileName,
		Sources:  sources,
	}, nil
}
