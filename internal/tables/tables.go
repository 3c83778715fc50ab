// Package tables reads and writes the durable artifacts: two-column
// frequency tables, rating survey tables, and completion logs. All writes
// commit via a temp file rename so partially-written artifacts are never
// visible under their final name.
package tables

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
)

// Entry is one row of a frequency table.
type Entry struct {
	Key   string
	Count int64
}

// SortEntries orders entries by count descending, then key ascending.
// The key tiebreak keeps repeated runs byte-identical.
func SortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Key < entries[j].Key
	})
}

// WriteFrequency writes a frequency table: comma-separated, two columns,
// no header, in the order given.
func WriteFrequency(path string, entries []Entry) error {
	return commit(path, func(w *bufio.Writer) error {
		for _, e := range entries {
			if _, err := fmt.Fprintf(w, "%s,%d\n", e.Key, e.Count); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadFrequency streams a frequency table row by row.
func ReadFrequency(path string, fn func(key string, count int64) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 2
	for {
		record, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		count, err := strconv.ParseInt(record[1], 10, 64)
		if err != nil {
			return fmt.Errorf("read %s: bad count %q: %w", path, record[1], err)
		}
		if err := fn(record[0], count); err != nil {
			return err
		}
	}
}

// WriteRatingSurvey writes the pass-1 rating histogram as "rating,count"
// rows, ascending by rating.
func WriteRatingSurvey(path string, hist map[int]int64) error {
	ratings := make([]int, 0, len(hist))
	for r := range hist {
		ratings = append(ratings, r)
	}
	sort.Ints(ratings)

	return commit(path, func(w *bufio.Writer) error {
		for _, r := range ratings {
			if _, err := fmt.Fprintf(w, "%d,%d\n", r, hist[r]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Log is a month's completion marker. Its existence on disk is the sole
// proof that the month's table was fully written.
type Log struct {
	Threshold     int   // derived skill threshold
	StartingCount int64 // count at the canonical starting position
	DistinctCount int64 // distinct positions observed, before the cutoff filter
}

// WriteLog writes a completion log: three newline-separated scalars.
func WriteLog(path string, l Log) error {
	return commit(path, func(w *bufio.Writer) error {
		_, err := fmt.Fprintf(w, "%d\n%d\n%d\n", l.Threshold, l.StartingCount, l.DistinctCount)
		return err
	})
}

// ReadLog parses a completion log.
func ReadLog(path string) (Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return Log{}, err
	}
	defer f.Close()

	var l Log
	if _, err := fmt.Fscanf(f, "%d\n%d\n%d\n", &l.Threshold, &l.StartingCount, &l.DistinctCount); err != nil {
		return Log{}, fmt.Errorf("read %s: %w", path, err)
	}
	return l, nil
}

// commit writes through a buffered temp file and renames it into place.
func commit(path string, write func(w *bufio.Writer) error) error {
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	if err := write(w); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
