// Package reference loads the static symbol table: every symbol the pipeline
// tracks and the instant it was listed on the exchange.
package reference

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"klinefeed/internal/domain"
)

// Table maps symbol name to its descriptor. It is immutable once loaded.
type Table struct {
	symbols map[string]domain.Symbol
}

// NewTable builds a table from descriptors. Later duplicates win.
func NewTable(symbols []domain.Symbol) Table {
	m := make(map[string]domain.Symbol, len(symbols))
	for _, s := range symbols {
		m[strings.ToUpper(s.Name)] = domain.Symbol{Name: strings.ToUpper(s.Name), LaunchTime: s.LaunchTime.UTC()}
	}
	return Table{symbols: m}
}

// Lookup returns the descriptor for symbol.
func (t Table) Lookup(symbol string) (domain.Symbol, bool) {
	s, ok := t.symbols[symbol]
	return s, ok
}

// Names returns all symbol names in ascending order.
func (t Table) Names() []string {
	names := make([]string, 0, len(t.symbols))
	for name := range t.symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of symbols.
func (t Table) Len() int { return len(t.symbols) }

// Load reads a CSV with a header containing "symbol" and "launch_time"
// columns. launch_time is RFC 3339, a plain date, or epoch milliseconds.
func Load(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, fmt.Errorf("opening symbol table: %w", err)
	}
	defer f.Close()

	t, err := Read(f)
	if err != nil {
		return Table{}, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	slog.Info("loaded symbol table", "symbols", t.Len(), "file", filepath.Base(path))
	return t, nil
}

// Read parses a symbol table from r.
func Read(r io.Reader) (Table, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return Table{}, fmt.Errorf("reading CSV header: %w", err)
	}

	symbolIdx, launchIdx := -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "symbol":
			symbolIdx = i
		case "launch_time":
			launchIdx = i
		}
	}
	if symbolIdx < 0 || launchIdx < 0 {
		return Table{}, fmt.Errorf("CSV header must contain symbol and launch_time, got %v", header)
	}

	var symbols []domain.Symbol
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Table{}, fmt.Errorf("line %d: %w", line, err)
		}
		if len(record) <= symbolIdx || len(record) <= launchIdx {
			continue
		}
		sym := strings.ToUpper(strings.TrimSpace(record[symbolIdx]))
		if sym == "" {
			continue
		}
		launch, err := parseLaunchTime(strings.TrimSpace(record[launchIdx]))
		if err != nil {
			return Table{}, fmt.Errorf("line %d (%s): %w", line, sym, err)
		}
		symbols = append(symbols, domain.Symbol{Name: sym, LaunchTime: launch})
	}
	return NewTable(symbols), nil
}

// Write stores the table as CSV, sorted by symbol.
func Write(path string, t Table) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	_ = w.Write([]string{"symbol", "launch_time"})
	for _, name := range t.Names() {
		s := t.symbols[name]
		_ = w.Write([]string{s.Name, s.LaunchTime.UTC().Format(time.RFC3339)})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing symbol table: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func parseLaunchTime(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable launch_time %q", s)
}
