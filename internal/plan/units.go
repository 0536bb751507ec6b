package plan

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// ErrLookupMiss is returned for a unit index the table does not hold.
var ErrLookupMiss = errors.New("unit not in table")

// Location is a scripture position. The zero value means "not given".
type Location struct {
	Surah string `yaml:"surah"`
	Ayah  int    `yaml:"ayah"`
}

func (l Location) IsZero() bool { return strings.TrimSpace(l.Surah) == "" }

func (l Location) String() string {
	if l.IsZero() {
		return ""
	}
	if l.Ayah <= 0 {
		return l.Surah
	}
	return fmt.Sprintf("%s %d", l.Surah, l.Ayah)
}

// ParseLocation reads "Surah:Ayah" or a bare surah name.
func ParseLocation(s string) (Location, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Location{}, nil
	}
	name, ayah, found := strings.Cut(s, ":")
	if !found {
		return Location{Surah: s}, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(ayah))
	if err != nil || n < 1 {
		return Location{}, fmt.Errorf("bad ayah in %q", s)
	}
	return Location{Surah: strings.TrimSpace(name), Ayah: n}, nil
}

type Unit struct {
	Index int      `yaml:"index"`
	Start Location `yaml:"start"`
	End   Location `yaml:"end"`
}

// UnitTable is the immutable 1..N list of units.
type UnitTable struct {
	units    []Unit // units[i].Index == i+1
	terminal Location
}

// NewUnitTable validates that indices are exactly 1..N.
func NewUnitTable(units []Unit, terminal Location) (*UnitTable, error) {
	if len(units) == 0 {
		return nil, errors.New("unit table is empty")
	}
	ordered := make([]Unit, len(units))
	seen := make([]bool, len(units))
	for _, u := range units {
		if u.Index < 1 || u.Index > len(units) {
			return nil, fmt.Errorf("unit index %d outside 1..%d", u.Index, len(units))
		}
		if seen[u.Index-1] {
			return nil, fmt.Errorf("duplicate unit index %d", u.Index)
		}
		if u.Start.IsZero() {
			return nil, fmt.Errorf("unit %d has no start", u.Index)
		}
		seen[u.Index-1] = true
		ordered[u.Index-1] = u
	}
	return &UnitTable{units: ordered, terminal: terminal}, nil
}

// LoadUnits reads a CSV or YAML unit file, picked by extension.
func LoadUnits(path string, terminal Location) (*UnitTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open units: %w", err)
	}
	defer f.Close()

	var units []Unit
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		units, err = readYAMLUnits(f)
	case ".csv", "":
		units, err = readCSVUnits(f)
	default:
		return nil, fmt.Errorf("units file %s: unsupported extension", path)
	}
	if err != nil {
		return nil, fmt.Errorf("units file %s: %w", path, err)
	}
	return NewUnitTable(units, terminal)
}

var csvHeader = []string{"index", "start_surah", "start_ayah", "end_surah", "end_ayah"}

func readCSVUnits(r io.Reader) ([]Unit, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	head, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := map[string]int{}
	for i, h := range head {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, want := range csvHeader {
		if _, ok := cols[want]; !ok {
			return nil, fmt.Errorf("missing column %q", want)
		}
	}

	var out []Unit
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		get := func(name string) string {
			i := cols[name]
			if i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}
		idx, err := strconv.Atoi(get("index"))
		if err != nil {
			return nil, fmt.Errorf("line %d: bad index %q", line, get("index"))
		}
		start, err := csvLocation(get("start_surah"), get("start_ayah"))
		if err != nil {
			return nil, fmt.Errorf("line %d: start: %w", line, err)
		}
		end, err := csvLocation(get("end_surah"), get("end_ayah"))
		if err != nil {
			return nil, fmt.Errorf("line %d: end: %w", line, err)
		}
		out = append(out, Unit{Index: idx, Start: start, End: end})
	}
	return out, nil
}

func csvLocation(surah, ayah string) (Location, error) {
	if surah == "" {
		return Location{}, nil
	}
	if ayah == "" {
		return Location{Surah: surah}, nil
	}
	n, err := strconv.Atoi(ayah)
	if err != nil || n < 1 {
		return Location{}, fmt.Errorf("bad ayah %q", ayah)
	}
	return Location{Surah: surah, Ayah: n}, nil
}

func readYAMLUnits(r io.Reader) ([]Unit, error) {
	var doc struct {
		Units []Unit `yaml:"units"`
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc.Units, nil
}

func (t *UnitTable) Len() int { return len(t.units) }

// Lookup returns unit index, or ErrLookupMiss.
func (t *UnitTable) Lookup(index int) (Unit, error) {
	if index < 1 || index > len(t.units) {
		return Unit{}, fmt.Errorf("%w: %d (table has %d)", ErrLookupMiss, index, len(t.units))
	}
	return t.units[index-1], nil
}

// EndMarker is where reading for unit index stops, for display. A blank
// end falls back to the next unit's start, and for the last unit to the
// terminal marker. It never points into the next cycle.
func (t *UnitTable) EndMarker(index int) (Location, error) {
	u, err := t.Lookup(index)
	if err != nil {
		return Location{}, err
	}
	if !u.End.IsZero() {
		return u.End, nil
	}
	if index == len(t.units) {
		return t.terminal, nil
	}
	return t.units[index].Start, nil
}
