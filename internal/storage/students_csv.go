package storage

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"feeledger/internal/core"
)

// LoadStudentsCSV reads a student directory export. A missing file yields no
// students and no error. Columns are matched by header name; "active" is
// optional and defaults to true.
func LoadStudentsCSV(path string) ([]core.Student, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open students file: %w", err)
	}
	defer f.Close()
	return ParseStudentsCSV(f)
}

func ParseStudentsCSV(r io.Reader) ([]core.Student, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read students header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, col := range []string{"id", "hostel_id"} {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("students file: missing %q column", col)
		}
	}

	field := func(rec []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var out []core.Student
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("students file line %d: %w", line, err)
		}
		s := core.Student{
			ID:          field(rec, "id"),
			HostelID:    field(rec, "hostel_id"),
			FirstName:   field(rec, "first_name"),
			LastName:    field(rec, "last_name"),
			RoomNumber:  field(rec, "room_number"),
			Phone:       field(rec, "phone"),
			MonthlyRent: core.ParseAmount(field(rec, "monthly_rent")),
			Active:      true,
		}
		if s.ID == "" {
			return nil, fmt.Errorf("students file line %d: empty id", line)
		}
		if v := field(rec, "active"); v != "" {
			active, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("students file line %d: active %q: %w", line, v, err)
			}
			s.Active = active
		}
		out = append(out, s)
	}
	return out, nil
}
