// Package seed imports medicine catalogs from CSV files.
package seed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/medstock/medstock/internal/domain/inventory"
)

// Header lists the required columns. warning_threshold is optional.
var Header = []string{"id", "name", "origin", "spec", "stock"}

// ParseMedicines reads a header row followed by one medicine per row. Columns
// are matched by name so their order is free; rows that fail to parse are
// reported with their line number and skipped.
func ParseMedicines(r io.Reader) ([]inventory.MedicineRecord, []error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, []error{fmt.Errorf("read header: %w", err)}
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, h := range Header {
		if _, ok := cols[h]; !ok {
			return nil, []error{fmt.Errorf("header is missing column %q", h)}
		}
	}

	var recs []inventory.MedicineRecord
	var errs []error
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		line, _ := reader.FieldPos(0)
		rec, err := parseRow(row, cols)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", line, err))
			continue
		}
		recs = append(recs, rec)
	}
	return recs, errs
}

func parseRow(row []string, cols map[string]int) (inventory.MedicineRecord, error) {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	atoi := func(name string, required bool) (int, error) {
		raw := field(name)
		if raw == "" && !required {
			return 0, nil
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("%s: %q is not an integer", name, raw)
		}
		return n, nil
	}

	id, err := atoi("id", true)
	if err != nil {
		return inventory.MedicineRecord{}, err
	}
	stock, err := atoi("stock", true)
	if err != nil {
		return inventory.MedicineRecord{}, err
	}
	threshold, err := atoi("warning_threshold", false)
	if err != nil {
		return inventory.MedicineRecord{}, err
	}
	return inventory.MedicineRecord{
		ID:        id,
		Name:      field("name"),
		Origin:    field("origin"),
		Spec:      field("spec"),
		Stock:     stock,
		Threshold: threshold,
	}, nil
}

// Importer is the part of the inventory service a catalog load needs.
type Importer interface {
	ImportMedicines(ctx context.Context, recs []inventory.MedicineRecord) (int, []error)
}

// LoadMedicines ingests the CSV at path, skipping rows that fail to parse or
// that the registry rejects. It returns the number added and every problem.
func LoadMedicines(ctx context.Context, svc Importer, path string, logger zerolog.Logger) (int, []error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, []error{fmt.Errorf("open medicine catalog %s: %w", path, err)}
	}
	defer file.Close()

	recs, errs := ParseMedicines(file)
	added := 0
	if len(recs) > 0 {
		var importErrs []error
		added, importErrs = svc.ImportMedicines(ctx, recs)
		errs = append(errs, importErrs...)
	}
	for _, err := range errs {
		logger.Warn().Err(err).Str("file", path).Msg("medicine row skipped")
	}
	logger.Info().Str("file", path).Int("added", added).Int("skipped", len(errs)).Msg("medicine catalog imported")
	return added, errs
}
