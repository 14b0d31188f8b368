// Package importer loads prospect lists from CSV or XLSX files into the
// contacts table.
package importer

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/rs/zerolog"
	"github.com/shohag/outreach/internal/models"
	"github.com/xuri/excelize/v2"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported import format")
	ErrNoEmailColumn     = errors.New("no email column in header row")
	ErrEmptyFile         = errors.New("import file is empty")
)

// maxErrors caps the per-row messages kept in a Result.
const maxErrors = 50

type Store interface {
	CreateContact(ctx context.Context, c *models.Contact) (bool, error)
}

type Result struct {
	Total    int      `json:"total"`
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Invalid  int      `json:"invalid"`
	Errors   []string `json:"errors,omitempty"`
}

func (r *Result) addError(format string, args ...interface{}) {
	if len(r.Errors) < maxErrors {
		r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	}
}

var headerAliases = map[string][]string{
	"email":      {"email", "email_address", "e_mail", "emailaddress", "mail"},
	"first_name": {"first_name", "firstname", "first", "fname", "given_name"},
	"last_name":  {"last_name", "lastname", "last", "lname", "surname"},
	"company":    {"company", "company_name", "organization", "org", "entity_name"},
	"state":      {"state", "st", "state_code"},
	"priority":   {"priority", "priority_score", "score"},
	"tier":       {"tier", "segment"},
}

type Importer struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

func New(store Store, log zerolog.Logger) *Importer {
	return &Importer{store: store, now: time.Now, log: log}
}

// ImportFile picks the reader from the file extension.
func (im *Importer) ImportFile(ctx context.Context, path string, r io.Reader, tier string) (*Result, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return im.ImportCSV(ctx, r, tier)
	case ".xlsx":
		return im.ImportXLSX(ctx, r, tier)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

func (im *Importer) ImportCSV(ctx context.Context, r io.Reader, tier string) (*Result, error) {
	cr := csv.NewReader(bufio.NewReader(r))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return im.importRows(ctx, rows, tier)
}

// ImportXLSX reads the first sheet of the workbook.
func (im *Importer) ImportXLSX(ctx context.Context, r io.Reader, tier string) (*Result, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyFile
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return im.importRows(ctx, rows, tier)
}

func (im *Importer) importRows(ctx context.Context, rows [][]string, tier string) (*Result, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyFile
	}
	fields, custom := mapHeader(rows[0])
	if _, ok := fields["email"]; !ok {
		return nil, ErrNoEmailColumn
	}

	res := &Result{}
	for i, row := range rows[1:] {
		line := i + 2
		if blank(row) {
			continue
		}
		res.Total++

		c, err := im.contactFromRow(row, fields, custom, tier)
		if err != nil {
			res.Invalid++
			res.addError("row %d: %v", line, err)
			continue
		}

		created, err := im.store.CreateContact(ctx, c)
		if err != nil {
			return res, fmt.Errorf("row %d: create contact: %w", line, err)
		}
		if !created {
			res.Skipped++
			im.log.Debug().Str("email", c.Email).Msg("contact already exists")
			continue
		}
		res.Imported++
	}

	im.log.Info().
		Int("total", res.Total).
		Int("imported", res.Imported).
		Int("skipped", res.Skipped).
		Int("invalid", res.Invalid).
		Msg("contacts imported")
	return res, nil
}

func (im *Importer) contactFromRow(row []string, fields, custom map[string]int, tier string) (*models.Contact, error) {
	get := func(idx int) string {
		if idx < len(row) {
			return strings.TrimSpace(row[idx])
		}
		return ""
	}
	field := func(name string) string {
		idx, ok := fields[name]
		if !ok {
			return ""
		}
		return get(idx)
	}

	email := models.NormalizeEmail(field("email"))
	if err := checkmail.ValidateFormat(email); err != nil {
		return nil, fmt.Errorf("invalid email %q: %w", email, err)
	}

	if t := field("tier"); t != "" {
		tier = strings.ToLower(t)
	}
	if tier == "" {
		return nil, errors.New("no tier given for contact")
	}

	priority := 0
	if p := field("priority"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid priority %q", p)
		}
		priority = n
	}

	attrs := make(map[string]interface{}, len(custom))
	for name, idx := range custom {
		if v := get(idx); v != "" {
			attrs[name] = v
		}
	}

	return &models.Contact{
		ID:            models.NewID("ct"),
		Email:         email,
		FirstName:     field("first_name"),
		LastName:      field("last_name"),
		Company:       field("company"),
		Tier:          tier,
		PriorityScore: priority,
		State:         strings.ToUpper(field("state")),
		Attributes:    attrs,
		CreatedAt:     im.now().UTC(),
	}, nil
}

// mapHeader resolves known columns through their aliases. Every other column
// goes to the attribute bag under its normalized name.
func mapHeader(header []string) (fields, custom map[string]int) {
	fields = map[string]int{}
	custom = map[string]int{}
	for idx, raw := range header {
		name := normalizeHeader(raw)
		if name == "" {
			continue
		}
		if known := canonical(name); known != "" {
			if _, dup := fields[known]; !dup {
				fields[known] = idx
			}
			continue
		}
		custom[name] = idx
	}
	return fields, custom
}

func canonical(name string) string {
	for field, aliases := range headerAliases {
		for _, a := range aliases {
			if a == name {
				return field
			}
		}
	}
	return ""
}

func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(h)
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
