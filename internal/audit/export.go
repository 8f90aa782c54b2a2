package audit

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"mealslot/internal/model"

	"github.com/xuri/excelize/v2"
)

type Lister interface {
	ListAudit(ctx context.Context, from, to time.Time) ([]model.AuditEntry, error)
}

// Exporter writes the audit log of a period to an XLSX workbook with one
// sheet of records and one of per-action totals.
type Exporter struct {
	store Lister
	loc   *time.Location
}

func NewExporter(store Lister, loc *time.Location) *Exporter {
	if loc == nil {
		loc = time.UTC
	}
	return &Exporter{store: store, loc: loc}
}

var recordColumns = []string{"ID", "Time", "Action", "Actor", "Before", "After", "Details"}

// Export writes records created within [from, to) to w and returns their count.
func (x *Exporter) Export(ctx context.Context, from, to time.Time, w io.Writer) (int, error) {
	entries, err := x.store.ListAudit(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("list audit: %w", err)
	}

	sw := newSheetWriter()
	defer sw.Close()

	if err := sw.AddSheet("Audit"); err != nil {
		return 0, err
	}
	if err := sw.WriteHeader(recordColumns); err != nil {
		return 0, err
	}
	totals := map[string]int{}
	for _, e := range entries {
		actor := any("system")
		if e.ActorID != nil {
			actor = *e.ActorID
		}
		row := []any{e.ID, e.CreatedAt.In(x.loc).Format("2006-01-02 15:04:05"), e.Action, actor, e.Before, e.After, e.Fields}
		if err := sw.WriteRow(row); err != nil {
			return 0, err
		}
		totals[e.Action]++
	}

	if err := sw.AddSheet("Summary"); err != nil {
		return 0, err
	}
	if err := sw.WriteHeader([]string{"Action", "Count"}); err != nil {
		return 0, err
	}
	actions := make([]string, 0, len(totals))
	for a := range totals {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	for _, a := range actions {
		if err := sw.WriteRow([]any{a, totals[a]}); err != nil {
			return 0, err
		}
	}

	if err := sw.file.Write(w); err != nil {
		return 0, fmt.Errorf("write workbook: %w", err)
	}
	return len(entries), nil
}

// Filename names an export of [from, to).
func Filename(from, to time.Time) string {
	return fmt.Sprintf("audit_%s_%s.xlsx", from.Format("20060102"), to.Format("20060102"))
}

type sheetWriter struct {
	file  *excelize.File
	sheet string
	row   int
}

func newSheetWriter() *sheetWriter {
	return &sheetWriter{file: excelize.NewFile()}
}

func (w *sheetWriter) AddSheet(name string) error {
	// Excel limit
	if len(name) > 31 {
		name = name[:31]
	}
	if w.sheet == "" {
		if err := w.file.SetSheetName("Sheet1", name); err != nil {
			return err
		}
	} else if _, err := w.file.NewSheet(name); err != nil {
		return fmt.Errorf("create sheet %s: %w", name, err)
	}
	w.sheet = name
	w.row = 1
	return nil
}

func (w *sheetWriter) WriteHeader(columns []string) error {
	row := make([]any, len(columns))
	for i, c := range columns {
		row[i] = c
	}
	if err := w.WriteRow(row); err != nil {
		return err
	}

	style, err := w.file.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err == nil {
		start, _ := excelize.CoordinatesToCellName(1, w.row-1)
		end, _ := excelize.CoordinatesToCellName(len(columns), w.row-1)
		_ = w.file.SetCellStyle(w.sheet, start, end, style)
	}
	return nil
}

func (w *sheetWriter) WriteRow(values []any) error {
	if w.sheet == "" {
		return fmt.Errorf("no active sheet")
	}
	cell, err := excelize.CoordinatesToCellName(1, w.row)
	if err != nil {
		return err
	}
	if err := w.file.SetSheetRow(w.sheet, cell, &values); err != nil {
		return err
	}
	w.row++
	return nil
}

func (w *sheetWriter) Close() error {
	return w.file.Close()
}
