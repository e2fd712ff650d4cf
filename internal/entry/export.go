package entry

import (
	"context"
	"fmt"
	"time"

	"branch-ledger/internal/ledger"
	"branch-ledger/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/xuri/excelize/v2"
)

const exportSheet = "Entries"

var exportHeader = []any{"ID", "Branch", "Type", "Category", "Amount", "Description", "Created At", "Sync State", "Sync Error"}

// WriteWorkbook streams every entry matching f into a new workbook.
func WriteWorkbook(ctx context.Context, repo *ledger.Repository, f ledger.ListFilter) (_ *excelize.File, err error) {
	wb := excelize.NewFile()
	defer func() {
		if err != nil {
			_ = wb.Close()
		}
	}()

	if err := wb.SetSheetName("Sheet1", exportSheet); err != nil {
		return nil, err
	}
	sw, err := wb.NewStreamWriter(exportSheet)
	if err != nil {
		return nil, err
	}
	if err := sw.SetColWidth(1, 1, 38); err != nil {
		return nil, err
	}
	if err := sw.SetRow("A1", exportHeader); err != nil {
		return nil, err
	}

	row := 2
	err = repo.Each(ctx, f, func(e models.FinancialEntry) error {
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		row++
		return sw.SetRow(cell, []any{
			e.ID,
			e.BranchID,
			string(e.Type),
			e.Category,
			ledger.FormatAmount(e.Amount),
			e.Description,
			e.CreatedAt.UTC().Format(time.RFC3339),
			string(e.SyncState),
			e.SyncError,
		})
	})
	if err != nil {
		return nil, err
	}
	if err := sw.Flush(); err != nil {
		return nil, err
	}
	return wb, nil
}

// -------------------------------------------------
// GET /api/entries/export.xlsx?type=OUT&sync_state=failed
// -------------------------------------------------
func ExportEntriesHandler(repo *ledger.Repository) fiber.Handler {
	return func(c *fiber.Ctx) error {
		f, err := parseFilter(c)
		if err != nil {
			return err
		}

		wb, err := WriteWorkbook(c.UserContext(), repo, f)
		if err != nil {
			return storeError(err, "could not export entries")
		}
		defer wb.Close()

		buf, err := wb.WriteToBuffer()
		if err != nil {
			return storeError(err, "could not export entries")
		}

		name := fmt.Sprintf("entries-%s.xlsx", time.Now().Format("20060102-150405"))
		c.Set(fiber.HeaderContentType, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, name))
		return c.Send(buf.Bytes())
	}
}
