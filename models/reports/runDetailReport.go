package reports

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/sellerdesk_backend/config"
	"bitbucket.org/mmdatafocus/sellerdesk_backend/models"
	"bitbucket.org/mmdatafocus/sellerdesk_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

type RunDetailResponse struct {
	OrderId       string          `json:"orderId"`
	Status        string          `json:"status"`
	Reason        string          `json:"reason"`
	MissingSkus   string          `json:"missingSkus"`
	AllocatedSkus string          `json:"allocatedSkus"`
	AllocatedQty  decimal.Decimal `json:"allocatedQty"`
	CogsAmount    decimal.Decimal `json:"cogsAmount"`
}

// GetRunDetailReport joins one run's items with the net active ledger amounts
// per order. Reversed rows are excluded so the amounts match what is still
// booked as COGS, not what the run originally wrote.
func GetRunDetailReport(ctx context.Context, runId int) ([]*RunDetailResponse, error) {

	sql := `
SELECT
    ri.order_id,
    ri.status,
    ri.reason,
    ri.missing_skus,
    ri.allocated_skus,
    COALESCE(a.allocated_qty, 0) AS allocated_qty,
    COALESCE(a.cogs_amount, 0) AS cogs_amount
FROM
    cogs_run_items ri
    LEFT JOIN (
        SELECT
            business_id,
            order_id,
            SUM(qty) AS allocated_qty,
            SUM(amount) AS cogs_amount
        FROM allocations
        WHERE business_id = @businessId
          AND is_reversal = 0
          AND reversed_by_allocation_id IS NULL
        GROUP BY business_id, order_id
    ) AS a ON a.business_id = ri.business_id AND a.order_id = ri.order_id
WHERE
    ri.business_id = @businessId AND ri.run_id = @runId
ORDER BY ri.id;
`
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var records []*RunDetailResponse
	db := config.GetDB()
	err := db.WithContext(ctx).
		Raw(sql, map[string]interface{}{"businessId": businessId, "runId": runId}).
		Scan(&records).Error
	if err != nil {
		return nil, err
	}

	return records, nil
}

// BuildRunDetailWorkbook renders one run as an xlsx with a Summary sheet of
// run counts and a Run Detail sheet of per-order rows.
func BuildRunDetailWorkbook(run *models.CogsApplyRun, rows []*RunDetailResponse) (*excelize.File, error) {

	f := excelize.NewFile()

	summary := "Summary"
	if err := f.SetSheetName("Sheet1", summary); err != nil {
		return nil, err
	}
	f.SetCellValue(summary, "A1", "RunId")
	f.SetCellValue(summary, "B1", run.ID)
	f.SetCellValue(summary, "A2", "Method")
	f.SetCellValue(summary, "B2", string(run.Method))
	f.SetCellValue(summary, "A3", "StartDate")
	f.SetCellValue(summary, "B3", run.StartDate.Format("2006-01-02"))
	f.SetCellValue(summary, "A4", "EndDate")
	f.SetCellValue(summary, "B4", run.EndDate.Format("2006-01-02"))
	f.SetCellValue(summary, "A5", "Total")
	f.SetCellValue(summary, "B5", run.TotalCount)
	f.SetCellValue(summary, "A6", "Eligible")
	f.SetCellValue(summary, "B6", run.EligibleCount)
	f.SetCellValue(summary, "A7", "Successful")
	f.SetCellValue(summary, "B7", run.SuccessfulCount)
	f.SetCellValue(summary, "A8", "Partial")
	f.SetCellValue(summary, "B8", run.PartialCount)
	f.SetCellValue(summary, "A9", "Skipped")
	f.SetCellValue(summary, "B9", run.SkippedCount)
	f.SetCellValue(summary, "A10", "Failed")
	f.SetCellValue(summary, "B10", run.FailedCount)

	detail := "Run Detail"
	if _, err := f.NewSheet(detail); err != nil {
		return nil, err
	}

	f.SetCellValue(detail, "A1", "OrderId")
	f.SetCellValue(detail, "B1", "Status")
	f.SetCellValue(detail, "C1", "Reason")
	f.SetCellValue(detail, "D1", "MissingSkus")
	f.SetCellValue(detail, "E1", "AllocatedSkus")
	f.SetCellValue(detail, "F1", "AllocatedQty")
	f.SetCellValue(detail, "G1", "CogsAmount")

	for i, d := range rows {
		f.SetCellValue(detail, "A"+fmt.Sprint(i+2), d.OrderId)
		f.SetCellValue(detail, "B"+fmt.Sprint(i+2), d.Status)
		f.SetCellValue(detail, "C"+fmt.Sprint(i+2), d.Reason)
		f.SetCellValue(detail, "D"+fmt.Sprint(i+2), d.MissingSkus)
		f.SetCellValue(detail, "E"+fmt.Sprint(i+2), d.AllocatedSkus)
		f.SetCellValue(detail, "F"+fmt.Sprint(i+2), d.AllocatedQty.String())
		f.SetCellValue(detail, "G"+fmt.Sprint(i+2), d.CogsAmount.String())
	}

	return f, nil
}
