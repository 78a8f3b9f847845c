package reports

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/sellerdesk_backend/config"
	"bitbucket.org/mmdatafocus/sellerdesk_backend/utils"
	"github.com/shopspring/decimal"
)

type CogsSummaryResponse struct {
	SkuCode    string          `json:"skuCode"`
	NetQty     decimal.Decimal `json:"netQty"`
	CogsAmount decimal.Decimal `json:"cogsAmount"`
}

// GetCogsSummaryReport nets the signed ledger per component SKU over a
// shipped-at range. Reversal rows carry negative qty and amount, so summing
// the raw rows yields the COGS still booked for the period.
func GetCogsSummaryReport(ctx context.Context, fromDate time.Time, toDate time.Time) ([]*CogsSummaryResponse, error) {

	sql := `
SELECT
    sku_code,
    SUM(qty) AS net_qty,
    SUM(amount) AS cogs_amount
FROM
    allocations
WHERE
    business_id = @businessId
    AND shipped_at >= @fromDate
    AND shipped_at <= @toDate
GROUP BY sku_code
HAVING SUM(qty) <> 0 OR SUM(amount) <> 0
ORDER BY sku_code;
`
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var records []*CogsSummaryResponse
	db := config.GetDB()
	err := db.WithContext(ctx).
		Raw(sql, map[string]interface{}{"businessId": businessId, "fromDate": fromDate, "toDate": toDate}).
		Scan(&records).Error
	if err != nil {
		return nil, err
	}

	return records, nil
}
