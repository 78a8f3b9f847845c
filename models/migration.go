package models

import (
	"log"

	"bitbucket.org/mmdatafocus/sellerdesk_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Sku{}, &BundleComponent{},
		&ReceiptLot{},
		&Allocation{},
		&ShippedUnitEvent{},
		&CogsApplyRun{}, &CogsRunItem{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
