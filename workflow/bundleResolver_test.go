package workflow

import (
	"context"
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/sellerdesk_backend/models"
	"bitbucket.org/mmdatafocus/sellerdesk_backend/utils"
)

func TestResolveComponentsPlainSkuResolvesToItself(t *testing.T) {
	catalog := newMemCatalog()
	catalog.addSku("SKU-A", false)

	reqs, err := ResolveComponents(context.Background(), catalog, testBusinessId, "SKU-A", dec("2.5"))
	if err != nil {
		t.Fatalf("ResolveComponents: %v", err)
	}
	if len(reqs) != 1 {
		t.Fatalf("expected 1 requirement, got %d", len(reqs))
	}
	if reqs[0].SkuCode != "SKU-A" || !reqs[0].RequiredQty.Equal(dec("2.5")) {
		t.Fatalf("unexpected requirement: %+v", reqs[0])
	}
}

func TestResolveComponentsExpandsBundle(t *testing.T) {
	catalog := newMemCatalog()
	catalog.addSku("SKU-A", false)
	catalog.addSku("SKU-B", false)
	catalog.addBundle("PACK-1", map[string]string{"SKU-A": "2", "SKU-B": "1"})

	reqs, err := ResolveComponents(context.Background(), catalog, testBusinessId, "PACK-1", dec("3"))
	if err != nil {
		t.Fatalf("ResolveComponents: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requirements, got %d", len(reqs))
	}
	byCode := map[string]string{}
	for _, r := range reqs {
		byCode[r.SkuCode] = r.RequiredQty.String()
	}
	if byCode["SKU-A"] != "6" || byCode["SKU-B"] != "3" {
		t.Fatalf("unexpected expansion: %v", byCode)
	}
}

func TestResolveComponentsMergesDuplicateComponents(t *testing.T) {
	catalog := newMemCatalog()
	catalog.addSku("SKU-A", false)
	catalog.addSku("PACK-1", true)
	catalog.bundles["PACK-1"] = []*models.BundleComponent{
		{BusinessId: testBusinessId, BundleSkuCode: "PACK-1", ComponentSkuCode: "SKU-A", QtyPerBundleUnit: dec("1")},
		{BusinessId: testBusinessId, BundleSkuCode: "PACK-1", ComponentSkuCode: "SKU-A", QtyPerBundleUnit: dec("2")},
	}

	reqs, err := ResolveComponents(context.Background(), catalog, testBusinessId, "PACK-1", dec("2"))
	if err != nil {
		t.Fatalf("ResolveComponents: %v", err)
	}
	if len(reqs) != 1 {
		t.Fatalf("expected merged requirement, got %d", len(reqs))
	}
	if !reqs[0].RequiredQty.Equal(dec("6")) {
		t.Fatalf("expected merged qty 6, got %s", reqs[0].RequiredQty)
	}
}

func TestResolveComponentsFractionalQtyRoundsToFourPlaces(t *testing.T) {
	catalog := newMemCatalog()
	catalog.addSku("SKU-A", false)
	catalog.addBundle("PACK-1", map[string]string{"SKU-A": "0.3333"})

	reqs, err := ResolveComponents(context.Background(), catalog, testBusinessId, "PACK-1", dec("0.5"))
	if err != nil {
		t.Fatalf("ResolveComponents: %v", err)
	}
	if got := reqs[0].RequiredQty.String(); got != "0.1667" {
		t.Fatalf("expected 0.1667, got %s", got)
	}
}

func TestResolveComponentsUnknownSku(t *testing.T) {
	catalog := newMemCatalog()

	_, err := ResolveComponents(context.Background(), catalog, testBusinessId, "NOPE", dec("1"))
	if !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected record-not-found, got %v", err)
	}
}

func TestResolveComponentsEmptyBundleIsStructural(t *testing.T) {
	catalog := newMemCatalog()
	catalog.addSku("PACK-1", true)

	_, err := ResolveComponents(context.Background(), catalog, testBusinessId, "PACK-1", dec("1"))
	var structural *StructuralError
	if !errors.As(err, &structural) {
		t.Fatalf("expected StructuralError, got %v", err)
	}
}

func TestResolveComponentsNestedBundleIsStructural(t *testing.T) {
	catalog := newMemCatalog()
	catalog.addSku("SKU-A", false)
	catalog.addBundle("INNER", map[string]string{"SKU-A": "1"})
	catalog.addSku("OUTER", true)
	catalog.bundles["OUTER"] = []*models.BundleComponent{
		{BusinessId: testBusinessId, BundleSkuCode: "OUTER", ComponentSkuCode: "INNER", QtyPerBundleUnit: dec("1")},
	}

	_, err := ResolveComponents(context.Background(), catalog, testBusinessId, "OUTER", dec("1"))
	var structural *StructuralError
	if !errors.As(err, &structural) {
		t.Fatalf("expected StructuralError, got %v", err)
	}
}

func TestResolveComponentsMissingComponentSkuIsStructural(t *testing.T) {
	catalog := newMemCatalog()
	catalog.addSku("PACK-1", true)
	catalog.bundles["PACK-1"] = []*models.BundleComponent{
		{BusinessId: testBusinessId, BundleSkuCode: "PACK-1", ComponentSkuCode: "GHOST", QtyPerBundleUnit: dec("1")},
	}

	_, err := ResolveComponents(context.Background(), catalog, testBusinessId, "PACK-1", dec("1"))
	var structural *StructuralError
	if !errors.As(err, &structural) {
		t.Fatalf("expected StructuralError, got %v", err)
	}
}
