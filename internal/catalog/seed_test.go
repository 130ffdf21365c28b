package catalog

import (
	"testing"
	"time"
)

func TestStarterProducts(t *testing.T) {
	now := time.Now().UTC()
	products := starterProducts(now)

	if len(products) != 3 {
		t.Fatalf("expected 3 starter products, got %d", len(products))
	}

	wantTypes := map[string]string{
		"basic":    "50.00",
		"standard": "100.00",
		"premium":  "150.00",
	}
	seen := make(map[string]bool)
	for _, p := range products {
		wantPrice, ok := wantTypes[p.Type]
		if !ok {
			t.Fatalf("unexpected product type %q", p.Type)
		}
		if seen[p.Type] {
			t.Fatalf("duplicate product type %q", p.Type)
		}
		seen[p.Type] = true

		if p.Price.String() != dec(wantPrice).String() {
			t.Errorf("product %q: expected price %s, got %s", p.Type, wantPrice, p.Price)
		}
		if !p.Active {
			t.Errorf("product %q: expected active", p.Type)
		}
		if p.DurationMonths != 12 {
			t.Errorf("product %q: expected 12 month duration, got %d", p.Type, p.DurationMonths)
		}
		if p.ID == "" {
			t.Errorf("product %q: expected generated id", p.Type)
		}
		if !p.InstallmentAmount.IsPositive() || !p.Coverage.IsPositive() {
			t.Errorf("product %q: expected positive installment and coverage", p.Type)
		}
	}
}
