package validation

import "testing"

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("buyer_id", ""),
		ValidAmount("amount", "-5"),
		OneOf("currency", "USD", "ETB"),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}

	errs = Validate(
		Required("buyer_id", "buyer-1"),
		ValidID("buyer_id", "buyer-1"),
		ValidAmount("amount", "1000.50"),
		OneOf("currency", "ETB", "ETB", "USD"),
	)
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestValidID(t *testing.T) {
	if err := ValidID("id", "buyer_01-A")(); err != nil {
		t.Errorf("expected valid, got %v", err)
	}
	if err := ValidID("id", "has spaces")(); err == nil {
		t.Error("expected error for spaces")
	}
	if err := ValidID("id", "")(); err != nil {
		t.Error("empty should pass ValidID (Required handles presence)")
	}
}

func TestValidAmount(t *testing.T) {
	for _, bad := range []string{"0", "-1", "1.2.3", "abc"} {
		if err := ValidAmount("amount", bad)(); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
	for _, good := range []string{"", "0.01", "1000", "1000.50"} {
		if err := ValidAmount("amount", good)(); err != nil {
			t.Errorf("unexpected error for %q: %v", good, err)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	errs := Validate(Required("seller_id", ""))
	if errs.Error() != "seller_id: is required" {
		t.Errorf("unexpected message: %s", errs.Error())
	}

	var empty ValidationErrors
	if empty.Error() != "validation failed" {
		t.Errorf("unexpected empty message: %s", empty.Error())
	}
}
