package crmsync

import (
	"testing"

	"bitbucket.org/mmdatafocus/crmsync_backend/clients"
)

func TestMapOrganizationBothDirections(t *testing.T) {
	company := clients.Record{
		"properties": map[string]any{
			"name": "Acme GmbH",
			"zip":  "10115",
			"city": "Berlin",
		},
	}
	fields := mapOrganization(SideCRM, company)
	if fields.String("displayname") != "Acme GmbH" {
		t.Fatalf("name not mapped, got %q", fields.String("displayname"))
	}
	if fields.String("postalcode") != "10115" {
		t.Fatalf("zip not mapped, got %q", fields.String("postalcode"))
	}
	if _, present := fields["phone"]; present {
		t.Fatal("missing source fields must stay absent")
	}

	contact := clients.Record{"displayname": "Acme GmbH", "website": "acme.test"}
	back := mapOrganization(SideRental, contact)
	if back.String("name") != "Acme GmbH" || back.String("domain") != "acme.test" {
		t.Fatalf("reverse mapping wrong: %+v", back)
	}
}

func TestMapIsTotalOnSparseRecords(t *testing.T) {
	fields := mapOrganization(SideCRM, clients.Record{})
	if fields.String("displayname") != unnamedPlaceholder {
		t.Fatalf("empty name must fall back to placeholder, got %q", fields.String("displayname"))
	}
	person := mapPerson(SideRental, clients.Record{"firstname": "Ada"})
	if person.String("lastname") != unnamedPlaceholder {
		t.Fatalf("required lastname must fall back, got %q", person.String("lastname"))
	}
}

func TestPersonEmailIsCaseFolded(t *testing.T) {
	record := clients.Record{"properties": map[string]any{"email": "Ada@Acme.TEST"}}
	if personEmail(SideCRM, record) != "ada@acme.test" {
		t.Fatalf("email key must be case folded, got %q", personEmail(SideCRM, record))
	}
}

func TestNormalizeAmount(t *testing.T) {
	cases := map[string]string{
		"1200":    "1200.00",
		"50.5":    "50.50",
		"0":       "0.00",
		"":        "",
		"n/a":     "",
		" 12.345": "12.35",
	}
	for in, want := range cases {
		if got := normalizeAmount(in); got != want {
			t.Fatalf("normalizeAmount(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMapOrderNormalizesPrice(t *testing.T) {
	order := clients.Record{"properties": map[string]any{"order_name": "Stage rig", "amount": "1200"}}
	fields := mapOrder(SideCRM, order)
	if fields.String("price") != "1200.00" {
		t.Fatalf("price not normalized, got %q", fields.String("price"))
	}
	sub := clients.Record{"name": "Stage rig", "price": "99.9"}
	back := mapOrder(SideRental, sub)
	if back.String("amount") != "99.90" {
		t.Fatalf("amount not normalized, got %q", back.String("amount"))
	}
}
