package crmsync

import (
	"strings"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/crmsync_backend/clients"
)

// Field mappers are pure and total: any source record maps to a destination
// payload, missing fields map to absent keys, and required destination fields
// fall back to placeholders so a sparse origin record still produces a valid
// create call.

const unnamedPlaceholder = "Unnamed"

func nonEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func putIfSet(fields clients.Record, key string, value string) {
	if strings.TrimSpace(value) != "" {
		fields[key] = value
	}
}

// normalizeAmount parses a money field and re-renders it with two decimal
// places. Unparseable input maps to empty, not an error.
func normalizeAmount(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return ""
	}
	return amount.StringFixed(2)
}

// organizationName is the natural key used for organization dedup.
func organizationName(origin Side, record clients.Record) string {
	if origin == SideCRM {
		return record.PropString("name")
	}
	return record.String("displayname")
}

// personEmail is the natural key used for person dedup.
func personEmail(origin Side, record clients.Record) string {
	if origin == SideCRM {
		return strings.ToLower(record.PropString("email"))
	}
	return strings.ToLower(record.String("email"))
}

func mapOrganization(origin Side, record clients.Record) clients.Record {
	if origin == SideCRM {
		out := clients.Record{
			"displayname": nonEmpty(record.PropString("name"), unnamedPlaceholder),
		}
		putIfSet(out, "email", record.PropString("email"))
		putIfSet(out, "phone", record.PropString("phone"))
		putIfSet(out, "website", record.PropString("domain"))
		putIfSet(out, "city", record.PropString("city"))
		putIfSet(out, "postalcode", record.PropString("zip"))
		putIfSet(out, "country", record.PropString("country"))
		return out
	}
	out := clients.Record{
		"name": nonEmpty(record.String("displayname"), unnamedPlaceholder),
	}
	putIfSet(out, "phone", record.String("phone"))
	putIfSet(out, "domain", record.String("website"))
	putIfSet(out, "city", record.String("city"))
	putIfSet(out, "zip", record.String("postalcode"))
	putIfSet(out, "country", record.String("country"))
	return out
}

func mapPerson(origin Side, record clients.Record) clients.Record {
	if origin == SideCRM {
		out := clients.Record{
			"firstname": record.PropString("firstname"),
			"lastname":  nonEmpty(record.PropString("lastname"), unnamedPlaceholder),
		}
		putIfSet(out, "email", record.PropString("email"))
		putIfSet(out, "phone", record.PropString("phone"))
		putIfSet(out, "function", record.PropString("jobtitle"))
		return out
	}
	out := clients.Record{
		"firstname": record.String("firstname"),
		"lastname":  nonEmpty(record.String("lastname"), unnamedPlaceholder),
	}
	putIfSet(out, "email", record.String("email"))
	putIfSet(out, "phone", record.String("phone"))
	putIfSet(out, "jobtitle", record.String("function"))
	return out
}

func personDisplayName(origin Side, record clients.Record) string {
	var first, last string
	if origin == SideCRM {
		first, last = record.PropString("firstname"), record.PropString("lastname")
	} else {
		first, last = record.String("firstname"), record.String("lastname")
	}
	return strings.TrimSpace(first + " " + last)
}

func mapDeal(origin Side, record clients.Record) clients.Record {
	if origin == SideCRM {
		out := clients.Record{
			"name": nonEmpty(record.PropString("dealname"), unnamedPlaceholder),
		}
		putIfSet(out, "reference", record.PropString("deal_reference"))
		putIfSet(out, "usageperiod_start", record.PropString("rental_start_date"))
		putIfSet(out, "usageperiod_end", record.PropString("rental_end_date"))
		return out
	}
	out := clients.Record{
		"dealname": nonEmpty(record.String("name"), unnamedPlaceholder),
	}
	putIfSet(out, "deal_reference", record.String("reference"))
	putIfSet(out, "rental_start_date", record.String("usageperiod_start"))
	putIfSet(out, "rental_end_date", record.String("usageperiod_end"))
	return out
}

func dealName(origin Side, record clients.Record) string {
	if origin == SideCRM {
		return record.PropString("dealname")
	}
	return record.String("name")
}

func mapOrder(origin Side, record clients.Record) clients.Record {
	if origin == SideCRM {
		out := clients.Record{
			"name": nonEmpty(record.PropString("order_name"), unnamedPlaceholder),
		}
		putIfSet(out, "price", normalizeAmount(record.PropString("amount")))
		return out
	}
	out := clients.Record{
		"order_name": nonEmpty(record.String("name"), unnamedPlaceholder),
	}
	putIfSet(out, "amount", normalizeAmount(record.String("price")))
	return out
}

func orderName(origin Side, record clients.Record) string {
	if origin == SideCRM {
		return record.PropString("order_name")
	}
	return record.String("name")
}
