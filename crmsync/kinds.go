package crmsync

import (
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/crmsync_backend/models"
)

// Side names one of the two systems. The origin side is the one whose webhook
// triggered the current replay; the other side is the destination.
type Side string

const (
	SideCRM    Side = "crm"
	SideRental Side = "rental"
)

func (s Side) Other() Side {
	if s == SideCRM {
		return SideRental
	}
	return SideCRM
}

func (s Side) Valid() bool {
	return s == SideCRM || s == SideRental
}

// crmObjectType returns the CRM API object type for a kind. Orders are a
// custom object whose type id is account-specific, hence the env override.
func crmObjectType(kind models.EntityKind) string {
	switch kind {
	case models.KindOrganization:
		return "companies"
	case models.KindPerson:
		return "contacts"
	case models.KindDeal:
		return "deals"
	case models.KindOrder:
		if v := strings.TrimSpace(os.Getenv("CRM_ORDER_OBJECT_TYPE")); v != "" {
			return v
		}
		return "orders"
	}
	return ""
}

// rentalCollection returns the rental API collection for a kind.
func rentalCollection(kind models.EntityKind) string {
	switch kind {
	case models.KindOrganization:
		return "contacts"
	case models.KindPerson:
		return "contactpersons"
	case models.KindDeal:
		return "projects"
	case models.KindOrder:
		return "subprojects"
	}
	return ""
}

func objectType(side Side, kind models.EntityKind) string {
	if side == SideCRM {
		return crmObjectType(kind)
	}
	return rentalCollection(kind)
}

// kindForCRMObjectTypeId resolves the numeric object-type id carried by CRM
// webhook events. The order custom object id is account-specific.
func kindForCRMObjectTypeId(objectTypeId string) (models.EntityKind, bool) {
	switch objectTypeId {
	case "0-2":
		return models.KindOrganization, true
	case "0-1":
		return models.KindPerson, true
	case "0-3":
		return models.KindDeal, true
	}
	orderTypeId := strings.TrimSpace(os.Getenv("CRM_ORDER_OBJECT_TYPE_ID"))
	if orderTypeId != "" && objectTypeId == orderTypeId {
		return models.KindOrder, true
	}
	return "", false
}

// kindForCRMSubscription resolves the subscription prefix, e.g.
// "company.propertyChange" -> organization. Fallback when the object-type id
// is absent from the payload.
func kindForCRMSubscription(subscriptionType string) (models.EntityKind, bool) {
	prefix, _, found := strings.Cut(subscriptionType, ".")
	if !found {
		return "", false
	}
	switch prefix {
	case "company":
		return models.KindOrganization, true
	case "contact":
		return models.KindPerson, true
	case "deal":
		return models.KindDeal, true
	case "order":
		return models.KindOrder, true
	}
	return "", false
}

func kindForRentalItemType(itemType string) (models.EntityKind, bool) {
	switch strings.ToLower(strings.TrimSpace(itemType)) {
	case "contact", "contacts":
		return models.KindOrganization, true
	case "contactperson", "contactpersons":
		return models.KindPerson, true
	case "project", "projects":
		return models.KindDeal, true
	case "subproject", "subprojects":
		return models.KindOrder, true
	}
	return "", false
}

// rentalParentRelation is the link field on the rental child record that
// points at its parent.
func rentalParentRelation(childKind models.EntityKind) string {
	switch childKind {
	case models.KindPerson:
		return "contact"
	case models.KindDeal:
		return "customer"
	case models.KindOrder:
		return "project"
	}
	return ""
}

// parentKindOf returns the kind a child's parent link points at.
func parentKindOf(childKind models.EntityKind) (models.EntityKind, bool) {
	switch childKind {
	case models.KindPerson:
		return models.KindOrganization, true
	case models.KindDeal:
		return models.KindOrganization, true
	case models.KindOrder:
		return models.KindDeal, true
	}
	return "", false
}
