package merging

import "github.com/fernhq/clover/pkg/models"

// Field is one mergeable attribute of an entity. The enumerated set is
// typed per entity kind so reconciliation is exhaustive: a field added
// to the model without a Field entry is invisible to merges, never
// silently half-handled.
type Field struct {
	Name string
	Get  func(*models.Entity) string
	Set  func(*models.Entity, string)
}

func strField(get func(*models.Entity) *string, set func(*models.Entity, *string)) (func(*models.Entity) string, func(*models.Entity, string)) {
	return func(e *models.Entity) string {
			if v := get(e); v != nil {
				return *v
			}
			return ""
		}, func(e *models.Entity, v string) {
			set(e, &v)
		}
}

func field(name string, get func(*models.Entity) *string, set func(*models.Entity, *string)) Field {
	g, s := strField(get, set)
	return Field{Name: name, Get: g, Set: s}
}

var (
	fieldPhone = field("phone",
		func(e *models.Entity) *string { return e.Phone },
		func(e *models.Entity, v *string) { e.Phone = v })
	fieldMobile = field("mobile",
		func(e *models.Entity) *string { return e.Mobile },
		func(e *models.Entity, v *string) { e.Mobile = v })
	fieldHandle = field("handle",
		func(e *models.Entity) *string { return e.Handle },
		func(e *models.Entity, v *string) { e.Handle = v })
	fieldHandleSource = field("handle_source",
		func(e *models.Entity) *string { return e.HandleSource },
		func(e *models.Entity, v *string) { e.HandleSource = v })
	fieldFirstName = field("first_name",
		func(e *models.Entity) *string { return e.FirstName },
		func(e *models.Entity, v *string) { e.FirstName = v })
	fieldLastName = field("last_name",
		func(e *models.Entity) *string { return e.LastName },
		func(e *models.Entity, v *string) { e.LastName = v })
	fieldCompany = field("company",
		func(e *models.Entity) *string { return e.Company },
		func(e *models.Entity, v *string) { e.Company = v })
	fieldTitle = field("title",
		func(e *models.Entity) *string { return e.Title },
		func(e *models.Entity, v *string) { e.Title = v })
	fieldWebsite = field("website",
		func(e *models.Entity) *string { return e.Website },
		func(e *models.Entity, v *string) { e.Website = v })
	fieldAddress = field("address",
		func(e *models.Entity) *string { return e.Address },
		func(e *models.Entity, v *string) { e.Address = v })
	fieldAvatarURL = field("avatar_url",
		func(e *models.Entity) *string { return e.AvatarURL },
		func(e *models.Entity, v *string) { e.AvatarURL = v })
	fieldNotes = field("notes",
		func(e *models.Entity) *string { return e.Notes },
		func(e *models.Entity, v *string) { e.Notes = v })
)

var contactFields = []Field{
	fieldPhone,
	fieldMobile,
	fieldHandle,
	fieldHandleSource,
	fieldFirstName,
	fieldLastName,
	fieldCompany,
	fieldTitle,
	fieldWebsite,
	fieldAddress,
	fieldAvatarURL,
	fieldNotes,
}

var companyFields = []Field{
	fieldPhone,
	fieldCompany,
	fieldWebsite,
	fieldAddress,
	fieldNotes,
}

// FieldsFor returns the mergeable field set for an entity kind
func FieldsFor(entityType models.EntityType) []Field {
	if entityType == models.EntityTypeCompany {
		return companyFields
	}
	return contactFields
}
