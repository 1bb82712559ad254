package entitystore

import (
	"fmt"
	"strings"

	"github.com/tedge-bridge/cloud-mapper/pkg/contracts"
	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

// externalIDAllowed mirrors Cumulocity's external-id character set: ASCII
// letters, digits, and a small punctuation set.
func externalIDAllowed(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case strings.ContainsRune(":-_@.", r):
		return true
	default:
		return false
	}
}

// ValidateExternalID checks a user-supplied @id against the allowed
// character set, returning it typed on success. Satisfies
// contracts.ExternalIDValidator.
func ValidateExternalID(id string) (models.EntityExternalId, error) {
	for _, r := range id {
		if !externalIDAllowed(r) {
			return "", &contracts.InvalidExternalIdError{ExternalID: id, Char: r}
		}
	}
	return models.EntityExternalId(id), nil
}

// MapToExternalID derives an external id for an entity that didn't
// supply an explicit @id: "<mainDeviceXID>:device:<id>" for default child
// devices, "<mainDeviceXID>:device:<id>:service:<svc>" for default
// services, and the entity's own topic id verbatim otherwise.
func MapToExternalID(tid models.EntityTopicId, mainDeviceXID models.EntityExternalId) models.EntityExternalId {
	switch {
	case tid.IsDefaultMainDevice():
		return mainDeviceXID
	case tid.IsDefaultService():
		segs := tid.Segments()
		return models.EntityExternalId(fmt.Sprintf("%s:device:%s:service:%s", mainDeviceXID, segs[1], segs[3]))
	case tid.IsDefaultChildDevice():
		return models.EntityExternalId(fmt.Sprintf("%s:device:%s", mainDeviceXID, tid.DeviceID()))
	default:
		return models.EntityExternalId(tid.String())
	}
}
