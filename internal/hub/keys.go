package hub

import (
	"strings"

	"github.com/google/uuid"
)

// Group key wire format:
//
//	tenant:{tenantId}
//	tenant:{tenantId}:user:{userId}
//	tenant:{tenantId}:record:{entityType}:{recordId}
//
// Ids are lowercase hyphenated uuids; entity types are lowercased and may
// not contain ':'.

const tenantPrefix = "tenant:"

func TenantGroup(tenantID uuid.UUID) string {
	return tenantPrefix + tenantID.String()
}

func UserGroup(tenantID, userID uuid.UUID) string {
	return TenantGroup(tenantID) + ":user:" + userID.String()
}

func RecordGroup(tenantID uuid.UUID, entityType string, recordID uuid.UUID) string {
	return TenantGroup(tenantID) + ":record:" + NormalizeEntityType(entityType) + ":" + recordID.String()
}

// NormalizeEntityType lowercases and trims entityType. It returns "" for
// values containing ':' so the group key always splits into the same segments.
func NormalizeEntityType(entityType string) string {
	entityType = strings.ToLower(strings.TrimSpace(entityType))
	if strings.Contains(entityType, ":") {
		return ""
	}
	return entityType
}

// RecordKey identifies one record-presence group.
type RecordKey struct {
	TenantID   uuid.UUID
	EntityType string
	RecordID   uuid.UUID
}

func (k RecordKey) Group() string { return RecordGroup(k.TenantID, k.EntityType, k.RecordID) }

// ParseRecordGroup reverses RecordGroup. ok is false for any other group shape.
func ParseRecordGroup(name string) (RecordKey, bool) {
	rest, found := strings.CutPrefix(name, tenantPrefix)
	if !found {
		return RecordKey{}, false
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 4 || parts[1] != "record" || parts[2] == "" {
		return RecordKey{}, false
	}
	tenantID, err := uuid.Parse(parts[0])
	if err != nil {
		return RecordKey{}, false
	}
	recordID, err := uuid.Parse(parts[3])
	if err != nil {
		return RecordKey{}, false
	}
	return RecordKey{TenantID: tenantID, EntityType: parts[2], RecordID: recordID}, true
}
