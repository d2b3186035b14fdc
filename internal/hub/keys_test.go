package hub

import (
	"testing"

	"github.com/google/uuid"
)

func TestGroupKeys(t *testing.T) {
	tenant := uuid.MustParse("7b0e1f3a-5c55-4d2e-9d0c-2f3c8a1b9e10")
	user := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	record := uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")

	if got, want := TenantGroup(tenant), "tenant:7b0e1f3a-5c55-4d2e-9d0c-2f3c8a1b9e10"; got != want {
		t.Errorf("TenantGroup = %q, want %q", got, want)
	}
	if got, want := UserGroup(tenant, user), "tenant:7b0e1f3a-5c55-4d2e-9d0c-2f3c8a1b9e10:user:11111111-2222-3333-4444-555555555555"; got != want {
		t.Errorf("UserGroup = %q, want %q", got, want)
	}
	if got, want := RecordGroup(tenant, " Account ", record), "tenant:7b0e1f3a-5c55-4d2e-9d0c-2f3c8a1b9e10:record:account:aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"; got != want {
		t.Errorf("RecordGroup = %q, want %q", got, want)
	}
}

func TestParseRecordGroup(t *testing.T) {
	tenant, record := uuid.New(), uuid.New()
	key, ok := ParseRecordGroup(RecordGroup(tenant, "Opportunity", record))
	if !ok {
		t.Fatal("ParseRecordGroup rejected a record group")
	}
	if key.TenantID != tenant || key.RecordID != record || key.EntityType != "opportunity" {
		t.Errorf("parsed %+v", key)
	}

	for _, name := range []string{
		TenantGroup(tenant),
		UserGroup(tenant, uuid.New()),
		"tenant:not-a-uuid:record:account:" + record.String(),
		"tenant:" + tenant.String() + ":record::" + record.String(),
		"other:" + tenant.String(),
	} {
		if _, ok := ParseRecordGroup(name); ok {
			t.Errorf("ParseRecordGroup(%q) should fail", name)
		}
	}
}

func TestNormalizeEntityType(t *testing.T) {
	for in, want := range map[string]string{
		" Account ":   "account",
		"sales-order": "sales-order",
		"crm:Account": "",
		":":           "",
		"":            "",
	} {
		if got := NormalizeEntityType(in); got != want {
			t.Errorf("NormalizeEntityType(%q) = %q, want %q", in, got, want)
		}
	}
}
