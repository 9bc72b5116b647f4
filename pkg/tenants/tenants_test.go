package tenants

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/oars-platform/oars/pkg/apierror"
	"github.com/oars-platform/oars/pkg/contracts"
	"github.com/oars-platform/oars/pkg/identity"
	"github.com/oars-platform/oars/pkg/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	backend, err := store.NewFileBackend(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.New(backend, nil)
	if err != nil {
		t.Fatal(err)
	}
	return NewService(st, nil)
}

func TestTenantLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	tenant, err := svc.CreateTenant(ctx, "Acme Corp")
	if err != nil {
		t.Fatal(err)
	}
	if tenant.Status != "active" || !strings.HasPrefix(tenant.TenantID, "ten_") {
		t.Fatalf("unexpected tenant %+v", tenant)
	}

	suspended, err := svc.SetTenantStatus(ctx, tenant.TenantID, "suspended")
	if err != nil {
		t.Fatal(err)
	}
	if suspended.Status != "suspended" {
		t.Fatalf("unexpected status %s", suspended.Status)
	}
	if _, err := svc.SetTenantStatus(ctx, tenant.TenantID, "obliterated"); !errors.Is(err, apierror.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMembershipIsUniquePerUser(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	tenant, err := svc.CreateTenant(ctx, "Acme Corp")
	if err != nil {
		t.Fatal(err)
	}
	member, err := svc.AddMember(ctx, tenant.TenantID, "user_kai", "kai@acme.test", contracts.RoleOperator)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AddMember(ctx, tenant.TenantID, "user_kai", "kai@acme.test", contracts.RoleAuditor); !errors.Is(err, apierror.ErrConflict) {
		t.Fatalf("duplicate membership must conflict, got %v", err)
	}

	updated, err := svc.UpdateMemberRole(ctx, tenant.TenantID, member.MemberID, contracts.RoleAdmin)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Role != contracts.RoleAdmin {
		t.Fatalf("unexpected role %s", updated.Role)
	}
	if err := svc.RemoveMember(ctx, tenant.TenantID, member.MemberID); err != nil {
		t.Fatal(err)
	}
}

func TestServiceAccountTokenShownOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	tenant, err := svc.CreateTenant(ctx, "Acme Corp")
	if err != nil {
		t.Fatal(err)
	}
	created, err := svc.CreateServiceAccount(ctx, tenant.TenantID, "deployer", []string{"actions:submit"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(created.Token, "oars_sa_") {
		t.Fatalf("unexpected token form %q", created.Token)
	}
	if created.Account.TokenHash != identity.HashToken(created.Token) {
		t.Fatal("stored hash must cover the issued token")
	}
	if created.Account.TokenHash == created.Token {
		t.Fatal("raw token must never be persisted")
	}

	disabled, err := svc.DisableServiceAccount(ctx, tenant.TenantID, created.Account.AccountID)
	if err != nil {
		t.Fatal(err)
	}
	if !disabled.Disabled {
		t.Fatal("account should be disabled")
	}
}

func TestSCIMCreateAndDeactivateUser(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	tenant, err := svc.CreateTenant(ctx, "Acme Corp")
	if err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	NewSCIMServer(svc).RegisterRoutes(mux)

	body := `{"schemas":["urn:ietf:params:scim:schemas:core:2.0:User"],"userName":"kai@acme.test","active":true}`
	req := httptest.NewRequest(http.MethodPost, "/scim/v2/Users", strings.NewReader(body))
	req.Header.Set(tenantHeader, tenant.TenantID)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", rec.Code, rec.Body.String())
	}

	members, err := svc.ListMembers(ctx, tenant.TenantID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0].UserID != "kai@acme.test" {
		t.Fatalf("unexpected members %+v", members)
	}

	req = httptest.NewRequest(http.MethodDelete, "/scim/v2/Users/"+members[0].MemberID, nil)
	req.Header.Set(tenantHeader, tenant.TenantID)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d body %s", rec.Code, rec.Body.String())
	}
	members, _ = svc.ListMembers(ctx, tenant.TenantID)
	if len(members) != 0 {
		t.Fatalf("member should be removed, got %+v", members)
	}
}

func TestSCIMGroupPatchChangesRole(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	tenant, err := svc.CreateTenant(ctx, "Acme Corp")
	if err != nil {
		t.Fatal(err)
	}
	member, err := svc.AddMember(ctx, tenant.TenantID, "kai@acme.test", "kai@acme.test", contracts.RoleOperator)
	if err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	NewSCIMServer(svc).RegisterRoutes(mux)

	body := `{"schemas":["urn:ietf:params:scim:api:messages:2.0:PatchOp"],"Operations":[{"op":"add","value":[{"value":"` + member.MemberID + `"}]}]}`
	req := httptest.NewRequest(http.MethodPatch, "/scim/v2/Groups/auditor", strings.NewReader(body))
	req.Header.Set(tenantHeader, tenant.TenantID)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: status %d body %s", rec.Code, rec.Body.String())
	}

	members, err := svc.ListMembers(ctx, tenant.TenantID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0].Role != contracts.RoleAuditor {
		t.Fatalf("member should now be an auditor, got %+v", members[0])
	}

	req = httptest.NewRequest(http.MethodGet, "/scim/v2/Groups/auditor", nil)
	req.Header.Set(tenantHeader, tenant.TenantID)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), member.MemberID) {
		t.Fatalf("group should list the member, status %d body %s", rec.Code, rec.Body.String())
	}
}
