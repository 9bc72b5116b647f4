package tenants

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oars-platform/oars/pkg/apierror"
	"github.com/oars-platform/oars/pkg/contracts"
)

// SCIM 2.0 schema URNs (RFC 7643/7644).
const (
	scimUserSchema  = "urn:ietf:params:scim:schemas:core:2.0:User"
	scimGroupSchema = "urn:ietf:params:scim:schemas:core:2.0:Group"
	scimListSchema  = "urn:ietf:params:scim:api:messages:2.0:ListResponse"
	scimPatchSchema = "urn:ietf:params:scim:api:messages:2.0:PatchOp"
	scimErrorSchema = "urn:ietf:params:scim:api:messages:2.0:Error"

	tenantHeader = "X-Oars-Tenant"
)

// SCIMUser is the user resource exchanged with enterprise IdPs. It maps onto
// a tenant membership; the member id doubles as the SCIM resource id.
type SCIMUser struct {
	Schemas    []string    `json:"schemas"`
	ID         string      `json:"id,omitempty"`
	ExternalID string      `json:"externalId,omitempty"`
	UserName   string      `json:"userName"`
	Emails     []SCIMEmail `json:"emails,omitempty"`
	Active     bool        `json:"active"`
	Meta       SCIMMeta    `json:"meta"`
}

// SCIMEmail is one email address on a user resource.
type SCIMEmail struct {
	Value   string `json:"value"`
	Primary bool   `json:"primary"`
}

// SCIMMeta carries resource metadata.
type SCIMMeta struct {
	ResourceType string    `json:"resourceType"`
	Created      time.Time `json:"created"`
	LastModified time.Time `json:"lastModified"`
}

// SCIMGroup maps a role onto a SCIM group. Groups are fixed: one per role,
// with the role name as the group id. IdPs manage role mappings by patching
// group membership.
type SCIMGroup struct {
	Schemas     []string          `json:"schemas"`
	ID          string            `json:"id"`
	DisplayName string            `json:"displayName"`
	Members     []SCIMGroupMember `json:"members"`
}

// SCIMGroupMember references a user resource inside a group.
type SCIMGroupMember struct {
	Value   string `json:"value"`
	Display string `json:"display,omitempty"`
}

type scimPatchRequest struct {
	Schemas    []string `json:"schemas"`
	Operations []struct {
		Op    string            `json:"op"`
		Path  string            `json:"path,omitempty"`
		Value []SCIMGroupMember `json:"value,omitempty"`
	} `json:"Operations"`
}

type scimListResponse struct {
	Schemas      []string `json:"schemas"`
	TotalResults int      `json:"totalResults"`
	StartIndex   int      `json:"startIndex"`
	ItemsPerPage int      `json:"itemsPerPage"`
	Resources    any      `json:"Resources"`
}

type scimError struct {
	Schemas []string `json:"schemas"`
	Detail  string   `json:"detail"`
	Status  string   `json:"status"`
}

// SCIMServer exposes SCIM user provisioning backed by tenant memberships.
// The caller selects the tenant via the X-Oars-Tenant header.
type SCIMServer struct {
	tenants *Service
}

// NewSCIMServer creates the provisioning endpoint.
func NewSCIMServer(tenants *Service) *SCIMServer {
	return &SCIMServer{tenants: tenants}
}

// RegisterRoutes mounts the SCIM endpoints on mux.
func (s *SCIMServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/scim/v2/Users", s.handleUsers)
	mux.HandleFunc("/scim/v2/Users/", s.handleUserByID)
	mux.HandleFunc("/scim/v2/Groups", s.handleGroups)
	mux.HandleFunc("/scim/v2/Groups/", s.handleGroupByID)
}

func (s *SCIMServer) handleUsers(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(tenantHeader)
	if tenantID == "" {
		s.writeError(w, http.StatusBadRequest, "tenant header is required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.listUsers(w, r, tenantID)
	case http.MethodPost:
		s.createUser(w, r, tenantID)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *SCIMServer) handleUserByID(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(tenantHeader)
	memberID := strings.TrimPrefix(r.URL.Path, "/scim/v2/Users/")
	if tenantID == "" || memberID == "" {
		s.writeError(w, http.StatusBadRequest, "tenant header and user id are required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.getUser(w, r, tenantID, memberID)
	case http.MethodDelete:
		s.deleteUser(w, r, tenantID, memberID)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *SCIMServer) listUsers(w http.ResponseWriter, r *http.Request, tenantID string) {
	members, err := s.tenants.ListMembers(r.Context(), tenantID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	users := make([]SCIMUser, 0, len(members))
	for _, m := range members {
		users = append(users, toSCIMUser(m))
	}
	s.writeJSON(w, http.StatusOK, scimListResponse{
		Schemas:      []string{scimListSchema},
		TotalResults: len(users),
		StartIndex:   1,
		ItemsPerPage: len(users),
		Resources:    users,
	})
}

func (s *SCIMServer) createUser(w http.ResponseWriter, r *http.Request, tenantID string) {
	var user SCIMUser
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if user.UserName == "" {
		s.writeError(w, http.StatusBadRequest, "userName is required")
		return
	}
	email := ""
	for _, e := range user.Emails {
		if e.Primary || email == "" {
			email = e.Value
		}
	}
	// IdP-provisioned users land as operators; role elevation stays an
	// explicit admin operation.
	member, err := s.tenants.AddMember(r.Context(), tenantID, user.UserName, email, contracts.RoleOperator)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toSCIMUser(member))
}

func (s *SCIMServer) getUser(w http.ResponseWriter, r *http.Request, tenantID, memberID string) {
	member, err := s.tenants.store.GetMember(r.Context(), tenantID, memberID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toSCIMUser(member))
}

func (s *SCIMServer) deleteUser(w http.ResponseWriter, r *http.Request, tenantID, memberID string) {
	if err := s.tenants.RemoveMember(r.Context(), tenantID, memberID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// groupRoles are the roles exposed as SCIM groups. Agent and service
// principals are not IdP-managed and stay out of the provisioning surface.
var groupRoles = []contracts.Role{contracts.RoleAdmin, contracts.RoleOperator, contracts.RoleAuditor}

func groupRole(id string) (contracts.Role, bool) {
	for _, role := range groupRoles {
		if string(role) == id {
			return role, true
		}
	}
	return "", false
}

func (s *SCIMServer) handleGroups(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(tenantHeader)
	if tenantID == "" {
		s.writeError(w, http.StatusBadRequest, "tenant header is required")
		return
	}
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "groups are fixed; patch a group to manage membership")
		return
	}
	members, err := s.tenants.ListMembers(r.Context(), tenantID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	groups := make([]SCIMGroup, 0, len(groupRoles))
	for _, role := range groupRoles {
		groups = append(groups, toSCIMGroup(role, members))
	}
	s.writeJSON(w, http.StatusOK, scimListResponse{
		Schemas:      []string{scimListSchema},
		TotalResults: len(groups),
		StartIndex:   1,
		ItemsPerPage: len(groups),
		Resources:    groups,
	})
}

func (s *SCIMServer) handleGroupByID(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(tenantHeader)
	groupID := strings.TrimPrefix(r.URL.Path, "/scim/v2/Groups/")
	if tenantID == "" || groupID == "" {
		s.writeError(w, http.StatusBadRequest, "tenant header and group id are required")
		return
	}
	role, ok := groupRole(groupID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown group")
		return
	}
	switch r.Method {
	case http.MethodGet:
		members, err := s.tenants.ListMembers(r.Context(), tenantID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, toSCIMGroup(role, members))
	case http.MethodPatch:
		s.patchGroup(w, r, tenantID, role)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// patchGroup maps SCIM membership patches onto role changes. A member holds
// exactly one role, so "add" assigns the group's role and "remove" demotes
// back to operator. Removing from the operator group is rejected.
func (s *SCIMServer) patchGroup(w http.ResponseWriter, r *http.Request, tenantID string, role contracts.Role) {
	var patch scimPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for _, op := range patch.Operations {
		switch strings.ToLower(op.Op) {
		case "add":
			for _, ref := range op.Value {
				if _, err := s.tenants.UpdateMemberRole(r.Context(), tenantID, ref.Value, role); err != nil {
					s.writeServiceError(w, err)
					return
				}
			}
		case "remove":
			if role == contracts.RoleOperator {
				s.writeError(w, http.StatusBadRequest, "members cannot be removed from the operator group; delete the user instead")
				return
			}
			for _, ref := range op.Value {
				if _, err := s.tenants.UpdateMemberRole(r.Context(), tenantID, ref.Value, contracts.RoleOperator); err != nil {
					s.writeServiceError(w, err)
					return
				}
			}
		default:
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported patch op %q", op.Op))
			return
		}
	}
	members, err := s.tenants.ListMembers(r.Context(), tenantID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toSCIMGroup(role, members))
}

func toSCIMGroup(role contracts.Role, members []*contracts.TenantMember) SCIMGroup {
	group := SCIMGroup{
		Schemas:     []string{scimGroupSchema},
		ID:          string(role),
		DisplayName: strings.ToUpper(string(role[:1])) + string(role[1:]),
		Members:     []SCIMGroupMember{},
	}
	for _, m := range members {
		if m.Role == role {
			group.Members = append(group.Members, SCIMGroupMember{Value: m.MemberID, Display: m.UserID})
		}
	}
	return group
}

func toSCIMUser(m *contracts.TenantMember) SCIMUser {
	user := SCIMUser{
		Schemas:  []string{scimUserSchema},
		ID:       m.MemberID,
		UserName: m.UserID,
		Active:   true,
		Meta: SCIMMeta{
			ResourceType: "User",
			Created:      m.CreatedAt,
			LastModified: m.UpdatedAt,
		},
	}
	if m.Email != "" {
		user.Emails = []SCIMEmail{{Value: m.Email, Primary: true}}
	}
	return user
}

func (s *SCIMServer) writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apierror.CodeOf(err) {
	case apierror.CodeNotFound:
		status = http.StatusNotFound
	case apierror.CodeConflict:
		status = http.StatusConflict
	case apierror.CodeValidation, apierror.CodeBadRequest, apierror.CodeTenantRequired:
		status = http.StatusBadRequest
	case apierror.CodeForbidden:
		status = http.StatusForbidden
	}
	s.writeError(w, status, err.Error())
}

func (s *SCIMServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/scim+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *SCIMServer) writeError(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, scimError{
		Schemas: []string{scimErrorSchema},
		Detail:  detail,
		Status:  fmt.Sprintf("%d", status),
	})
}
