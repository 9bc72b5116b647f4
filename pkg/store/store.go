package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/oars-platform/oars/pkg/apierror"
	"github.com/oars-platform/oars/pkg/contracts"
	"github.com/oars-platform/oars/pkg/protect"
)

// Store is the typed persistence facade shared by every OARS service. All
// reads are tenant-scoped: a record belonging to another tenant is reported
// as not found, never as forbidden, so ids do not leak across tenants.
type Store struct {
	backend   Backend
	protector *protect.Protector
}

// New wraps a backend with the typed facade. A nil protector disables
// field-level encryption.
func New(backend Backend, protector *protect.Protector) (*Store, error) {
	if protector == nil {
		var err error
		protector, err = protect.New("")
		if err != nil {
			return nil, err
		}
	}
	return &Store{backend: backend, protector: protector}, nil
}

// Page carries one window of a listing plus the unwindowed total.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func notFound(kind, id string) error {
	return apierror.Wrap(apierror.CodeNotFound,
		fmt.Sprintf("%s %s not found", kind, id), apierror.ErrNotFound)
}

func (s *Store) putDoc(ctx context.Context, collection, id, tenantID, ref string, v any, createdAt, updatedAt time.Time) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal %s/%s: %w", collection, id, err)
	}
	return s.backend.put(ctx, docRecord{
		Collection: collection,
		ID:         id,
		TenantID:   tenantID,
		Ref:        ref,
		Doc:        raw,
		CreatedAt:  createdAt.UTC(),
		UpdatedAt:  updatedAt.UTC(),
	})
}

// getDoc returns nil when absent or owned by another tenant. An empty
// tenantID skips the scope check (platform-internal reads only).
func getDoc[T any](ctx context.Context, s *Store, collection, tenantID, id string) (*T, error) {
	rec, err := s.backend.get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if rec == nil || (tenantID != "" && rec.TenantID != tenantID) {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(rec.Doc, &v); err != nil {
		return nil, fmt.Errorf("store: decode %s/%s: %w", collection, id, err)
	}
	return &v, nil
}

func listDocs[T any](ctx context.Context, s *Store, collection, tenantID, ref string) ([]*T, error) {
	recs, err := s.backend.list(ctx, collection, tenantID, ref)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := json.Unmarshal(rec.Doc, &v); err != nil {
			return nil, fmt.Errorf("store: decode %s/%s: %w", collection, rec.ID, err)
		}
		out = append(out, &v)
	}
	return out, nil
}

// window applies newest-first pagination to an ascending-ordered slice.
func window[T any](asc []*T, limit, offset int) Page[*T] {
	desc := make([]*T, len(asc))
	for i, v := range asc {
		desc[len(asc)-1-i] = v
	}
	total := len(desc)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	desc = desc[offset:]
	if limit > 0 && limit < len(desc) {
		desc = desc[:limit]
	}
	return Page[*T]{Items: desc, Total: total}
}

// --- Actions ---

// PutAction inserts or replaces an action. Sensitive input fields are
// encrypted at rest when protection is enabled.
func (s *Store) PutAction(ctx context.Context, a *contracts.Action) error {
	rec := *a
	if len(rec.Input) > 0 && s.protector.Enabled() {
		protected, err := s.protector.Protect(map[string]any(rec.Input))
		if err != nil {
			return err
		}
		rec.Input = protected.(map[string]any)
	}
	return s.putDoc(ctx, colActions, rec.ActionID, rec.TenantID, "", rec, rec.CreatedAt, rec.UpdatedAt)
}

// GetAction returns the tenant's action or a not-found error.
func (s *Store) GetAction(ctx context.Context, tenantID, actionID string) (*contracts.Action, error) {
	a, err := getDoc[contracts.Action](ctx, s, colActions, tenantID, actionID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, notFound("action", actionID)
	}
	return s.restoreAction(a)
}

// ListActions pages the tenant's actions newest first.
func (s *Store) ListActions(ctx context.Context, tenantID string, limit, offset int) (Page[*contracts.Action], error) {
	actions, err := listDocs[contracts.Action](ctx, s, colActions, tenantID, "")
	if err != nil {
		return Page[*contracts.Action]{}, err
	}
	page := window(actions, limit, offset)
	for i, a := range page.Items {
		restored, err := s.restoreAction(a)
		if err != nil {
			return Page[*contracts.Action]{}, err
		}
		page.Items[i] = restored
	}
	return page, nil
}

func (s *Store) restoreAction(a *contracts.Action) (*contracts.Action, error) {
	if len(a.Input) == 0 || !s.protector.Enabled() {
		return a, nil
	}
	restored, err := s.protector.Restore(map[string]any(a.Input))
	if err != nil {
		return nil, err
	}
	a.Input = restored.(map[string]any)
	return a, nil
}

// --- Receipts ---

// PutReceipt persists a receipt, indexed by its action for chain lookups.
func (s *Store) PutReceipt(ctx context.Context, r *contracts.Receipt) error {
	return s.putDoc(ctx, colReceipts, r.ReceiptID, r.TenantID, r.ActionID, r, r.Timestamp, r.Timestamp)
}

// GetReceipt returns the tenant's receipt or a not-found error.
func (s *Store) GetReceipt(ctx context.Context, tenantID, receiptID string) (*contracts.Receipt, error) {
	r, err := getDoc[contracts.Receipt](ctx, s, colReceipts, tenantID, receiptID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, notFound("receipt", receiptID)
	}
	return r, nil
}

// ListReceiptsByAction returns the action's receipts ordered by timestamp.
func (s *Store) ListReceiptsByAction(ctx context.Context, tenantID, actionID string) ([]*contracts.Receipt, error) {
	receipts, err := listDocs[contracts.Receipt](ctx, s, colReceipts, tenantID, actionID)
	if err != nil {
		return nil, err
	}
	sort.Slice(receipts, func(i, j int) bool {
		return receipts[i].Timestamp.Before(receipts[j].Timestamp)
	})
	return receipts, nil
}

// --- Approvals ---

// PutApproval inserts or replaces an approval, indexed by its action.
func (s *Store) PutApproval(ctx context.Context, a *contracts.Approval) error {
	return s.putDoc(ctx, colApprovals, a.ApprovalID, a.TenantID, a.ActionID, a, a.CreatedAt, a.UpdatedAt)
}

// GetApproval returns the tenant's approval or a not-found error.
func (s *Store) GetApproval(ctx context.Context, tenantID, approvalID string) (*contracts.Approval, error) {
	a, err := getDoc[contracts.Approval](ctx, s, colApprovals, tenantID, approvalID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, notFound("approval", approvalID)
	}
	return a, nil
}

// GetApprovalByAction returns the approval bound to an action, nil when none.
func (s *Store) GetApprovalByAction(ctx context.Context, tenantID, actionID string) (*contracts.Approval, error) {
	approvals, err := listDocs[contracts.Approval](ctx, s, colApprovals, tenantID, actionID)
	if err != nil {
		return nil, err
	}
	if len(approvals) == 0 {
		return nil, nil
	}
	return approvals[len(approvals)-1], nil
}

// ListPendingApprovals returns the tenant's pending approvals, or every
// tenant's when tenantID is empty (the escalation scanner).
func (s *Store) ListPendingApprovals(ctx context.Context, tenantID string) ([]*contracts.Approval, error) {
	approvals, err := listDocs[contracts.Approval](ctx, s, colApprovals, tenantID, "")
	if err != nil {
		return nil, err
	}
	pending := approvals[:0]
	for _, a := range approvals {
		if a.Status == contracts.ApprovalPending {
			pending = append(pending, a)
		}
	}
	return pending, nil
}

// --- Policies ---

// PutPolicy inserts or replaces a policy.
func (s *Store) PutPolicy(ctx context.Context, p *contracts.Policy) error {
	return s.putDoc(ctx, colPolicies, p.PolicyID, p.TenantID, "", p, p.CreatedAt, p.UpdatedAt)
}

// GetPolicy returns the tenant's policy or a not-found error.
func (s *Store) GetPolicy(ctx context.Context, tenantID, policyID string) (*contracts.Policy, error) {
	p, err := getDoc[contracts.Policy](ctx, s, colPolicies, tenantID, policyID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, notFound("policy", policyID)
	}
	return p, nil
}

// ListPolicies returns the tenant's policies ordered by creation.
func (s *Store) ListPolicies(ctx context.Context, tenantID string) ([]*contracts.Policy, error) {
	return listDocs[contracts.Policy](ctx, s, colPolicies, tenantID, "")
}

// GetPublishedPolicy returns the tenant's published policy, nil when none.
func (s *Store) GetPublishedPolicy(ctx context.Context, tenantID string) (*contracts.Policy, error) {
	policies, err := s.ListPolicies(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, p := range policies {
		if p.Status == contracts.PolicyPublished {
			return p, nil
		}
	}
	return nil, nil
}

// --- Security events ---

// PutSecurityEvent persists an event for audit queries.
func (s *Store) PutSecurityEvent(ctx context.Context, e *contracts.SecurityEvent) error {
	return s.putDoc(ctx, colSecurityEvents, e.EventID, e.TenantID, e.Type, e, e.OccurredAt, e.OccurredAt)
}

// ListSecurityEvents pages the tenant's events newest first.
func (s *Store) ListSecurityEvents(ctx context.Context, tenantID string, limit, offset int) (Page[*contracts.SecurityEvent], error) {
	events, err := listDocs[contracts.SecurityEvent](ctx, s, colSecurityEvents, tenantID, "")
	if err != nil {
		return Page[*contracts.SecurityEvent]{}, err
	}
	return window(events, limit, offset), nil
}

// --- SIEM dead letters ---

// PutDeadLetter inserts or replaces a dead letter.
func (s *Store) PutDeadLetter(ctx context.Context, d *contracts.SiemDeadLetter) error {
	return s.putDoc(ctx, colDeadLetters, d.ID, d.TenantID, d.TargetID, d, d.FailedAt, d.UpdatedAt)
}

// GetDeadLetter returns the tenant's dead letter or a not-found error.
func (s *Store) GetDeadLetter(ctx context.Context, tenantID, id string) (*contracts.SiemDeadLetter, error) {
	d, err := getDoc[contracts.SiemDeadLetter](ctx, s, colDeadLetters, tenantID, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, notFound("dead letter", id)
	}
	return d, nil
}

// ListDeadLetters returns the tenant's dead letters, optionally filtered by
// status, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, tenantID string, status contracts.DeadLetterStatus) ([]*contracts.SiemDeadLetter, error) {
	letters, err := listDocs[contracts.SiemDeadLetter](ctx, s, colDeadLetters, tenantID, "")
	if err != nil {
		return nil, err
	}
	filtered := letters[:0]
	for _, d := range letters {
		if status == "" || d.Status == status {
			filtered = append(filtered, d)
		}
	}
	for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
		filtered[i], filtered[j] = filtered[j], filtered[i]
	}
	return filtered, nil
}

// --- Idempotency ---

func idempotencyID(tenantID, subject, endpoint, key string) string {
	sum := sha256.Sum256([]byte(tenantID + "\n" + subject + "\n" + endpoint + "\n" + key))
	return "idem_" + hex.EncodeToString(sum[:16])
}

// GetIdempotency returns the stored record for the scope tuple, nil when new.
func (s *Store) GetIdempotency(ctx context.Context, tenantID, subject, endpoint, key string) (*contracts.IdempotencyRecord, error) {
	return getDoc[contracts.IdempotencyRecord](ctx, s, colIdempotency, tenantID,
		idempotencyID(tenantID, subject, endpoint, key))
}

// PutIdempotency stores one idempotent write, keyed by the scope tuple.
func (s *Store) PutIdempotency(ctx context.Context, rec *contracts.IdempotencyRecord) error {
	id := idempotencyID(rec.TenantID, rec.Subject, rec.Endpoint, rec.Key)
	return s.putDoc(ctx, colIdempotency, id, rec.TenantID, "", rec, rec.CreatedAt, rec.CreatedAt)
}

// PruneIdempotency removes records created before the cutoff, across tenants.
func (s *Store) PruneIdempotency(ctx context.Context, olderThan time.Time) (int, error) {
	recs, err := s.backend.list(ctx, colIdempotency, "", "")
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, rec := range recs {
		if rec.CreatedAt.Before(olderThan) {
			if err := s.backend.delete(ctx, colIdempotency, rec.ID); err != nil {
				return pruned, err
			}
			pruned++
		}
	}
	return pruned, nil
}

// --- Vault secrets ---

func vaultSecretID(tenantID, connectorID, name string) string {
	sum := sha256.Sum256([]byte(tenantID + "\n" + connectorID + "\n" + name))
	return contracts.PrefixSecret + "_" + hex.EncodeToString(sum[:16])
}

// PutVaultSecret upserts a connector secret. The value is encrypted at rest
// when protection is enabled.
func (s *Store) PutVaultSecret(ctx context.Context, secret *contracts.VaultSecret) error {
	rec := *secret
	rec.ID = vaultSecretID(rec.TenantID, rec.ConnectorID, rec.Name)
	secret.ID = rec.ID
	sealed, err := s.protector.ProtectString(rec.Value)
	if err != nil {
		return err
	}
	rec.Value = sealed
	return s.putDoc(ctx, colVaultSecrets, rec.ID, rec.TenantID, rec.ConnectorID, rec, rec.CreatedAt, rec.UpdatedAt)
}

// GetVaultSecret returns the decrypted secret, nil when absent.
func (s *Store) GetVaultSecret(ctx context.Context, tenantID, connectorID, name string) (*contracts.VaultSecret, error) {
	secret, err := getDoc[contracts.VaultSecret](ctx, s, colVaultSecrets, tenantID,
		vaultSecretID(tenantID, connectorID, name))
	if err != nil || secret == nil {
		return nil, err
	}
	plain, err := s.protector.RestoreString(secret.Value)
	if err != nil {
		return nil, err
	}
	secret.Value = plain
	return secret, nil
}

// ListVaultSecrets returns the connector's secret metadata with values
// stripped. Values are only released through GetVaultSecret.
func (s *Store) ListVaultSecrets(ctx context.Context, tenantID, connectorID string) ([]*contracts.VaultSecret, error) {
	secrets, err := listDocs[contracts.VaultSecret](ctx, s, colVaultSecrets, tenantID, connectorID)
	if err != nil {
		return nil, err
	}
	for _, secret := range secrets {
		secret.Value = ""
	}
	return secrets, nil
}

// DeleteVaultSecret removes a secret. Deleting an absent secret is a no-op.
func (s *Store) DeleteVaultSecret(ctx context.Context, tenantID, connectorID, name string) error {
	return s.backend.delete(ctx, colVaultSecrets, vaultSecretID(tenantID, connectorID, name))
}

// --- Tenants, members, service accounts ---

// PutTenant inserts or replaces a tenant.
func (s *Store) PutTenant(ctx context.Context, t *contracts.Tenant) error {
	return s.putDoc(ctx, colTenants, t.TenantID, t.TenantID, "", t, t.CreatedAt, t.UpdatedAt)
}

// GetTenant returns the tenant or a not-found error.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (*contracts.Tenant, error) {
	t, err := getDoc[contracts.Tenant](ctx, s, colTenants, tenantID, tenantID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, notFound("tenant", tenantID)
	}
	return t, nil
}

// ListTenants returns every tenant ordered by creation.
func (s *Store) ListTenants(ctx context.Context) ([]*contracts.Tenant, error) {
	return listDocs[contracts.Tenant](ctx, s, colTenants, "", "")
}

// PutMember inserts or replaces a tenant member, indexed by user id.
func (s *Store) PutMember(ctx context.Context, m *contracts.TenantMember) error {
	return s.putDoc(ctx, colMembers, m.MemberID, m.TenantID, m.UserID, m, m.CreatedAt, m.UpdatedAt)
}

// GetMember returns the tenant's member or a not-found error.
func (s *Store) GetMember(ctx context.Context, tenantID, memberID string) (*contracts.TenantMember, error) {
	m, err := getDoc[contracts.TenantMember](ctx, s, colMembers, tenantID, memberID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, notFound("member", memberID)
	}
	return m, nil
}

// GetMemberByUser returns the member binding a user to the tenant, nil when
// the user is not a member.
func (s *Store) GetMemberByUser(ctx context.Context, tenantID, userID string) (*contracts.TenantMember, error) {
	members, err := listDocs[contracts.TenantMember](ctx, s, colMembers, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	return members[0], nil
}

// ListMembers returns the tenant's members ordered by creation.
func (s *Store) ListMembers(ctx context.Context, tenantID string) ([]*contracts.TenantMember, error) {
	return listDocs[contracts.TenantMember](ctx, s, colMembers, tenantID, "")
}

// DeleteMember removes a member binding.
func (s *Store) DeleteMember(ctx context.Context, tenantID, memberID string) error {
	m, err := getDoc[contracts.TenantMember](ctx, s, colMembers, tenantID, memberID)
	if err != nil {
		return err
	}
	if m == nil {
		return notFound("member", memberID)
	}
	return s.backend.delete(ctx, colMembers, memberID)
}

// PutServiceAccount inserts or replaces a service account, indexed by token
// hash for credential lookup.
func (s *Store) PutServiceAccount(ctx context.Context, sa *contracts.ServiceAccount) error {
	return s.putDoc(ctx, colServiceAccounts, sa.AccountID, sa.TenantID, sa.TokenHash, sa, sa.CreatedAt, sa.CreatedAt)
}

// GetServiceAccount returns the tenant's service account or a not-found error.
func (s *Store) GetServiceAccount(ctx context.Context, tenantID, accountID string) (*contracts.ServiceAccount, error) {
	sa, err := getDoc[contracts.ServiceAccount](ctx, s, colServiceAccounts, tenantID, accountID)
	if err != nil {
		return nil, err
	}
	if sa == nil {
		return nil, notFound("service account", accountID)
	}
	return sa, nil
}

// ListServiceAccounts returns the tenant's service accounts.
func (s *Store) ListServiceAccounts(ctx context.Context, tenantID string) ([]*contracts.ServiceAccount, error) {
	return listDocs[contracts.ServiceAccount](ctx, s, colServiceAccounts, tenantID, "")
}

// FindServiceAccountByTokenHash resolves a presented credential across
// tenants, nil when unknown.
func (s *Store) FindServiceAccountByTokenHash(ctx context.Context, tokenHash string) (*contracts.ServiceAccount, error) {
	accounts, err := listDocs[contracts.ServiceAccount](ctx, s, colServiceAccounts, "", tokenHash)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, nil
	}
	return accounts[0], nil
}

// --- Alert routing ---

// PutAlertRule inserts or replaces an alert routing rule.
func (s *Store) PutAlertRule(ctx context.Context, r *contracts.AlertRoutingRule) error {
	return s.putDoc(ctx, colAlertRules, r.RuleID, r.TenantID, "", r, r.CreatedAt, r.UpdatedAt)
}

// GetAlertRule returns the tenant's rule or a not-found error.
func (s *Store) GetAlertRule(ctx context.Context, tenantID, ruleID string) (*contracts.AlertRoutingRule, error) {
	r, err := getDoc[contracts.AlertRoutingRule](ctx, s, colAlertRules, tenantID, ruleID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, notFound("alert rule", ruleID)
	}
	return r, nil
}

// ListAlertRules returns the tenant's routing rules ordered by creation.
func (s *Store) ListAlertRules(ctx context.Context, tenantID string) ([]*contracts.AlertRoutingRule, error) {
	return listDocs[contracts.AlertRoutingRule](ctx, s, colAlertRules, tenantID, "")
}

// DeleteAlertRule removes a routing rule.
func (s *Store) DeleteAlertRule(ctx context.Context, tenantID, ruleID string) error {
	r, err := getDoc[contracts.AlertRoutingRule](ctx, s, colAlertRules, tenantID, ruleID)
	if err != nil {
		return err
	}
	if r == nil {
		return notFound("alert rule", ruleID)
	}
	return s.backend.delete(ctx, colAlertRules, ruleID)
}

// PutAlert persists a produced alert.
func (s *Store) PutAlert(ctx context.Context, a *contracts.Alert) error {
	return s.putDoc(ctx, colAlerts, a.AlertID, a.TenantID, a.Outcome, a, a.CreatedAt, a.CreatedAt)
}

// ListAlerts pages the tenant's alerts newest first.
func (s *Store) ListAlerts(ctx context.Context, tenantID string, limit, offset int) (Page[*contracts.Alert], error) {
	alerts, err := listDocs[contracts.Alert](ctx, s, colAlerts, tenantID, "")
	if err != nil {
		return Page[*contracts.Alert]{}, err
	}
	return window(alerts, limit, offset), nil
}

// --- Evidence graph ---

// PutEvidenceNode inserts a node, indexed by the entity it represents.
func (s *Store) PutEvidenceNode(ctx context.Context, n *contracts.EvidenceNode) error {
	return s.putDoc(ctx, colEvidenceNodes, n.NodeID, n.TenantID, n.EntityID, n, n.CreatedAt, n.CreatedAt)
}

// GetEvidenceNodeByEntity returns the node for an entity id, nil when absent.
func (s *Store) GetEvidenceNodeByEntity(ctx context.Context, tenantID, entityID string) (*contracts.EvidenceNode, error) {
	nodes, err := listDocs[contracts.EvidenceNode](ctx, s, colEvidenceNodes, tenantID, entityID)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return nodes[0], nil
}

// ListEvidenceNodes returns the tenant's nodes ordered by creation.
func (s *Store) ListEvidenceNodes(ctx context.Context, tenantID string) ([]*contracts.EvidenceNode, error) {
	return listDocs[contracts.EvidenceNode](ctx, s, colEvidenceNodes, tenantID, "")
}

// PutEvidenceEdge inserts an edge, indexed by its source node.
func (s *Store) PutEvidenceEdge(ctx context.Context, e *contracts.EvidenceEdge) error {
	return s.putDoc(ctx, colEvidenceEdges, e.EdgeID, e.TenantID, e.FromID, e, e.CreatedAt, e.CreatedAt)
}

// ListEvidenceEdgesFrom returns edges leaving a node.
func (s *Store) ListEvidenceEdgesFrom(ctx context.Context, tenantID, fromNodeID string) ([]*contracts.EvidenceEdge, error) {
	return listDocs[contracts.EvidenceEdge](ctx, s, colEvidenceEdges, tenantID, fromNodeID)
}

// ListEvidenceEdges returns the tenant's edges ordered by creation.
func (s *Store) ListEvidenceEdges(ctx context.Context, tenantID string) ([]*contracts.EvidenceEdge, error) {
	return listDocs[contracts.EvidenceEdge](ctx, s, colEvidenceEdges, tenantID, "")
}

// --- Control mappings ---

// PutControlMapping inserts or replaces a compliance control mapping.
func (s *Store) PutControlMapping(ctx context.Context, m *contracts.ControlMapping) error {
	return s.putDoc(ctx, colControlMappings, m.MappingID, m.TenantID, m.Framework, m, m.CreatedAt, m.CreatedAt)
}

// ListControlMappings returns the tenant's mappings, optionally filtered by
// framework.
func (s *Store) ListControlMappings(ctx context.Context, tenantID, framework string) ([]*contracts.ControlMapping, error) {
	return listDocs[contracts.ControlMapping](ctx, s, colControlMappings, tenantID, framework)
}

// DeleteControlMapping removes a mapping.
func (s *Store) DeleteControlMapping(ctx context.Context, tenantID, mappingID string) error {
	m, err := getDoc[contracts.ControlMapping](ctx, s, colControlMappings, tenantID, mappingID)
	if err != nil {
		return err
	}
	if m == nil {
		return notFound("control mapping", mappingID)
	}
	return s.backend.delete(ctx, colControlMappings, mappingID)
}

// --- Ledger retention ---

// GetRetentionPolicy returns the tenant's retention policy, nil when unset.
func (s *Store) GetRetentionPolicy(ctx context.Context, tenantID string) (*contracts.LedgerRetentionPolicy, error) {
	return getDoc[contracts.LedgerRetentionPolicy](ctx, s, colRetention, tenantID, tenantID)
}

// PutRetentionPolicy inserts or replaces the tenant's retention policy.
func (s *Store) PutRetentionPolicy(ctx context.Context, p *contracts.LedgerRetentionPolicy) error {
	return s.putDoc(ctx, colRetention, p.TenantID, p.TenantID, "", p, p.UpdatedAt, p.UpdatedAt)
}
