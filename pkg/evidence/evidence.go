// Package evidence maintains the tenant evidence graph: actions, receipts
// and events as nodes, provenance between them as edges. Auditors traverse
// it to reconstruct how a decision came to be.
package evidence

import (
	"context"
	"time"

	"github.com/oars-platform/oars/pkg/apierror"
	"github.com/oars-platform/oars/pkg/contracts"
	"github.com/oars-platform/oars/pkg/store"
)

// Service is the evidence graph surface.
type Service struct {
	store *store.Store
	clock func() time.Time
}

// NewService creates the evidence service.
func NewService(st *store.Store) *Service {
	return &Service{store: st, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// EnsureNode returns the node for an entity, creating it on first sight.
func (s *Service) EnsureNode(ctx context.Context, tenantID, kind, entityID string) (*contracts.EvidenceNode, error) {
	if entityID == "" {
		return nil, apierror.New(apierror.CodeValidation, "entityId is required")
	}
	existing, err := s.store.GetEvidenceNodeByEntity(ctx, tenantID, entityID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	node := &contracts.EvidenceNode{
		NodeID:    contracts.NewID(contracts.PrefixNode),
		TenantID:  tenantID,
		Kind:      kind,
		EntityID:  entityID,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.store.PutEvidenceNode(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

// Link connects two entities, creating nodes as needed. Re-linking the same
// pair with the same relation is a no-op returning the existing edge.
func (s *Service) Link(ctx context.Context, tenantID, fromKind, fromEntityID, toKind, toEntityID, relation string) (*contracts.EvidenceEdge, error) {
	from, err := s.EnsureNode(ctx, tenantID, fromKind, fromEntityID)
	if err != nil {
		return nil, err
	}
	to, err := s.EnsureNode(ctx, tenantID, toKind, toEntityID)
	if err != nil {
		return nil, err
	}
	existing, err := s.store.ListEvidenceEdgesFrom(ctx, tenantID, from.NodeID)
	if err != nil {
		return nil, err
	}
	for _, e := range existing {
		if e.ToID == to.NodeID && e.Relation == relation {
			return e, nil
		}
	}
	edge := &contracts.EvidenceEdge{
		EdgeID:    contracts.NewID(contracts.PrefixEdge),
		TenantID:  tenantID,
		FromID:    from.NodeID,
		ToID:      to.NodeID,
		Relation:  relation,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.store.PutEvidenceEdge(ctx, edge); err != nil {
		return nil, err
	}
	return edge, nil
}

// Subgraph is the traversal result rooted at one entity.
type Subgraph struct {
	Nodes []*contracts.EvidenceNode `json:"nodes"`
	Edges []*contracts.EvidenceEdge `json:"edges"`
}

// Traverse walks outgoing edges from the entity's node up to depth hops.
func (s *Service) Traverse(ctx context.Context, tenantID, entityID string, depth int) (*Subgraph, error) {
	root, err := s.store.GetEvidenceNodeByEntity(ctx, tenantID, entityID)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, apierror.Wrap(apierror.CodeNotFound,
			"no evidence recorded for entity "+entityID, apierror.ErrNotFound)
	}
	if depth < 1 {
		depth = 1
	}

	allNodes, err := s.store.ListEvidenceNodes(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	nodeByID := make(map[string]*contracts.EvidenceNode, len(allNodes))
	for _, n := range allNodes {
		nodeByID[n.NodeID] = n
	}

	sub := &Subgraph{Nodes: []*contracts.EvidenceNode{root}}
	visited := map[string]bool{root.NodeID: true}
	frontier := []string{root.NodeID}
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, nodeID := range frontier {
			edges, err := s.store.ListEvidenceEdgesFrom(ctx, tenantID, nodeID)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				sub.Edges = append(sub.Edges, e)
				if visited[e.ToID] {
					continue
				}
				visited[e.ToID] = true
				if n, ok := nodeByID[e.ToID]; ok {
					sub.Nodes = append(sub.Nodes, n)
				}
				next = append(next, e.ToID)
			}
		}
		frontier = next
	}
	return sub, nil
}
