package service

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"order-ledger/internal/models"
)

// Edge is one (from, to) pair of the transition table
type Edge struct {
	From models.OrderStatus
	To   models.OrderStatus
}

func (e Edge) String() string {
	return fmt.Sprintf("%s>%s", e.From, e.To)
}

var transitionTable = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusCreated:   {models.OrderStatusAccepted, models.OrderStatusCancelled},
	models.OrderStatusAccepted:  {models.OrderStatusPreparing, models.OrderStatusCancelled},
	models.OrderStatusPreparing: {models.OrderStatusReady, models.OrderStatusCancelled},
	models.OrderStatusReady:     {models.OrderStatusCompleted, models.OrderStatusCancelled},
}

// CanTransition reports whether from → to is an edge of the table.
// Re-applying the current status is never an edge.
func CanTransition(from, to models.OrderStatus) bool {
	for _, next := range transitionTable[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Edges lists every edge of the table
func Edges() []Edge {
	var edges []Edge
	for from, tos := range transitionTable {
		for _, to := range tos {
			edges = append(edges, Edge{From: from, To: to})
		}
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].String() < edges[j].String() })
	return edges
}

// Policy is the authorization matrix: which actor roles may drive which edge
type Policy struct {
	allowed map[Edge]map[models.ActorRole]bool
}

// DefaultPolicy lets staff drive the kitchen flow, lets customers cancel only
// orders nobody accepted yet, and lets the system complete and cancel.
func DefaultPolicy() *Policy {
	p := &Policy{allowed: make(map[Edge]map[models.ActorRole]bool)}
	staff := []models.ActorRole{models.ActorStaff}
	p.grant(Edge{models.OrderStatusCreated, models.OrderStatusAccepted}, staff...)
	p.grant(Edge{models.OrderStatusAccepted, models.OrderStatusPreparing}, staff...)
	p.grant(Edge{models.OrderStatusPreparing, models.OrderStatusReady}, staff...)
	p.grant(Edge{models.OrderStatusReady, models.OrderStatusCompleted}, models.ActorStaff, models.ActorSystem)
	p.grant(Edge{models.OrderStatusCreated, models.OrderStatusCancelled},
		models.ActorCustomer, models.ActorStaff, models.ActorSystem)
	for _, from := range []models.OrderStatus{models.OrderStatusAccepted, models.OrderStatusPreparing, models.OrderStatusReady} {
		p.grant(Edge{from, models.OrderStatusCancelled}, models.ActorStaff, models.ActorSystem)
	}
	return p
}

// ParsePolicy overlays rules of the form "from>to:role|role;..." on the default
// matrix. A listed edge gets exactly the listed roles.
func ParsePolicy(rules string) (*Policy, error) {
	p := DefaultPolicy()
	rules = strings.TrimSpace(rules)
	if rules == "" {
		return p, nil
	}

	for _, rule := range strings.Split(rules, ";") {
		rule = strings.TrimSpace(rule)
		if rule == "" {
			continue
		}
		edgePart, rolesPart, ok := strings.Cut(rule, ":")
		if !ok {
			return nil, fmt.Errorf("policy rule %q: missing roles", rule)
		}
		fromStr, toStr, ok := strings.Cut(strings.TrimSpace(edgePart), ">")
		if !ok {
			return nil, fmt.Errorf("policy rule %q: edge must be from>to", rule)
		}
		edge := Edge{From: models.OrderStatus(strings.TrimSpace(fromStr)), To: models.OrderStatus(strings.TrimSpace(toStr))}
		if !CanTransition(edge.From, edge.To) {
			return nil, fmt.Errorf("policy rule %q: %s is not a transition", rule, edge)
		}

		var roles []models.ActorRole
		for _, r := range strings.Split(rolesPart, "|") {
			role := models.ActorRole(strings.TrimSpace(r))
			switch role {
			case models.ActorCustomer, models.ActorStaff, models.ActorSystem:
				roles = append(roles, role)
			case "":
			default:
				return nil, fmt.Errorf("policy rule %q: unknown role %q", rule, role)
			}
		}
		delete(p.allowed, edge)
		p.grant(edge, roles...)
	}
	return p, nil
}

func (p *Policy) grant(edge Edge, roles ...models.ActorRole) {
	if p.allowed[edge] == nil {
		p.allowed[edge] = make(map[models.ActorRole]bool)
	}
	for _, r := range roles {
		p.allowed[edge][r] = true
	}
}

// Allows reports whether role may drive edge
func (p *Policy) Allows(edge Edge, role models.ActorRole) bool {
	return p.allowed[edge][role]
}

// AutoRule advances an order sitting in From to To once After has elapsed
type AutoRule struct {
	From  models.OrderStatus
	To    models.OrderStatus
	After time.Duration
}

// DefaultAutoRules completes ready orders after readyTimeout
func DefaultAutoRules(readyTimeout time.Duration) []AutoRule {
	return []AutoRule{{From: models.OrderStatusReady, To: models.OrderStatusCompleted, After: readyTimeout}}
}
