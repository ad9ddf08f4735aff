// Package authz decides which calling application entities may use which
// DIMSE services, and which per-caller constraint is folded into their
// queries.
package authz

import (
	"go.mongodb.org/mongo-driver/bson"
)

// Service is a DIMSE service class gated by authorization.
type Service string

const (
	ServiceEcho     Service = "echo"
	ServiceStore    Service = "store"
	ServiceQuery    Service = "query"
	ServiceRetrieve Service = "retrieve"
)

// Identity is the calling peer as seen at association time.
type Identity struct {
	CallingAETitle string
	Host           string
}

// Authorizer gates service access per identity. GetConstraint returns an
// extra store-filter fragment AND-ed into the identity's queries; nil
// means unconstrained.
type Authorizer interface {
	IsAuthorized(identity Identity, service Service) bool
	GetConstraint(identity Identity, service Service) bson.M
}

// AllowAll authorizes everything with no constraints.
type AllowAll struct{}

func (AllowAll) IsAuthorized(Identity, Service) bool    { return true }
func (AllowAll) GetConstraint(Identity, Service) bson.M { return nil }

// Rule scopes one calling AE title: the services it may use and an
// optional query constraint.
type Rule struct {
	Services   []Service
	Constraint bson.M
}

// AETitleList authorizes only the listed calling AE titles. ServiceEcho is
// always allowed: verification carries no data.
type AETitleList struct {
	rules map[string]Rule
}

// NewAETitleList builds an authorizer from per-AE-title rules.
func NewAETitleList(rules map[string]Rule) *AETitleList {
	copied := make(map[string]Rule, len(rules))
	for ae, rule := range rules {
		copied[ae] = rule
	}
	return &AETitleList{rules: copied}
}

func (a *AETitleList) IsAuthorized(identity Identity, service Service) bool {
	if service == ServiceEcho {
		return true
	}
	rule, ok := a.rules[identity.CallingAETitle]
	if !ok {
		return false
	}
	for _, s := range rule.Services {
		if s == service {
			return true
		}
	}
	return false
}

func (a *AETitleList) GetConstraint(identity Identity, service Service) bson.M {
	rule, ok := a.rules[identity.CallingAETitle]
	if !ok || !a.IsAuthorized(identity, service) {
		return nil
	}
	return rule.Constraint
}
