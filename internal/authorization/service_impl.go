package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/cockroachdb/errors"
	entdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	obscontext "github.com/smallbiznis/entitlements/internal/observability/context"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

//go:embed model.conf
var modelText string

const ObjectEntitlement = "entitlement"

const (
	RoleSystem = "role:system"
	RoleOwner  = "role:owner"
	RoleAdmin  = "role:admin"
	RoleMember = "role:member"
)

var (
	ErrInvalidActor        = errors.New("invalid_actor")
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidRole         = errors.New("invalid_role")
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(adapter *gormadapter.Adapter) (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) *ServiceImpl {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

// Ensure checks the actor on ctx against the permission inside the caller's
// organization. Calls without an actor are not checked.
func (s *ServiceImpl) Ensure(ctx context.Context, permission entdomain.Permission) error {
	if !obscontext.IsAuthenticated(ctx) {
		return nil
	}
	actorType, actorID := obscontext.ActorFromContext(ctx)
	orgID := strings.TrimSpace(obscontext.OrgIDFromContext(ctx))

	if err := s.Authorize(ctx, actorType, actorID, orgID, ObjectEntitlement, string(permission)); err != nil {
		if errors.Is(err, entdomain.ErrPermissionDenied) {
			return err
		}
		return errors.Mark(errors.Wrapf(err, "authorize %s", permission), entdomain.ErrPermissionDenied)
	}
	return nil
}

func (s *ServiceImpl) Authorize(ctx context.Context, actorType, actorID, orgID, object, action string) error {
	subject, err := resolveSubject(actorType, actorID)
	if err != nil {
		return err
	}
	dom, err := orgDomain(subject, orgID)
	if err != nil {
		return err
	}

	// system callers and api keys act with the system role in every organization
	if subject == "system" || strings.HasPrefix(subject, "api_key:") {
		if err := s.ensureGrouping(subject, RoleSystem, dom); err != nil {
			return err
		}
	}

	allowed, err := s.enforcer.Enforce(subject, dom, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("authorization denied",
			zap.String("subject", subject),
			zap.String("domain", dom),
			zap.String("object", object),
			zap.String("action", action),
		)
		return errors.WithHint(
			errors.Wrapf(entdomain.ErrPermissionDenied, "%s may not %s", subject, action),
			"grant the caller a role holding this permission in the organization",
		)
	}
	return nil
}

// AssignRole binds a user to one role inside an organization, replacing any
// role held before.
func (s *ServiceImpl) AssignRole(ctx context.Context, userID, orgID snowflake.ID, role string) error {
	role = strings.ToLower(strings.TrimSpace(role))
	switch "role:" + role {
	case RoleOwner, RoleAdmin, RoleMember:
	default:
		return errors.Wrapf(ErrInvalidRole, "role %q", role)
	}
	if userID == 0 {
		return ErrInvalidActor
	}
	if orgID == 0 {
		return ErrInvalidOrganization
	}
	subject := fmt.Sprintf("user:%s", userID)
	if err := s.ensureGrouping(subject, "role:"+role, fmt.Sprintf("org:%s", orgID)); err != nil {
		return err
	}
	s.log.Info("role assigned",
		zap.String("subject", subject),
		zap.String("org_id", orgID.String()),
		zap.String("role", role),
	)
	return nil
}

func resolveSubject(actorType, actorID string) (string, error) {
	actorType = strings.TrimSpace(actorType)
	actorID = strings.TrimSpace(actorID)
	switch actorType {
	case "system":
		return "system", nil
	case "user", "api_key":
		id, err := snowflake.ParseString(actorID)
		if err != nil || id == 0 {
			return "", ErrInvalidActor
		}
		return fmt.Sprintf("%s:%s", actorType, id), nil
	case "":
		// already in subject form
		if actorID == "system" {
			return actorID, nil
		}
		if kind, raw, ok := strings.Cut(actorID, ":"); ok {
			return resolveSubject(kind, raw)
		}
	}
	return "", ErrInvalidActor
}

func orgDomain(subject, orgID string) (string, error) {
	if orgID == "" {
		if subject == "system" {
			return "org:*", nil
		}
		return "", ErrInvalidOrganization
	}
	parsed, err := snowflake.ParseString(orgID)
	if err != nil || parsed == 0 {
		return "", ErrInvalidOrganization
	}
	return fmt.Sprintf("org:%s", parsed), nil
}

func (s *ServiceImpl) ensureGrouping(subject string, roleName string, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, domain)
	return err
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{RoleOwner, ObjectEntitlement, string(entdomain.PermissionCancel)},
		{RoleOwner, ObjectEntitlement, string(entdomain.PermissionChangePlan)},

		{RoleAdmin, ObjectEntitlement, string(entdomain.PermissionCancel)},
		{RoleAdmin, ObjectEntitlement, string(entdomain.PermissionChangePlan)},

		// automated processes and api keys
		{RoleSystem, ObjectEntitlement, string(entdomain.PermissionCancel)},
		{RoleSystem, ObjectEntitlement, string(entdomain.PermissionChangePlan)},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
