package policy

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianstat/authz-service/internal/permissions"
	"github.com/meridianstat/authz-service/internal/resources"
	"github.com/meridianstat/authz-service/internal/shared"
)

// Outcome of evaluating one policy.
type Outcome int

const (
	// OutcomeNotApplicable means the policy does not speak to the request.
	OutcomeNotApplicable Outcome = iota
	// OutcomeAllow contributes an ALLOW.
	OutcomeAllow
	// OutcomeDeny contributes a DENY and overrides any number of ALLOWs.
	OutcomeDeny
)

// Request is the evaluator's view of an authorization request.
type Request struct {
	UserID     uuid.UUID
	TenantID   uuid.UUID
	Resource   string
	Action     string
	ResourceID string
	// ResolvedResourceID is set when ResourceID resolved to a stored
	// resource.
	ResolvedResourceID *uuid.UUID
	Attributes         shared.Conditions
	IPAddress          string
	UserAgent          string
}

// PermissionSet is the user's flattened, valid permission set.
type PermissionSet struct {
	items []permissions.Permission
	names map[string]struct{}
}

// NewPermissionSet indexes the given permissions by "TYPE:ACTION" name.
func NewPermissionSet(perms []permissions.Permission) PermissionSet {
	set := PermissionSet{items: perms, names: make(map[string]struct{}, len(perms))}
	for _, p := range perms {
		set.names[p.Name()] = struct{}{}
	}
	return set
}

// Has reports whether the set holds (resourceType, action).
func (s PermissionSet) Has(resourceType, action string) bool {
	_, ok := s.names[resourceType+":"+action]
	return ok
}

// HasName reports whether the set holds the "TYPE:ACTION" name.
func (s PermissionSet) HasName(name string) bool {
	_, ok := s.names[name]
	return ok
}

// Items returns the underlying permissions.
func (s PermissionSet) Items() []permissions.Permission { return s.items }

// Names returns the "TYPE:ACTION" names in insertion order.
func (s PermissionSet) Names() []string {
	out := make([]string, 0, len(s.items))
	for _, p := range s.items {
		out = append(out, p.Name())
	}
	return out
}

// ReferenceLoader resolves a policy's permission and resource reference sets.
type ReferenceLoader interface {
	PermissionsByIDs(ctx context.Context, ids []uuid.UUID) ([]permissions.Permission, error)
	ResourcesByIDs(ctx context.Context, ids []uuid.UUID) ([]resources.Resource, error)
}

// Evaluator evaluates policies against requests. It fails closed: an error
// inside a single policy yields DENY, an error while composing a batch skips
// that policy.
type Evaluator struct {
	refs   ReferenceLoader
	logger *slog.Logger
}

// NewEvaluator constructs an evaluator.
func NewEvaluator(refs ReferenceLoader, logger *slog.Logger) *Evaluator {
	return &Evaluator{refs: refs, logger: logger}
}

// Evaluate evaluates one policy. Errors are mapped to DENY.
func (e *Evaluator) Evaluate(ctx context.Context, p Policy, req Request, perms PermissionSet, now time.Time) Outcome {
	outcome, err := e.evaluate(ctx, p, req, perms, now)
	if err != nil {
		e.logger.Warn("policy evaluation failed",
			slog.String("policy", p.Name),
			slog.String("policy_id", p.ID.String()),
			slog.Any("error", err))
		return OutcomeDeny
	}
	return outcome
}

// EvaluateAll runs the policies in descending priority. A DENY short-circuits;
// an ALLOW is remembered; a policy that errors is skipped. The result is
// tri-state so callers can fall through when nothing applied.
func (e *Evaluator) EvaluateAll(ctx context.Context, policies []Policy, req Request, perms PermissionSet, now time.Time) Outcome {
	sorted := make([]Policy, len(policies))
	copy(sorted, policies)
	sortByPriority(sorted)

	hasAllow := false
	for _, p := range sorted {
		outcome, err := e.evaluate(ctx, p, req, perms, now)
		if err != nil {
			e.logger.Warn("skipping policy after evaluation error",
				slog.String("policy", p.Name),
				slog.String("policy_id", p.ID.String()),
				slog.Any("error", err))
			continue
		}
		switch outcome {
		case OutcomeDeny:
			return OutcomeDeny
		case OutcomeAllow:
			hasAllow = true
		}
	}
	if hasAllow {
		return OutcomeAllow
	}
	return OutcomeNotApplicable
}

// Decide applies default-deny batch semantics on top of EvaluateAll.
func (e *Evaluator) Decide(ctx context.Context, policies []Policy, req Request, perms PermissionSet, now time.Time) Outcome {
	if outcome := e.EvaluateAll(ctx, policies, req, perms, now); outcome != OutcomeNotApplicable {
		return outcome
	}
	return OutcomeDeny
}

func sortByPriority(policies []Policy) {
	for i := 1; i < len(policies); i++ {
		for j := i; j > 0 && policies[j].Priority > policies[j-1].Priority; j-- {
			policies[j], policies[j-1] = policies[j-1], policies[j]
		}
	}
}

func (e *Evaluator) evaluate(ctx context.Context, p Policy, req Request, perms PermissionSet, now time.Time) (Outcome, error) {
	if !p.ActiveAt(now) {
		return OutcomeNotApplicable, nil
	}
	switch p.PolicyType {
	case TypeResourceBased:
		return e.evaluateResourceBased(ctx, p, req, perms)
	case TypeIdentityBased:
		return e.evaluateIdentityBased(ctx, p, req, perms)
	case TypeAttributeBased:
		return e.evaluateAttributeBased(p, req, perms, now)
	case TypeTimeBased:
		return evaluateTimeBased(p, req, now)
	case TypeConditional:
		return evaluateConditional(p, req, perms, now)
	default:
		return OutcomeNotApplicable, fmt.Errorf("unknown policy type %q", p.PolicyType)
	}
}

func (p Policy) effectOutcome() Outcome {
	if p.Effect == EffectAllow {
		return OutcomeAllow
	}
	return OutcomeDeny
}

func (e *Evaluator) evaluateResourceBased(ctx context.Context, p Policy, req Request, perms PermissionSet) (Outcome, error) {
	if len(p.ResourceIDs) == 0 || len(p.PermissionIDs) == 0 {
		return OutcomeNotApplicable, nil
	}
	refs, err := e.refs.ResourcesByIDs(ctx, p.ResourceIDs)
	if err != nil {
		return OutcomeNotApplicable, fmt.Errorf("load referenced resources: %w", err)
	}
	matched := false
	for _, res := range refs {
		if req.ResolvedResourceID != nil && res.ID == *req.ResolvedResourceID {
			matched = true
			break
		}
		if res.ResourceType == req.Resource {
			matched = true
			break
		}
	}
	if !matched {
		return OutcomeNotApplicable, nil
	}

	refPerms, err := e.refs.PermissionsByIDs(ctx, p.PermissionIDs)
	if err != nil {
		return OutcomeNotApplicable, fmt.Errorf("load referenced permissions: %w", err)
	}
	holds := false
	for _, rp := range refPerms {
		if perms.Has(rp.ResourceType, rp.Action) {
			holds = true
			break
		}
	}
	if !holds {
		return OutcomeNotApplicable, nil
	}

	for key, expected := range p.Conditions {
		if !matchesCondition(conditionActual(req, key), expected) {
			return OutcomeNotApplicable, nil
		}
	}
	return p.effectOutcome(), nil
}

func (e *Evaluator) evaluateIdentityBased(ctx context.Context, p Policy, req Request, perms PermissionSet) (Outcome, error) {
	if len(p.PermissionIDs) == 0 {
		return OutcomeNotApplicable, nil
	}
	if wantUser, ok := p.Conditions.String("userId"); ok {
		if wantUser != req.UserID.String() {
			return OutcomeNotApplicable, nil
		}
	}
	if wantGroups, ok := p.Conditions.StringList("groups"); ok {
		userGroups, _ := req.Attributes.StringList("groups")
		if !intersects(wantGroups, userGroups) {
			return OutcomeNotApplicable, nil
		}
	}

	refPerms, err := e.refs.PermissionsByIDs(ctx, p.PermissionIDs)
	if err != nil {
		return OutcomeNotApplicable, fmt.Errorf("load referenced permissions: %w", err)
	}
	for _, rp := range refPerms {
		if rp.ResourceType == req.Resource && rp.Action == req.Action {
			return p.effectOutcome(), nil
		}
	}
	return OutcomeNotApplicable, nil
}

func (e *Evaluator) evaluateAttributeBased(p Policy, req Request, perms PermissionSet, now time.Time) (Outcome, error) {
	if len(p.Conditions) == 0 {
		return OutcomeNotApplicable, nil
	}
	exprCtx := buildExprContext(req, perms, now)
	for key, raw := range p.Conditions {
		expr, ok := raw.(string)
		if !ok {
			e.logger.Debug("attribute condition is not an expression string", slog.String("key", key))
			return OutcomeNotApplicable, nil
		}
		matched, err := EvalExpr(expr, exprCtx)
		if err != nil || !matched {
			return OutcomeNotApplicable, nil
		}
	}
	return p.effectOutcome(), nil
}

func evaluateTimeBased(p Policy, req Request, now time.Time) (Outcome, error) {
	loc := time.UTC
	if tz, ok := p.Conditions.String("timezone"); ok && tz != "" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			return OutcomeNotApplicable, fmt.Errorf("bad timezone %q: %w", tz, err)
		}
	}
	local := now.In(loc)

	if hours, ok := p.Conditions.String("allowedHours"); ok && hours != "" {
		within, err := withinHourWindow(hours, local)
		if err != nil {
			return OutcomeNotApplicable, err
		}
		if !within {
			return OutcomeNotApplicable, nil
		}
	}
	if days, ok := p.Conditions.String("allowedDays"); ok && days != "" {
		if !dayAllowed(days, local) {
			return OutcomeNotApplicable, nil
		}
	}
	if dateRange, ok := p.Conditions.String("dateRange"); ok && dateRange != "" {
		within, err := withinDateRange(dateRange, local, loc)
		if err != nil {
			return OutcomeNotApplicable, err
		}
		if !within {
			return OutcomeNotApplicable, nil
		}
	}
	if actions, ok := p.Conditions.StringList("allowedActions"); ok && len(actions) > 0 {
		found := false
		for _, a := range actions {
			if a == req.Action {
				found = true
				break
			}
		}
		if !found {
			return OutcomeNotApplicable, nil
		}
	}
	return p.effectOutcome(), nil
}

func withinHourWindow(window string, local time.Time) (bool, error) {
	parts := strings.SplitN(window, "-", 2)
	if len(parts) != 2 {
		return false, fmt.Errorf("bad allowedHours %q", window)
	}
	from, err := parseClock(strings.TrimSpace(parts[0]))
	if err != nil {
		return false, err
	}
	to, err := parseClock(strings.TrimSpace(parts[1]))
	if err != nil {
		return false, err
	}
	minutes := local.Hour()*60 + local.Minute()
	if from <= to {
		return minutes >= from && minutes <= to, nil
	}
	// Window crosses midnight.
	return minutes >= from || minutes <= to, nil
}

func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("bad clock value %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad clock value %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad clock value %q", s)
	}
	return h*60 + m, nil
}

func dayAllowed(days string, local time.Time) bool {
	abbrev := strings.ToUpper(local.Weekday().String()[:3])
	for _, d := range strings.Split(days, ",") {
		if strings.ToUpper(strings.TrimSpace(d)) == abbrev {
			return true
		}
	}
	return false
}

func withinDateRange(dateRange string, local time.Time, loc *time.Location) (bool, error) {
	parts := strings.SplitN(dateRange, " to ", 2)
	if len(parts) != 2 {
		return false, fmt.Errorf("bad dateRange %q", dateRange)
	}
	from, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(parts[0]), loc)
	if err != nil {
		return false, fmt.Errorf("bad dateRange %q: %w", dateRange, err)
	}
	to, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(parts[1]), loc)
	if err != nil {
		return false, fmt.Errorf("bad dateRange %q: %w", dateRange, err)
	}
	to = to.Add(24*time.Hour - time.Nanosecond)
	return !local.Before(from) && !local.After(to), nil
}

func evaluateConditional(p Policy, req Request, perms PermissionSet, now time.Time) (Outcome, error) {
	expr, ok := p.Conditions.String("expression")
	if !ok || expr == "" {
		return OutcomeNotApplicable, nil
	}
	matched, err := EvalExpr(expr, buildExprContext(req, perms, now))
	if err != nil {
		return OutcomeNotApplicable, fmt.Errorf("evaluate expression: %w", err)
	}
	if !matched {
		return OutcomeNotApplicable, nil
	}
	return p.effectOutcome(), nil
}

func buildExprContext(req Request, perms PermissionSet, now time.Time) ExprContext {
	permList := make([]any, 0, len(perms.Items()))
	nameList := make([]any, 0, len(perms.Items()))
	for _, p := range perms.Items() {
		permList = append(permList, map[string]any{
			"resourceType": p.ResourceType,
			"action":       p.Action,
			"riskLevel":    p.RiskLevel,
		})
		nameList = append(nameList, p.Name())
	}
	vars := map[string]any{
		"userId":          req.UserID.String(),
		"tenantId":        req.TenantID.String(),
		"resource":        req.Resource,
		"action":          req.Action,
		"resourceId":      req.ResourceID,
		"attributes":      map[string]any(req.Attributes),
		"ipAddress":       req.IPAddress,
		"userAgent":       req.UserAgent,
		"permissions":     permList,
		"permissionNames": nameList,
		"now":             now,
		"currentTime":     now.Format("15:04:05"),
		"dayOfWeek":       strings.ToUpper(now.Weekday().String()),
		"hour":            now.Hour(),
	}
	return ExprContext{
		Vars:          vars,
		HasPermission: perms.Has,
		HasAnyPermission: func(names []string) bool {
			for _, name := range names {
				if perms.HasName(name) {
					return true
				}
			}
			return false
		},
	}
}

func conditionActual(req Request, key string) any {
	switch key {
	case "userId":
		return req.UserID.String()
	case "tenantId":
		return req.TenantID.String()
	case "resource":
		return req.Resource
	case "action":
		return req.Action
	case "resourceId":
		return req.ResourceID
	case "ipAddress":
		return req.IPAddress
	case "userAgent":
		return req.UserAgent
	default:
		return req.Attributes[key]
	}
}

// matchesCondition applies the simple comparator: "regex:", "gt:", "lt:",
// list containment, otherwise equality.
func matchesCondition(actual any, expected any) bool {
	switch exp := expected.(type) {
	case string:
		switch {
		case strings.HasPrefix(exp, "regex:"):
			s, ok := actual.(string)
			if !ok {
				return false
			}
			re, err := regexp.Compile(strings.TrimPrefix(exp, "regex:"))
			if err != nil {
				return false
			}
			return re.MatchString(s)
		case strings.HasPrefix(exp, "gt:"):
			return numericCompare(actual, strings.TrimPrefix(exp, "gt:"), func(a, b float64) bool { return a > b })
		case strings.HasPrefix(exp, "lt:"):
			return numericCompare(actual, strings.TrimPrefix(exp, "lt:"), func(a, b float64) bool { return a < b })
		default:
			s, ok := actual.(string)
			return ok && s == exp
		}
	case []any:
		for _, item := range exp {
			if looseEqual(actual, item) {
				return true
			}
		}
		return false
	case []string:
		s, ok := actual.(string)
		if !ok {
			return false
		}
		for _, item := range exp {
			if item == s {
				return true
			}
		}
		return false
	default:
		return looseEqual(actual, expected)
	}
}

func numericCompare(actual any, threshold string, cmp func(a, b float64) bool) bool {
	b, err := strconv.ParseFloat(strings.TrimSpace(threshold), 64)
	if err != nil {
		return false
	}
	a, ok := toFloat(actual)
	if !ok {
		s, isStr := actual.(string)
		if !isStr {
			return false
		}
		if a, err = strconv.ParseFloat(s, 64); err != nil {
			return false
		}
	}
	return cmp(a, b)
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
