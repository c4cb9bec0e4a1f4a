package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"opsboard/api/internal/plan"
	"opsboard/api/internal/rbac"
	"opsboard/api/internal/store"
	"opsboard/api/internal/util"
)

// AttemptLimiter gates high-value actions; the checkout mutator
// consults it before doing anything else.
type AttemptLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// SetCheckoutLimiter wires the checkout rate limiter. Without one,
// checkout proceeds unthrottled.
func (d *Dispatcher) SetCheckoutLimiter(limiter AttemptLimiter) {
	d.limiter = limiter
}

func (d *Dispatcher) registerBuiltins() {
	d.Register("matter.create", d.matterCreate)
	d.Register("matter.comment", d.matterComment)
	d.Register("matter.approve", d.matterApprove)
	d.Register("matter.delete", d.matterDelete)
	d.Register("team.create", d.teamCreate)
	d.Register("member.add", d.memberAdd)
	d.Register("member.remove", d.memberRemove)
	d.Register("org.setPlan", d.orgSetPlan)
	d.Register("billing.checkout", d.billingCheckout)
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing arguments", ErrValidation)
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func requireAction(mctx *Context, action rbac.Action) error {
	if !rbac.Can(mctx.Role, action) {
		return ErrForbidden
	}
	return nil
}

type matterCreateArgs struct {
	TeamID  string `json:"teamId"`
	Title   string `json:"title"`
	ShortID int64  `json:"shortId,omitempty"`
}

// matterCreate gates on the matters limit, persists the matter, and
// bumps the incremental usage counter. A client-proposed short ID (the
// optimistic value from its local sequence cache) is honored when
// free; on collision the losing item is renumbered from the team
// counter, and the counter floor is raised so server allocations never
// re-issue a claimed value.
func (d *Dispatcher) matterCreate(ctx context.Context, tx *sql.Tx, mctx *Context, args json.RawMessage) (any, error) {
	var input matterCreateArgs
	if err := decodeArgs(args, &input); err != nil {
		return nil, err
	}
	if err := requireAction(mctx, rbac.ActionWrite); err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}

	allowed, err := mctx.Gate.CanCreate(ctx, mctx.OrgID, "matters")
	if err != nil {
		return nil, fmt.Errorf("gate check: %w", err)
	}
	if !allowed {
		return nil, ErrLimitExceeded
	}

	team, err := mctx.Store.GetTeam(ctx, input.TeamID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: team %q", ErrNotFound, input.TeamID)
	}
	if err != nil {
		return nil, fmt.Errorf("load team: %w", err)
	}
	if team.OrgID != mctx.OrgID {
		return nil, fmt.Errorf("%w: team %q", ErrNotFound, input.TeamID)
	}

	matter := store.Matter{
		ID:        util.NewID("mat"),
		OrgID:     mctx.OrgID,
		TeamID:    team.ID,
		Title:     strings.TrimSpace(input.Title),
		Status:    "OPEN",
		CreatedBy: mctx.UserID,
	}

	if input.ShortID > 0 {
		matter.ShortID = input.ShortID
		matter.DisplayCode = fmt.Sprintf("%s-%d", team.WorkspaceCode, matter.ShortID)
		if err := mctx.Store.RaiseShortIDFloor(ctx, tx, team.ID, input.ShortID+1); err != nil {
			return nil, err
		}
		// The insert is conflict-free (ON CONFLICT DO NOTHING on the
		// short-ID constraint), so a collision never aborts the
		// transaction and the renumber retry can still run inside it.
		inserted, err := mctx.Store.InsertMatter(ctx, tx, matter)
		if err != nil {
			return nil, err
		}
		if !inserted {
			// Two offline clients held the same cached next value; this
			// one loses and is renumbered from the team counter.
			matter.ShortID, err = mctx.Store.NextShortID(ctx, tx, team.ID)
			if err != nil {
				return nil, err
			}
			matter.DisplayCode = fmt.Sprintf("%s-%d", team.WorkspaceCode, matter.ShortID)
			inserted, err = mctx.Store.InsertMatter(ctx, tx, matter)
			if err != nil {
				return nil, err
			}
			if !inserted {
				return nil, fmt.Errorf("insert matter: short id %d already taken after renumber", matter.ShortID)
			}
		}
	} else {
		matter.ShortID, err = mctx.Store.NextShortID(ctx, tx, team.ID)
		if err != nil {
			return nil, err
		}
		matter.DisplayCode = fmt.Sprintf("%s-%d", team.WorkspaceCode, matter.ShortID)
		inserted, err := mctx.Store.InsertMatter(ctx, tx, matter)
		if err != nil {
			return nil, err
		}
		if !inserted {
			return nil, fmt.Errorf("insert matter: short id %d already taken", matter.ShortID)
		}
	}

	if err := mctx.Store.AdjustUsage(ctx, tx, mctx.OrgID, "matters", 1); err != nil {
		return nil, err
	}

	return map[string]any{
		"id":          matter.ID,
		"teamId":      matter.TeamID,
		"shortId":     matter.ShortID,
		"displayCode": matter.DisplayCode,
		"title":       matter.Title,
		"status":      matter.Status,
	}, nil
}

type matterCommentArgs struct {
	MatterID string `json:"matterId"`
	Body     string `json:"body"`
}

func (d *Dispatcher) matterComment(ctx context.Context, tx *sql.Tx, mctx *Context, args json.RawMessage) (any, error) {
	var input matterCommentArgs
	if err := decodeArgs(args, &input); err != nil {
		return nil, err
	}
	if err := requireAction(mctx, rbac.ActionWrite); err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.Body) == "" {
		return nil, fmt.Errorf("%w: body is required", ErrValidation)
	}

	matter, err := mctx.Store.GetMatter(ctx, mctx.OrgID, input.MatterID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: matter %q", ErrNotFound, input.MatterID)
	}
	if err != nil {
		return nil, fmt.Errorf("load matter: %w", err)
	}
	if matter.DeletedAt != nil {
		return nil, fmt.Errorf("%w: matter %q", ErrNotFound, input.MatterID)
	}

	comment := store.Comment{
		ID:       util.NewID("cmt"),
		MatterID: matter.ID,
		AuthorID: mctx.UserID,
		Body:     input.Body,
	}
	if err := mctx.Store.InsertComment(ctx, tx, comment); err != nil {
		return nil, err
	}
	return map[string]any{
		"id":       comment.ID,
		"matterId": matter.ID,
		"teamId":   matter.TeamID,
		"body":     comment.Body,
	}, nil
}

type matterApproveArgs struct {
	MatterID string `json:"matterId"`
}

func (d *Dispatcher) matterApprove(ctx context.Context, tx *sql.Tx, mctx *Context, args json.RawMessage) (any, error) {
	var input matterApproveArgs
	if err := decodeArgs(args, &input); err != nil {
		return nil, err
	}
	if err := requireAction(mctx, rbac.ActionApprove); err != nil {
		return nil, err
	}

	updated, err := mctx.Store.UpdateMatterStatus(ctx, tx, mctx.OrgID, input.MatterID, "APPROVED", mctx.UserID)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, fmt.Errorf("%w: matter %q", ErrNotFound, input.MatterID)
	}
	return map[string]any{"id": input.MatterID, "status": "APPROVED"}, nil
}

type matterDeleteArgs struct {
	MatterID string `json:"matterId"`
}

// matterDelete soft-deletes and decrements the usage counter. The
// conditional update in AdjustUsage floors at zero, so concurrent
// deletions cannot drive the counter negative.
func (d *Dispatcher) matterDelete(ctx context.Context, tx *sql.Tx, mctx *Context, args json.RawMessage) (any, error) {
	var input matterDeleteArgs
	if err := decodeArgs(args, &input); err != nil {
		return nil, err
	}
	if err := requireAction(mctx, rbac.ActionManage); err != nil {
		return nil, err
	}

	deleted, err := mctx.Store.SoftDeleteMatter(ctx, tx, mctx.OrgID, input.MatterID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, fmt.Errorf("%w: matter %q", ErrNotFound, input.MatterID)
	}

	if err := mctx.Store.AdjustUsage(ctx, tx, mctx.OrgID, "matters", -1); err != nil {
		return nil, err
	}
	return map[string]any{"id": input.MatterID, "deleted": true}, nil
}

type teamCreateArgs struct {
	Name string `json:"name"`
	Code string `json:"code,omitempty"`
}

func (d *Dispatcher) teamCreate(ctx context.Context, tx *sql.Tx, mctx *Context, args json.RawMessage) (any, error) {
	var input teamCreateArgs
	if err := decodeArgs(args, &input); err != nil {
		return nil, err
	}
	if err := requireAction(mctx, rbac.ActionManage); err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}

	allowed, err := mctx.Gate.CanCreate(ctx, mctx.OrgID, "teams")
	if err != nil {
		return nil, fmt.Errorf("gate check: %w", err)
	}
	if !allowed {
		return nil, ErrLimitExceeded
	}

	code := strings.ToUpper(strings.TrimSpace(input.Code))
	if code == "" {
		code = util.WorkspaceCode(input.Name)
	}

	team := store.Team{
		ID:            util.NewID("team"),
		OrgID:         mctx.OrgID,
		Name:          strings.TrimSpace(input.Name),
		WorkspaceCode: code,
		NextShortID:   1,
	}
	if err := mctx.Store.InsertTeam(ctx, tx, team); err != nil {
		return nil, err
	}
	return map[string]any{"id": team.ID, "name": team.Name, "code": team.WorkspaceCode}, nil
}

type memberAddArgs struct {
	UserID string `json:"userId"`
	Role   string `json:"role,omitempty"`
}

func (d *Dispatcher) memberAdd(ctx context.Context, tx *sql.Tx, mctx *Context, args json.RawMessage) (any, error) {
	var input memberAddArgs
	if err := decodeArgs(args, &input); err != nil {
		return nil, err
	}
	if err := requireAction(mctx, rbac.ActionManage); err != nil {
		return nil, err
	}
	if input.UserID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrValidation)
	}

	allowed, err := mctx.Gate.CanCreate(ctx, mctx.OrgID, "members")
	if err != nil {
		return nil, fmt.Errorf("gate check: %w", err)
	}
	if !allowed {
		return nil, ErrLimitExceeded
	}

	role := string(rbac.Normalize(input.Role))
	if input.Role == "" {
		role = string(rbac.RoleMember)
	}
	if err := mctx.Store.AddMember(ctx, tx, mctx.OrgID, input.UserID, role); err != nil {
		return nil, err
	}
	return map[string]any{"userId": input.UserID, "role": role}, nil
}

type memberRemoveArgs struct {
	UserID string `json:"userId"`
}

func (d *Dispatcher) memberRemove(ctx context.Context, tx *sql.Tx, mctx *Context, args json.RawMessage) (any, error) {
	var input memberRemoveArgs
	if err := decodeArgs(args, &input); err != nil {
		return nil, err
	}
	if err := requireAction(mctx, rbac.ActionManage); err != nil {
		return nil, err
	}

	removed, err := mctx.Store.RemoveMember(ctx, tx, mctx.OrgID, input.UserID)
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, fmt.Errorf("%w: member %q", ErrNotFound, input.UserID)
	}
	return map[string]any{"userId": input.UserID, "removed": true}, nil
}

type orgSetPlanArgs struct {
	PlanKey    string     `json:"planKey"`
	ValidUntil *time.Time `json:"validUntil,omitempty"`
}

// orgSetPlan changes the billing plan and marks the cached plan key
// stale; a stale entry would cause false rejections or a limit bypass,
// so the dispatcher drops it once the change is committed.
func (d *Dispatcher) orgSetPlan(ctx context.Context, tx *sql.Tx, mctx *Context, args json.RawMessage) (any, error) {
	var input orgSetPlanArgs
	if err := decodeArgs(args, &input); err != nil {
		return nil, err
	}
	if err := requireAction(mctx, rbac.ActionManage); err != nil {
		return nil, err
	}
	if !plan.ValidKey(input.PlanKey) {
		return nil, fmt.Errorf("%w: unknown plan %q", ErrValidation, input.PlanKey)
	}

	if err := mctx.Store.SetPlan(ctx, tx, mctx.OrgID, input.PlanKey, input.ValidUntil); err != nil {
		return nil, err
	}
	mctx.InvalidatePlan(mctx.OrgID)
	return map[string]any{"planKey": input.PlanKey}, nil
}

// billingCheckout only enforces the attempt limiter and hands back an
// opaque reference; the checkout flow itself belongs to the external
// payment provider.
func (d *Dispatcher) billingCheckout(ctx context.Context, tx *sql.Tx, mctx *Context, args json.RawMessage) (any, error) {
	if err := requireAction(mctx, rbac.ActionManage); err != nil {
		return nil, err
	}

	if d.limiter != nil {
		allowed, err := d.limiter.Allow(ctx, mctx.OrgID)
		if err != nil {
			return nil, fmt.Errorf("checkout limiter: %w", err)
		}
		if !allowed {
			return nil, ErrRateLimited
		}
	}

	return map[string]any{"checkoutRef": util.NewID("chk")}, nil
}
