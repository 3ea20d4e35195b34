package orchestrators

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"gympulse/internal/domain/account"
	"gympulse/internal/domain/member"
)

type seedAccountStore interface {
	Save(ctx context.Context, a account.Account) error
	GetByEmail(ctx context.Context, email string) (account.Account, error)
}

type seedMemberStore interface {
	Save(ctx context.Context, m member.Member) error
	Count(ctx context.Context) (int, error)
}

// SeedInput names the owner login and whether to add demo members.
type SeedInput struct {
	OwnerEmail    string
	OwnerPassword string
	DemoMembers   bool
}

// SeedDeps holds stores needed for seeding.
type SeedDeps struct {
	AccountStore seedAccountStore
	MemberStore  seedMemberStore
	Now          func() time.Time // defaults to time.Now
}

// SeedResult reports what was created.
type SeedResult struct {
	OwnerCreated   bool
	MembersCreated int
}

// demoMembers are created only into an empty member table.
var demoMembers = []member.Member{
	{ID: "1001", Name: "Ana Lima", Email: "ana@gympulse.test", QRCode: "GP-1001"},
	{ID: "1002", Name: "Bo Carter", Email: "bo@gympulse.test", QRCode: "GP-1002"},
	{ID: "1003", Name: "Chen Wei", Email: "chen@gympulse.test", QRCode: "GP-1003"},
	{ID: "1004", Name: "Dara Okafor", Email: "dara@gympulse.test", QRCode: "GP-1004"},
}

// ExecuteSeed creates the owner account if it does not exist and, when asked,
// demo members into an empty member table. It is idempotent.
// PRE: Database is migrated
// POST: An owner account with OwnerEmail exists
func ExecuteSeed(ctx context.Context, input SeedInput, deps SeedDeps) (SeedResult, error) {
	now := time.Now
	if deps.Now != nil {
		now = deps.Now
	}
	var res SeedResult

	if _, err := deps.AccountStore.GetByEmail(ctx, input.OwnerEmail); err != nil {
		acct := account.Account{
			ID:        uuid.NewString(),
			Email:     input.OwnerEmail,
			Role:      account.RoleOwner,
			CreatedAt: now(),
		}
		if err := acct.Validate(); err != nil {
			return res, fmt.Errorf("seed owner %s: %w", input.OwnerEmail, err)
		}
		if err := acct.SetPassword(input.OwnerPassword); err != nil {
			return res, fmt.Errorf("seed owner %s: set password: %w", input.OwnerEmail, err)
		}
		if err := deps.AccountStore.Save(ctx, acct); err != nil {
			return res, fmt.Errorf("seed owner %s: save: %w", input.OwnerEmail, err)
		}
		res.OwnerCreated = true
		slog.Info("seed_event", "event", "owner_created", "email", input.OwnerEmail)
	}

	if !input.DemoMembers {
		return res, nil
	}
	n, err := deps.MemberStore.Count(ctx)
	if err != nil {
		return res, err
	}
	if n > 0 {
		return res, nil
	}
	for _, m := range demoMembers {
		m.Status = member.StatusActive
		if err := deps.MemberStore.Save(ctx, m); err != nil {
			return res, fmt.Errorf("seed member %s: save: %w", m.Name, err)
		}
		res.MembersCreated++
	}
	slog.Info("seed_event", "event", "demo_members_seeded", "created", res.MembersCreated)
	return res, nil
}
