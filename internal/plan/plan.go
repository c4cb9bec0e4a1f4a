// Package plan decides whether one more unit of a billed resource may
// be created for an organization under its current plan.
package plan

// Key is a billing plan tier. The set is closed; anything unknown is
// treated as the default tier.
type Key string

const (
	KeyStarter Key = "starter"
	KeyGrowth  Key = "growth"
	KeyScale   Key = "scale"
)

// Default is the most restrictive tier. Organizations whose paid plan
// has lapsed revert to it.
const Default = KeyStarter

func ValidKey(key string) bool {
	switch Key(key) {
	case KeyStarter, KeyGrowth, KeyScale:
		return true
	default:
		return false
	}
}

// CountStrategy selects how current usage for a resource kind is
// obtained at gate-check time.
type CountStrategy string

const (
	// StrategyCounter reads the incrementally maintained usage counter
	// on the organization record. Used for the kind with the highest
	// creation frequency to avoid a count query per creation attempt.
	StrategyCounter CountStrategy = "counter"
	// StrategyRecount recomputes the count from the source tables on
	// every check. Used where an exact count is cheap.
	StrategyRecount CountStrategy = "recount"
)

// KindSpec configures one billed resource kind. Adding a kind is a
// data change here, not a new code path.
type KindSpec struct {
	Strategy     CountStrategy
	StarterLimit int64
}

// Kinds is the per-resource-kind configuration table. Limits apply to
// the default tier only; paid tiers are unlimited at creation time,
// with enforcement deferred to billing reconciliation.
var Kinds = map[string]KindSpec{
	"members": {Strategy: StrategyRecount, StarterLimit: 5},
	"teams":   {Strategy: StrategyRecount, StarterLimit: 2},
	"matters": {Strategy: StrategyCounter, StarterLimit: 100},
	"storage": {Strategy: StrategyRecount, StarterLimit: 1 << 30},
}
