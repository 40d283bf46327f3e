package resolver

// domain.go — the app's entity kinds and their reconciliation rules.
//
// Tasks and users merge field by field: both partners' devices legitimately
// write overlapping data (a task completed offline on one phone while the
// partner annotates it on the other). Partnership and notification rows are
// administrative — the backend owns them and the client never wins.

// Entity kind tags used across the coordinator and resolver.
const (
	KindTask         = "task"
	KindUser         = "user"
	KindPartnership  = "partnership"
	KindNotification = "notification"
)

// statusOrder ranks task progress; a conflict resolves to whichever side is
// further along.
var statusOrder = map[string]int{
	"pending":     0,
	"in_progress": 1,
	"completed":   2,
}

// userStatFields are cumulative counters on the user record: the larger
// value is always the more recent truth.
var userStatFields = []string{
	"currentStreak",
	"longestStreak",
	"totalXP",
	"tasksAssigned",
	"tasksCompleted",
}

// userLocalFields are profile settings where the device's copy reflects the
// user's latest intent.
var userLocalFields = []string{
	"name",
	"email",
	"theme",
	"notificationPreferences",
}

// RegisterDomainDefaults installs the reference strategy set on r.
// Called once at engine startup; later registrations simply replace these.
func RegisterDomainDefaults(r *Resolver) {
	r.RegisterDefault(KindTask, StrategyMerge)
	r.RegisterDefault(KindUser, StrategyMerge)
	r.RegisterDefault(KindPartnership, StrategyServerWins)
	r.RegisterDefault(KindNotification, StrategyServerWins)

	// ── task fields ──────────────────────────────────────────────────────────
	r.RegisterFieldResolver(KindTask, "title", preferLocalNonEmpty)
	r.RegisterFieldResolver(KindTask, "description", preferNonEmptyThenLocal)
	r.RegisterFieldResolver(KindTask, "status", furthestStatus)
	r.RegisterFieldResolver(KindTask, "timeSpent", sumNumbers)
	r.RegisterFieldResolver(KindTask, "xpEarned", maxNumber)

	// ── user fields ──────────────────────────────────────────────────────────
	for _, field := range userStatFields {
		r.RegisterFieldResolver(KindUser, field, maxNumber)
	}
	for _, field := range userLocalFields {
		r.RegisterFieldResolver(KindUser, field, preferLocalPresent)
	}
}

// preferLocalNonEmpty takes the local string when it is non-empty.
func preferLocalNonEmpty(local, remote any) (any, Provenance) {
	if s, ok := local.(string); ok && s != "" {
		return local, FromLocal
	}
	return remote, FromRemote
}

// preferNonEmptyThenLocal takes whichever side is non-empty; when both are,
// local wins.
func preferNonEmptyThenLocal(local, remote any) (any, Provenance) {
	ls, _ := local.(string)
	rs, _ := remote.(string)
	if ls == "" && rs != "" {
		return remote, FromRemote
	}
	if ls != "" {
		return local, FromLocal
	}
	return local, FromLocal
}

// furthestStatus resolves to whichever status is further along the
// pending → in_progress → completed progression. Unknown statuses lose to
// known ones; two unknowns keep local.
func furthestStatus(local, remote any) (any, Provenance) {
	ls, _ := local.(string)
	rs, _ := remote.(string)
	lr, lok := statusOrder[ls]
	rr, rok := statusOrder[rs]
	switch {
	case !lok && !rok:
		return local, FromLocal
	case !lok:
		return remote, FromRemote
	case !rok:
		return local, FromLocal
	case rr > lr:
		return remote, FromRemote
	default:
		return local, FromLocal
	}
}

// sumNumbers adds both sides: time tracked offline on each device is
// additive, not alternative.
func sumNumbers(local, remote any) (any, Provenance) {
	lf, lok := asNumber(local)
	rf, rok := asNumber(remote)
	if !lok || !rok {
		if !lok {
			return remote, FromRemote
		}
		return local, FromLocal
	}
	return lf + rf, Merged
}

// maxNumber takes the larger side.
func maxNumber(local, remote any) (any, Provenance) {
	lf, lok := asNumber(local)
	rf, rok := asNumber(remote)
	if !lok || !rok {
		if !lok {
			return remote, FromRemote
		}
		return local, FromLocal
	}
	if rf > lf {
		return rf, Merged
	}
	return lf, Merged
}

// preferLocalPresent takes the local value whenever the device has one.
func preferLocalPresent(local, remote any) (any, Provenance) {
	if local != nil {
		return local, FromLocal
	}
	return remote, FromRemote
}
