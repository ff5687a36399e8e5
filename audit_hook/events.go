package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionEntryEnqueued  = "entry.enqueued"
	ActionEntryClaimed   = "entry.claimed"
	ActionEntryCompleted = "entry.completed"
	ActionEntryFailed    = "entry.failed"
	ActionEntryRequeued  = "entry.requeued"
	ActionEntryBoosted   = "entry.boosted"
	ActionEntryCancelled = "entry.cancelled"
	ActionEntryRecovered = "entry.recovered"
	ActionCapacityDenied = "capacity.denied"
)

// Audit event categories group related actions.
const (
	CategoryEntry    = "sluice.entry"
	CategoryCapacity = "sluice.capacity"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceEntry  = "entry"
	ResourceTenant = "tenant"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionEntryEnqueued,
		ActionEntryClaimed,
		ActionEntryCompleted,
		ActionEntryFailed,
		ActionEntryRequeued,
		ActionEntryBoosted,
		ActionEntryCancelled,
		ActionEntryRecovered,
		ActionCapacityDenied,
	}
}
