package shared

const (
	ProjectID = "midpen-tracker" // Can be overridden by env var in main if needed

	// ActivityQueueName is the Cloud Tasks queue used for all ingestion work.
	// Cloud Tasks echoes it back in the x-cloudtasks-queuename header, which
	// is checked on every task callback.
	ActivityQueueName = "activity-processing"

	CollectionUsers             = "users"
	CollectionTokens            = "tokens"
	CollectionActivities        = "activities"
	CollectionActivityPreserves = "activity_preserves"
	CollectionUserStats         = "user_stats"
)
