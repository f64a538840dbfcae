package models

// All lists every persisted model, in dependency order, for AutoMigrate.
func All() []any {
	return []any{
		&Event{},
		&AggregateSnapshot{},
		&OutboxMessage{},
		&OutboxArchive{},
		&OutboxDLQ{},
		&ProcessedMessage{},
		&SagaInstance{},
		&SagaStepRecord{},
		&BillingPlan{},
		&UserAccount{},
	}
}
