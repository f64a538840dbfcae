package migrate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cloudphone/txcore/pkg/migrate"
)

func readMigration(t *testing.T, suffix string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join("migrations", "*_"+suffix+".sql"))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no %s migration file found", suffix)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	return string(data)
}

func TestMigrationsDirIsValid(t *testing.T) {
	if err := migrate.ValidateDir("migrations"); err != nil {
		t.Fatalf("validate migrations: %v", err)
	}
}

func TestSchemaMigrationsContainConstraints(t *testing.T) {
	cases := map[string][]string{
		"create_events": {
			"CREATE TABLE IF NOT EXISTS events",
			"CONSTRAINT ux_events_aggregate_version UNIQUE (aggregate_id, version)",
			"CHECK (version > 0)",
			"DROP TABLE IF EXISTS events",
		},
		"create_outbox": {
			"CONSTRAINT ux_outbox_messages_event_id UNIQUE (event_id)",
			"WHERE status IN ('PENDING', 'FAILED')",
			"CREATE TABLE IF NOT EXISTS outbox_messages_archive",
			"CREATE TABLE IF NOT EXISTS outbox_dlq",
		},
		"create_processed_messages": {
			"PRIMARY KEY (consumer, message_key)",
		},
		"create_sagas": {
			"CHECK (status IN ('RUNNING', 'COMPENSATING', 'COMPLETED', 'COMPENSATED', 'FAILED'))",
			"CONSTRAINT ux_saga_step_records_step UNIQUE (saga_id, step_index)",
			"FOREIGN KEY (saga_id) REFERENCES saga_instances(saga_id) ON DELETE CASCADE",
			"DROP TABLE IF EXISTS saga_instances",
		},
		"create_user_accounts": {
			"CONSTRAINT ux_user_accounts_username UNIQUE (username)",
			"CONSTRAINT ux_user_accounts_email UNIQUE (email)",
		},
	}

	for suffix, checks := range cases {
		content := readMigration(t, suffix)
		for _, sub := range checks {
			if !strings.Contains(content, sub) {
				t.Errorf("%s: missing expected statement %q", suffix, sub)
			}
		}
	}
}
