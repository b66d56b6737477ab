package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// sqliteMigrations and postgresMigrations must stay at the same version.
// mailing_queue.email_id is a weak reference with no foreign key; the email
// may be deleted after the mailing went out.
var sqliteMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS contacts (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	display_name TEXT NOT NULL DEFAULT '',
	is_opt_out   INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS emails (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	contact_id INTEGER NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
	address    TEXT NOT NULL COLLATE NOCASE,
	on_hold    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS cases (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	token   TEXT NOT NULL UNIQUE,
	subject TEXT NOT NULL DEFAULT '',
	status  TEXT NOT NULL DEFAULT 'open'
);

CREATE TABLE IF NOT EXISTS mailings (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT NOT NULL,
	reply_address TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS mailing_queue (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     INTEGER NOT NULL,
	mailing_id INTEGER NOT NULL REFERENCES mailings(id),
	email_id   INTEGER NOT NULL,
	contact_id INTEGER NOT NULL,
	hash       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bounce_events (
	id          TEXT PRIMARY KEY,
	queue_id    INTEGER NOT NULL REFERENCES mailing_queue(id),
	kind        TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	mailbox     TEXT NOT NULL DEFAULT '',
	occurred_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS reply_events (
	id           TEXT PRIMARY KEY,
	queue_id     INTEGER NOT NULL REFERENCES mailing_queue(id),
	from_address TEXT NOT NULL DEFAULT '',
	subject      TEXT NOT NULL DEFAULT '',
	forwarded    INTEGER NOT NULL DEFAULT 0,
	occurred_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS unsubscribe_events (
	id          TEXT PRIMARY KEY,
	queue_id    INTEGER NOT NULL REFERENCES mailing_queue(id),
	opt_out     INTEGER NOT NULL DEFAULT 0,
	occurred_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS activities (
	id                TEXT PRIMARY KEY,
	activity_type     TEXT NOT NULL,
	subject           TEXT NOT NULL DEFAULT '',
	details           TEXT NOT NULL DEFAULT '',
	activity_date     DATETIME NOT NULL,
	source_contact_id INTEGER NOT NULL REFERENCES contacts(id),
	case_id           INTEGER REFERENCES cases(id),
	mailbox           TEXT NOT NULL DEFAULT '',
	message_id        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS activity_targets (
	activity_id TEXT NOT NULL REFERENCES activities(id) ON DELETE CASCADE,
	contact_id  INTEGER NOT NULL REFERENCES contacts(id),
	PRIMARY KEY (activity_id, contact_id)
);

CREATE TABLE IF NOT EXISTS attachments (
	id           TEXT PRIMARY KEY,
	activity_id  TEXT NOT NULL REFERENCES activities(id) ON DELETE CASCADE,
	filename     TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	data         BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_emails_address ON emails(address);
CREATE INDEX IF NOT EXISTS idx_mailing_queue_hash ON mailing_queue(hash);
CREATE INDEX IF NOT EXISTS idx_bounce_events_queue ON bounce_events(queue_id);
CREATE INDEX IF NOT EXISTS idx_activities_case ON activities(case_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

var postgresMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS contacts (
	id           BIGSERIAL PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	is_opt_out   BOOLEAN NOT NULL DEFAULT FALSE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS emails (
	id         BIGSERIAL PRIMARY KEY,
	contact_id BIGINT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
	address    TEXT NOT NULL,
	on_hold    BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS cases (
	id      BIGSERIAL PRIMARY KEY,
	token   TEXT NOT NULL UNIQUE,
	subject TEXT NOT NULL DEFAULT '',
	status  TEXT NOT NULL DEFAULT 'open'
);

CREATE TABLE IF NOT EXISTS mailings (
	id            BIGSERIAL PRIMARY KEY,
	name          TEXT NOT NULL,
	reply_address TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS mailing_queue (
	id         BIGSERIAL PRIMARY KEY,
	job_id     BIGINT NOT NULL,
	mailing_id BIGINT NOT NULL REFERENCES mailings(id),
	email_id   BIGINT NOT NULL,
	contact_id BIGINT NOT NULL,
	hash       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bounce_events (
	id          UUID PRIMARY KEY,
	queue_id    BIGINT NOT NULL REFERENCES mailing_queue(id),
	kind        TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	mailbox     TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS reply_events (
	id           UUID PRIMARY KEY,
	queue_id     BIGINT NOT NULL REFERENCES mailing_queue(id),
	from_address TEXT NOT NULL DEFAULT '',
	subject      TEXT NOT NULL DEFAULT '',
	forwarded    BOOLEAN NOT NULL DEFAULT FALSE,
	occurred_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS unsubscribe_events (
	id          UUID PRIMARY KEY,
	queue_id    BIGINT NOT NULL REFERENCES mailing_queue(id),
	opt_out     BOOLEAN NOT NULL DEFAULT FALSE,
	occurred_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS activities (
	id                UUID PRIMARY KEY,
	activity_type     TEXT NOT NULL,
	subject           TEXT NOT NULL DEFAULT '',
	details           TEXT NOT NULL DEFAULT '',
	activity_date     TIMESTAMPTZ NOT NULL,
	source_contact_id BIGINT NOT NULL REFERENCES contacts(id),
	case_id           BIGINT REFERENCES cases(id),
	mailbox           TEXT NOT NULL DEFAULT '',
	message_id        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS activity_targets (
	activity_id UUID NOT NULL REFERENCES activities(id) ON DELETE CASCADE,
	contact_id  BIGINT NOT NULL REFERENCES contacts(id),
	PRIMARY KEY (activity_id, contact_id)
);

CREATE TABLE IF NOT EXISTS attachments (
	id           UUID PRIMARY KEY,
	activity_id  UUID NOT NULL REFERENCES activities(id) ON DELETE CASCADE,
	filename     TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	data         BYTEA NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_emails_address ON emails(address);
CREATE INDEX IF NOT EXISTS idx_mailing_queue_hash ON mailing_queue(hash);
CREATE INDEX IF NOT EXISTS idx_bounce_events_queue ON bounce_events(queue_id);
CREATE INDEX IF NOT EXISTS idx_activities_case ON activities(case_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// LatestSchemaVersion is the version Open migrates the given driver's schema to.
func LatestSchemaVersion(driver string) int {
	migrations := sqliteMigrations
	if driver == DriverPostgres {
		migrations = postgresMigrations
	}
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].version
}
