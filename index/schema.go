package index

// schema is applied by Open on every open; its IF NOT EXISTS statements make
// that idempotent. Deletion cascades, the
// orphan-ancestor signal, and the compressed/uncompressed size rollups are
// all implemented as triggers: SQLite has no way to call back into the Go
// layer from inside a trigger, so each trigger instead stages a row in a
// side table (RemainingAncestor, DeletedFiles) that the transaction runner
// drains and clears inside the same SQL transaction, just before commit.
const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS GlobalProperties (
	property TEXT PRIMARY KEY,
	value    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS Resources (
	internalId   INTEGER PRIMARY KEY AUTOINCREMENT,
	publicId     TEXT NOT NULL UNIQUE,
	level        INTEGER NOT NULL, -- 0=patient 1=study 2=series 3=instance
	parentId     INTEGER REFERENCES Resources(internalId) ON DELETE CASCADE,
	protected    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS Resources_parent ON Resources(parentId);
CREATE INDEX IF NOT EXISTS Resources_level ON Resources(level);

CREATE TABLE IF NOT EXISTS MainDicomTags (
	id    INTEGER REFERENCES Resources(internalId) ON DELETE CASCADE,
	tag   TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (id, tag)
);

CREATE TABLE IF NOT EXISTS Metadata (
	id    INTEGER REFERENCES Resources(internalId) ON DELETE CASCADE,
	type  TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (id, type)
);

CREATE TABLE IF NOT EXISTS AttachedFiles (
	id               INTEGER REFERENCES Resources(internalId) ON DELETE CASCADE,
	contentType      TEXT NOT NULL,
	uuid             TEXT NOT NULL,
	compressionKind  TEXT NOT NULL,
	uncompressedSize INTEGER NOT NULL,
	compressedSize   INTEGER NOT NULL,
	uncompressedHash TEXT NOT NULL,
	compressedHash   TEXT NOT NULL,
	PRIMARY KEY (id, contentType)
);

CREATE TABLE IF NOT EXISTS Changes (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	changeType INTEGER NOT NULL,
	resourceId INTEGER NOT NULL,
	level      INTEGER NOT NULL,
	date       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ExportedResources (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	resourceId  TEXT NOT NULL,
	level       INTEGER NOT NULL,
	remoteAET   TEXT NOT NULL,
	date        TEXT NOT NULL,
	patientId   TEXT NOT NULL DEFAULT '',
	studyUid    TEXT NOT NULL DEFAULT '',
	seriesUid   TEXT NOT NULL DEFAULT '',
	sopUid      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS PatientRecyclingOrder (
	patientId INTEGER PRIMARY KEY REFERENCES Resources(internalId) ON DELETE CASCADE,
	prev      INTEGER,
	next      INTEGER
);

CREATE TABLE IF NOT EXISTS RemainingAncestor (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	level      INTEGER NOT NULL,
	publicId   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS DeletedFiles (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid            TEXT NOT NULL,
	compressionKind TEXT NOT NULL
);

-- AFTER DELETE ON AttachedFiles: stage the blob for removal and roll back
-- the size totals. Fires before the cascading Resources delete removes the
-- parent row, so it always sees a real AttachedFiles row being dropped.
CREATE TRIGGER IF NOT EXISTS AttachedFiles_stage_delete
AFTER DELETE ON AttachedFiles
BEGIN
	INSERT INTO DeletedFiles (uuid, compressionKind) VALUES (OLD.uuid, OLD.compressionKind);
	UPDATE GlobalProperties SET value = CAST(CAST(value AS INTEGER) - OLD.compressedSize AS TEXT)
		WHERE property = 'TotalCompressedSize';
	UPDATE GlobalProperties SET value = CAST(CAST(value AS INTEGER) - OLD.uncompressedSize AS TEXT)
		WHERE property = 'TotalUncompressedSize';
END;

CREATE TRIGGER IF NOT EXISTS AttachedFiles_stage_insert
AFTER INSERT ON AttachedFiles
BEGIN
	UPDATE GlobalProperties SET value = CAST(CAST(value AS INTEGER) + NEW.compressedSize AS TEXT)
		WHERE property = 'TotalCompressedSize';
	UPDATE GlobalProperties SET value = CAST(CAST(value AS INTEGER) + NEW.uncompressedSize AS TEXT)
		WHERE property = 'TotalUncompressedSize';
END;

-- AFTER DELETE ON Resources: if the deleted row had a parent and that
-- parent still exists (i.e. it wasn't itself part of the same cascade),
-- stage it so the Go layer can emit exactly one orphan notification.
CREATE TRIGGER IF NOT EXISTS Resources_stage_orphan
AFTER DELETE ON Resources
WHEN OLD.parentId IS NOT NULL
BEGIN
	INSERT INTO RemainingAncestor (level, publicId)
	SELECT level, publicId FROM Resources WHERE internalId = OLD.parentId;
END;
`
