package database

import "testing"

func TestSchemaValidator_EmptyDatabase(t *testing.T) {
	v := NewSchemaValidator(openTestDB(t))

	if err := v.ValidateTablesExist(); err == nil {
		t.Error("ValidateTablesExist should fail on empty database")
	}
	if err := v.ValidateIndexes(); err == nil {
		t.Error("ValidateIndexes should fail on empty database")
	}
}

func TestSchemaValidator_MigratedDatabase(t *testing.T) {
	db := openTestDB(t)
	if err := NewMigrationManager(db, Migrations, "migrations").ApplyMigrations(); err != nil {
		t.Fatal(err)
	}
	v := NewSchemaValidator(db)

	if err := v.ValidateTablesExist(); err != nil {
		t.Errorf("ValidateTablesExist: %v", err)
	}
	if err := v.ValidateTableStructure(); err != nil {
		t.Errorf("ValidateTableStructure: %v", err)
	}
	if err := v.ValidateIndexes(); err != nil {
		t.Errorf("ValidateIndexes: %v", err)
	}
	if err := v.ValidateConstraints(); err != nil {
		t.Errorf("ValidateConstraints: %v", err)
	}
}

func TestSchemaValidator_WrongColumnType(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(`
		CREATE TABLE session_events (
			id INTEGER PRIMARY KEY,
			session_id TEXT,
			kind TEXT,
			user_id TEXT,
			username TEXT,
			detail TEXT,
			timestamp DATETIME
		)
	`)
	if err != nil {
		t.Fatal(err)
	}

	if err := NewSchemaValidator(db).ValidateTableStructure(); err == nil {
		t.Error("Expected error for user_id declared as TEXT")
	}
}

func TestSchemaValidator_MissingConstraint(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(`
		CREATE TABLE session_events (
			id INTEGER PRIMARY KEY,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			user_id INTEGER NOT NULL DEFAULT 0,
			username TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			timestamp DATETIME NOT NULL
		)
	`)
	if err != nil {
		t.Fatal(err)
	}

	if err := NewSchemaValidator(db).ValidateConstraints(); err == nil {
		t.Error("Expected error when kind is unconstrained")
	}
}
