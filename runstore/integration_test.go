//go:build integration
// +build integration

package runstore_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loandocs/cdwaterfall/catalog"
	"github.com/loandocs/cdwaterfall/fields"
	"github.com/loandocs/cdwaterfall/runstore"
	"github.com/loandocs/cdwaterfall/waterfall"

	_ "github.com/lib/pq"
)

// setupTestDB creates a PostgreSQL container and returns a connection
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "cdwaterfall_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithStartupTimeout(60 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=cdwaterfall_test sslmode=disable", host, port.Port())

	// Wait for connection to be available
	var db *sql.DB
	for i := 0; i < 30; i++ {
		db, err = sql.Open("postgres", connStr)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	migrationSQL, err := os.ReadFile(filepath.Join("..", "migrations", "000001_initial_schema.up.sql"))
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}
	if _, err = db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgresContainer.Terminate(ctx)
	}

	return db, cleanup
}

func seedRule(t *testing.T, db *sql.DB, id, name, ruleType, subtype, level string, order int, expr string, mask int64) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO rules (id, name, rule_type, subtype, rule_level, exec_order, expression, flag_mask, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true)
	`, id, name, ruleType, subtype, level, order, expr, mask)
	if err != nil {
		t.Fatalf("Failed to seed rule %s: %v", name, err)
	}
}

func seedField(t *testing.T, db *sql.DB, ruleID, fieldID, role string, position int) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO rule_fields (rule_id, field_id, role, position)
		VALUES ($1, $2, $3, $4)
	`, ruleID, fieldID, role, position)
	if err != nil {
		t.Fatalf("Failed to seed field %s: %v", fieldID, err)
	}
}

func TestPostgresCatalogStore_Load(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	seedRule(t, db, "r1", "InitialCDBit", "waterfall", "Initial", "Document", 1, "Fields.IsInitial == 1.0", 1)
	seedField(t, db, "r1", "IsInitial", "Input", 1)
	seedRule(t, db, "r2", "RetiredBit", "waterfall", "Initial", "Document", 2, "", 0)
	if _, err := db.Exec(`UPDATE rules SET active = false WHERE id = 'r2'`); err != nil {
		t.Fatalf("Failed to deactivate rule: %v", err)
	}

	cat, err := catalog.Load(context.Background(), catalog.NewPostgresStore(db))
	if err != nil {
		t.Fatalf("Failed to load catalog: %v", err)
	}

	if cat.RuleCount() != 1 {
		t.Errorf("Expected 1 active rule, got %d", cat.RuleCount())
	}
	r, ok := cat.RuleByName("InitialCDBit")
	if !ok {
		t.Fatal("InitialCDBit not loaded")
	}
	if got := r.FieldsByRole(catalog.RoleInput); len(got) != 1 || got[0] != "IsInitial" {
		t.Errorf("Expected IsInitial input binding, got %v", got)
	}
	if len(cat.PathTypes(catalog.SubtypePCCD)) != 5 {
		t.Errorf("Expected the 5 seeded PCCD path types, got %d", len(cat.PathTypes(catalog.SubtypePCCD)))
	}
}

func TestPostgresCatalogStore_ActiveBranchUniqueness(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	seedRule(t, db, "r1", "Gate", "data", "Initial", "Document", 1, "", 0)
	seedRule(t, db, "r2", "Left", "data", "Initial", "Document", 2, "", 0)
	seedRule(t, db, "r3", "Right", "data", "Initial", "Document", 3, "", 0)

	if _, err := db.Exec(`
		INSERT INTO rule_flow (parent_rule_id, child_rule_id, condition, position, active)
		VALUES ('r1', 'r2', 'Pass', 1, true)
	`); err != nil {
		t.Fatalf("Failed to insert first edge: %v", err)
	}

	_, err := db.Exec(`
		INSERT INTO rule_flow (parent_rule_id, child_rule_id, condition, position, active)
		VALUES ('r1', 'r3', 'Pass', 2, true)
	`)
	if err == nil {
		t.Error("Expected the partial unique index to reject a second active edge for (parent, condition)")
	}

	// An inactive duplicate is allowed.
	if _, err := db.Exec(`
		INSERT INTO rule_flow (parent_rule_id, child_rule_id, condition, position, active)
		VALUES ('r1', 'r3', 'Pass', 2, false)
	`); err != nil {
		t.Errorf("Inactive duplicate edge should be allowed: %v", err)
	}
}

func TestEndToEndRunPersistence(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	seedRule(t, db, "r-init", "InitialCDBit", "waterfall", "Initial", "Document", 1, "Fields.IsInitial == 1.0", 0x1)
	seedField(t, db, "r-init", "IsInitial", "Input", 1)
	seedRule(t, db, "r-final", "FinalCDBit", "waterfall", "Final", "Document", 1, "Fields.IsFinal == 1.0", 0x2)
	seedField(t, db, "r-final", "IsFinal", "Input", 1)
	seedRule(t, db, "r-pccd", "PCCDBit", "waterfall", "PCCD", "Document", 1, "Fields.IsCorrected == 1.0", 0x4)
	seedField(t, db, "r-pccd", "IsCorrected", "Input", 1)

	cat, err := catalog.Load(context.Background(), catalog.NewPostgresStore(db))
	if err != nil {
		t.Fatalf("Failed to load catalog: %v", err)
	}
	graph, err := waterfall.BuildGraph(cat)
	if err != nil {
		t.Fatalf("Failed to build graph: %v", err)
	}
	celEval, err := waterfall.NewCELEvaluator(cat)
	if err != nil {
		t.Fatalf("Failed to build evaluator: %v", err)
	}
	registry := waterfall.NewRegistry()
	registry.RegisterType(catalog.TypeData, celEval)
	registry.RegisterType(catalog.TypeWaterfall, celEval)

	provider := fields.NewMapProvider()
	docs := []waterfall.Document{
		{ID: "cd-1", LoanID: "loan-1", IssueDate: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)},
		{ID: "cd-2", LoanID: "loan-1", IssueDate: time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)},
		{ID: "cd-3", LoanID: "loan-1", IssueDate: time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)},
	}
	flagsFor := map[string][3]float64{
		"cd-1": {1, 0, 0},
		"cd-2": {0, 1, 0},
		"cd-3": {0, 0, 1},
	}
	for id, v := range flagsFor {
		provider.Set(id, "IsInitial", fields.Number(v[0]))
		provider.Set(id, "IsFinal", fields.Number(v[1]))
		provider.Set(id, "IsCorrected", fields.Number(v[2]))
	}

	orch := waterfall.NewOrchestrator(cat, graph, registry, provider)
	run := orch.Execute(context.Background(), waterfall.LoanContext{ID: "loan-1"}, docs)
	if run.Status != waterfall.StatusCompleted {
		t.Fatalf("Expected Completed run, got %s (%s)", run.Status, run.Message)
	}

	store := runstore.NewPostgresStore(db)
	persister := runstore.NewPersister(store, 3, 10*time.Second)
	if err := persister.Persist(context.Background(), run); err != nil {
		t.Fatalf("Failed to persist run: %v", err)
	}

	got, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Failed to read run back: %v", err)
	}
	if got.Status != waterfall.StatusCompleted || got.LoanID != "loan-1" {
		t.Errorf("Reloaded run = %s for %s", got.Status, got.LoanID)
	}
	if len(got.Documents) != 3 {
		t.Errorf("Expected 3 document results, got %d", len(got.Documents))
	}
	if len(got.Audit) != len(run.Audit) {
		t.Errorf("Expected %d audit rows, got %d", len(run.Audit), len(got.Audit))
	}
	for i, e := range got.Audit {
		if e.Sequence != i+1 {
			t.Fatalf("Audit row %d has sequence %d", i, e.Sequence)
		}
	}

	tags := make(map[string]waterfall.TagType)
	for _, dr := range got.Documents {
		tags[dr.DocumentID] = dr.Tag
	}
	if tags["cd-1"] != waterfall.TagInitial || tags["cd-2"] != waterfall.TagFinal || tags["cd-3"] != waterfall.TagPCCD {
		t.Errorf("Unexpected tags: %v", tags)
	}

	// Persist is idempotent across retries: a second call must not error or
	// duplicate rows.
	if err := persister.Persist(context.Background(), run); err != nil {
		t.Fatalf("Second persist should be a no-op: %v", err)
	}
	var auditRows int
	if err := db.QueryRow(`SELECT COUNT(*) FROM audit_trail WHERE run_id = $1`, run.ID).Scan(&auditRows); err != nil {
		t.Fatalf("Failed to count audit rows: %v", err)
	}
	if auditRows != len(run.Audit) {
		t.Errorf("Expected %d audit rows after re-persist, got %d", len(run.Audit), auditRows)
	}
}
