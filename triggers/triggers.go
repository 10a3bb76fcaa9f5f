package triggers

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/pgbus/pgbus/db"
)

// When tells whether the trigger fires before or after the operation
type When string

const (
	Before When = "BEFORE"
	After  When = "AFTER"
)

// Operation is a row operation the trigger reacts to
type Operation string

const (
	Insert Operation = "INSERT"
	Update Operation = "UPDATE"
	Delete Operation = "DELETE"
)

// Notify describes a database-side trigger that emits the trigger
// payload on a channel for every matching row operation. The Durable
// variant also mirrors the payload into the stored-notification table
// inside the producing transaction, which is what makes publish-row
// atomicity hold for trigger publishes.
type Notify struct {
	// Channel is the wire channel name the trigger notifies
	Channel string
	// App and Model label the payload so the row decoder knows what it
	// is looking at
	App   string
	Model string
	// When and Operations select the firing condition
	When       When
	Operations []Operation
	// Durable inserts the stored row alongside the NOTIFY
	Durable bool
	// DBVersion stamps payloads with the producing schema's migration
	// identifier; empty omits the field
	DBVersion string
}

// Validate checks the trigger definition
func (t *Notify) Validate() error {
	if t.Channel == "" {
		return fmt.Errorf("trigger channel is required")
	}
	if t.App == "" || t.Model == "" {
		return fmt.Errorf("trigger app and model labels are required")
	}
	if t.When != Before && t.When != After {
		return fmt.Errorf("invalid trigger timing: %q", t.When)
	}
	if len(t.Operations) == 0 {
		return fmt.Errorf("trigger needs at least one operation")
	}
	for _, op := range t.Operations {
		switch op {
		case Insert, Update, Delete:
		default:
			return fmt.Errorf("invalid trigger operation: %q", op)
		}
	}
	return nil
}

// FunctionName derives the trigger function identifier for a table
func (t *Notify) FunctionName(table string) string {
	return fmt.Sprintf("%s_%s_notify", table, strings.ToLower(string(t.When)))
}

// FunctionSQL builds the PL/pgSQL trigger function. The payload carries
// app/model labels, old/new row snapshots, the transaction-local
// notification context, and optionally the producing db_version.
func (t *Notify) FunctionSQL(table string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE OR REPLACE FUNCTION %s() RETURNS TRIGGER AS $$\n", t.FunctionName(table))
	b.WriteString("DECLARE\n")
	b.WriteString("    payload JSONB;\n")
	b.WriteString("    notification_context_text TEXT;\n")
	b.WriteString("BEGIN\n")
	fmt.Fprintf(&b, "    payload := jsonb_build_object('app', %s, 'model', %s);\n",
		quoteLiteral(t.App), quoteLiteral(t.Model))
	b.WriteString("    payload := jsonb_insert(payload, '{old}', COALESCE(to_jsonb(OLD), 'null'));\n")
	b.WriteString("    payload := jsonb_insert(payload, '{new}', COALESCE(to_jsonb(NEW), 'null'));\n")
	b.WriteString("    SELECT current_setting('pgbus.notification_context', True) INTO notification_context_text;\n")
	b.WriteString("    IF COALESCE(notification_context_text, '') = '' THEN\n")
	b.WriteString("        notification_context_text := '{}';\n")
	b.WriteString("    END IF;\n")
	b.WriteString("    payload := jsonb_insert(payload, '{context}', notification_context_text::jsonb);\n")
	if t.DBVersion != "" {
		fmt.Fprintf(&b, "    payload := jsonb_insert(payload, '{db_version}', to_jsonb(%s::text));\n",
			quoteLiteral(t.DBVersion))
	}
	if t.Durable {
		fmt.Fprintf(&b, "    INSERT INTO %s (channel, payload, db_version) VALUES (%s, payload, %s);\n",
			db.NotificationTable, quoteLiteral(t.Channel), dbVersionLiteral(t.DBVersion))
	}
	fmt.Fprintf(&b, "    PERFORM pg_notify(%s, payload::text);\n", quoteLiteral(t.Channel))
	b.WriteString("    RETURN COALESCE(NEW, OLD);\n")
	b.WriteString("END;\n")
	b.WriteString("$$ LANGUAGE plpgsql;")
	return b.String()
}

// TriggerName derives the trigger identifier for a table
func (t *Notify) TriggerName(table string) string {
	ops := make([]string, len(t.Operations))
	for i, op := range t.Operations {
		ops[i] = strings.ToLower(string(op))
	}
	return fmt.Sprintf("%s_%s_%s_notify", table, strings.ToLower(string(t.When)), strings.Join(ops, "_"))
}

// TriggerSQL builds the CREATE TRIGGER statement
func (t *Notify) TriggerSQL(table string) string {
	ops := make([]string, len(t.Operations))
	for i, op := range t.Operations {
		ops[i] = string(op)
	}
	return fmt.Sprintf(
		"CREATE TRIGGER %s %s %s ON %s FOR EACH ROW EXECUTE FUNCTION %s();",
		t.TriggerName(table), t.When, strings.Join(ops, " OR "), quoteIdent(table), t.FunctionName(table),
	)
}

// Install creates (or replaces) the trigger function and trigger on a
// table
func Install(ctx context.Context, pool *pgxpool.Pool, t *Notify, table string) error {
	if err := t.Validate(); err != nil {
		return err
	}

	stmts := []string{
		t.FunctionSQL(table),
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s;", t.TriggerName(table), quoteIdent(table)),
		t.TriggerSQL(table),
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("install trigger on %s: %w", table, err)
		}
	}

	log.Info().
		Str("table", table).
		Str("channel", t.Channel).
		Bool("durable", t.Durable).
		Msg("Trigger installed")
	return nil
}

// Uninstall drops the trigger and its function
func Uninstall(ctx context.Context, pool *pgxpool.Pool, t *Notify, table string) error {
	stmts := []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s;", t.TriggerName(table), quoteIdent(table)),
		fmt.Sprintf("DROP FUNCTION IF EXISTS %s();", t.FunctionName(table)),
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("uninstall trigger on %s: %w", table, err)
		}
	}
	return nil
}

// SetNotificationContext attaches a transaction-local context object
// that trigger payloads pick up. Must run inside the transaction doing
// the row changes.
func SetNotificationContext(ctx context.Context, tx pgx.Tx, contextJSON []byte) error {
	_, err := tx.Exec(ctx, "SELECT set_config('pgbus.notification_context', $1, true)", string(contextJSON))
	if err != nil {
		return fmt.Errorf("set notification context: %w", err)
	}
	return nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteIdent(s string) string {
	return pgx.Identifier{s}.Sanitize()
}

func dbVersionLiteral(v string) string {
	if v == "" {
		return "NULL"
	}
	return quoteLiteral(v)
}
