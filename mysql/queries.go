package mysql

import "fmt"

const eventColumns = "id, recipient_id, event_type, schema_version, payload, occurred_at, delivered_at"

// tailColumns adds each row's recipient predecessor, read through the (recipient_id, id) index.
const tailColumns = "e.id, e.recipient_id, e.event_type, e.schema_version, e.payload, e.occurred_at, e.delivered_at, " +
	"(SELECT p.id FROM %s p WHERE p.recipient_id = e.recipient_id AND p.id < e.id ORDER BY p.id DESC LIMIT 1)"

type queries struct {
	ensureHead    string
	lockHead      string
	insert        string
	updateHead    string
	replay        string
	tail          string
	lastID        string
	markDelivered string
	deleteHeads   string
	deleteEvents  string
}

func newQueries(table, heads string) queries {
	return queries{
		ensureHead: fmt.Sprintf(
			"INSERT INTO %s (recipient_id, last_id) VALUES (?, ?) ON DUPLICATE KEY UPDATE recipient_id = recipient_id",
			heads,
		),
		lockHead: fmt.Sprintf("SELECT last_id FROM %s WHERE recipient_id = ? FOR UPDATE", heads),
		insert: fmt.Sprintf(
			"INSERT INTO %s (id, recipient_id, event_type, schema_version, payload, occurred_at) VALUES (?, ?, ?, ?, ?, ?)",
			table,
		),
		updateHead: fmt.Sprintf("UPDATE %s SET last_id = ? WHERE recipient_id = ?", heads),
		replay: fmt.Sprintf(
			"SELECT %s FROM %s WHERE recipient_id = ? AND id > ? AND created_ts >= ? ORDER BY id ASC LIMIT ?",
			eventColumns,
			table,
		),
		tail: fmt.Sprintf(
			"SELECT %s FROM %s e WHERE e.id > ? AND e.created_ts >= ? ORDER BY e.id ASC LIMIT ?",
			fmt.Sprintf(tailColumns, table),
			table,
		),
		lastID: fmt.Sprintf("SELECT id FROM %s WHERE recipient_id = ? ORDER BY id DESC LIMIT 1", table),
		markDelivered: fmt.Sprintf(
			"UPDATE %s SET delivered_at = ? WHERE recipient_id = ? AND id <= ? AND delivered_at IS NULL",
			table,
		),
		deleteHeads:  fmt.Sprintf("DELETE FROM %s WHERE last_id < ? ORDER BY recipient_id LIMIT ?", heads),
		deleteEvents: fmt.Sprintf("DELETE FROM %s WHERE created_ts < ? ORDER BY id LIMIT ?", table),
	}
}
