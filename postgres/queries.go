package postgres

import "fmt"

const eventColumns = "id, recipient_id, event_type, schema_version, payload, occurred_at, delivered_at"

type queries struct {
	lock          string
	last          string
	insert        string
	notify        string
	replay        string
	tail          string
	markDelivered string
}

func newQueries(table string) queries {
	return queries{
		lock: "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))",
		last: fmt.Sprintf("SELECT id FROM %s WHERE recipient_id = $1 ORDER BY id DESC LIMIT 1", table),
		insert: fmt.Sprintf(
			"INSERT INTO %s (id, recipient_id, event_type, schema_version, payload, occurred_at) VALUES ($1, $2, $3, $4, $5, $6)",
			table,
		),
		notify: "SELECT pg_notify($1, $2)",
		replay: fmt.Sprintf(
			"SELECT %s FROM %s WHERE recipient_id = $1 AND id > $2 AND occurred_at >= $3 ORDER BY id ASC LIMIT $4",
			eventColumns,
			table,
		),
		tail: fmt.Sprintf(
			"SELECT e.id, e.recipient_id, e.event_type, e.schema_version, e.payload, e.occurred_at, e.delivered_at, "+
				"(SELECT p.id FROM %s p WHERE p.recipient_id = e.recipient_id AND p.id < e.id ORDER BY p.id DESC LIMIT 1) "+
				"FROM %s e WHERE e.id > $1 AND e.occurred_at >= $2 ORDER BY e.id ASC LIMIT $3",
			table,
			table,
		),
		markDelivered: fmt.Sprintf(
			"UPDATE %s SET delivered_at = $1 WHERE recipient_id = $2 AND id <= $3 AND delivered_at IS NULL",
			table,
		),
	}
}
