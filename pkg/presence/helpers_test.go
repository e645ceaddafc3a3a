package presence

import (
	"encoding/json"

	"flocksync/pkg/store"
)

func evt(evType, table, row string) store.Event {
	return store.Event{Type: evType, Table: table, Row: json.RawMessage(row)}
}

func storeQueryFor(userID string) store.Query {
	return store.Query{Filters: []store.Filter{store.Eq("user_id", userID)}}
}
