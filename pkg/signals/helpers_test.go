package signals

import (
	"encoding/json"

	"flocksync/pkg/store"
)

func evt(evType, table, row string) store.Event {
	return store.Event{Type: evType, Table: table, Row: json.RawMessage(row)}
}
