package stores_test

import (
	"encoding/json"

	"github.com/cogworks/cogworks/pkg/listener"
	"github.com/cogworks/cogworks/pkg/pipeline"
)

func listenerEvent(session pipeline.WorkItemID, key string) listener.Event {
	return listener.Event{SessionKey: session, DedupKey: key, Kind: "issues", Payload: json.RawMessage(`{}`)}
}
