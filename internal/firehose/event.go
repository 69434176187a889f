package firehose

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Collection NSIDs this subscriber understands. Repost events are excluded at
// the subscription level, never filtered downstream.
const (
	collectionPost   = "app.bsky.feed.post"
	collectionFollow = "app.bsky.graph.follow"
)

// jetstreamEvent is the raw JSON envelope from Jetstream.
type jetstreamEvent struct {
	DID    string           `json:"did"`
	TimeUS int64            `json:"time_us"`
	Kind   string           `json:"kind"`
	Commit *jetstreamCommit `json:"commit,omitempty"`
}

// jetstreamCommit is the raw commit data from Jetstream. Record stays raw
// until the collection discriminator selects a shape.
type jetstreamCommit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid"`
}

// uri builds the AT-URI of the record this commit refers to.
func (c *jetstreamCommit) uri(did string) string {
	return fmt.Sprintf("at://%s/%s/%s", did, c.Collection, c.RKey)
}

// postRecord is the parsed content of an app.bsky.feed.post record.
type postRecord struct {
	Type      string          `json:"$type"`
	Text      string          `json:"text"`
	CreatedAt string          `json:"createdAt"`
	Langs     []string        `json:"langs,omitempty"`
	Reply     *replyRef       `json:"reply,omitempty"`
	Subject   json.RawMessage `json:"subject,omitempty"`
}

// followRecord is the parsed content of an app.bsky.graph.follow record.
type followRecord struct {
	Type      string `json:"$type"`
	Subject   string `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

// replyRef contains references to the parent and root of a reply chain.
type replyRef struct {
	Root   strongRef `json:"root"`
	Parent strongRef `json:"parent"`
}

// strongRef is a reference to a specific version of a record.
type strongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

func parseEvent(data []byte) (*jetstreamEvent, error) {
	var event jetstreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if event.Kind == "commit" && event.Commit == nil {
		return nil, fmt.Errorf("commit event without commit body")
	}
	return &event, nil
}

func parsePostRecord(raw json.RawMessage) (*postRecord, error) {
	var record postRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("unmarshal post record: %w", err)
	}
	if record.Type != "" && !strings.HasPrefix(record.Type, collectionPost) {
		return nil, fmt.Errorf("unexpected record type %q in post commit", record.Type)
	}
	return &record, nil
}

func parseFollowRecord(raw json.RawMessage) (*followRecord, error) {
	var record followRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("unmarshal follow record: %w", err)
	}
	if record.Subject == "" {
		return nil, fmt.Errorf("follow record missing subject")
	}
	return &record, nil
}
