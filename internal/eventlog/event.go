package eventlog

import (
	"encoding/json"
	"fmt"
)

// Kind identifies a history-mutating event. The set is closed: replay
// logic switches exhaustively over these values.
type Kind string

const (
	KindCommitRecorded  Kind = "commit.recorded"
	KindCommitHidden    Kind = "commit.hidden"
	KindCommitUnhidden  Kind = "commit.unhidden"
	KindCommitRewritten Kind = "commit.rewritten"
	KindRefUpdated      Kind = "ref.updated"
)

// Event is one entry in the log. The payload fields used depend on
// Kind: Commit for recorded/hidden/unhidden, OldCommit/NewCommit for
// rewritten, RefName/OldTarget/NewTarget for ref updates.
type Event struct {
	ID        int64
	TxID      int64
	Timestamp int64
	Actor     string
	Kind      Kind

	Commit    string
	OldCommit string
	NewCommit string
	RefName   string
	OldTarget string
	NewTarget string
}

// Transaction is an atomically visible group of events.
type Transaction struct {
	ID          int64
	Description string
	Actor       string
	CreatedAt   int64
	Events      []Event
}

// payload is the JSON shape stored in the events table.
type payload struct {
	Commit    string `json:"commit,omitempty"`
	OldCommit string `json:"oldCommit,omitempty"`
	NewCommit string `json:"newCommit,omitempty"`
	RefName   string `json:"refName,omitempty"`
	OldTarget string `json:"oldTarget,omitempty"`
	NewTarget string `json:"newTarget,omitempty"`
}

func (e *Event) marshalPayload() (string, error) {
	b, err := json.Marshal(payload{
		Commit:    e.Commit,
		OldCommit: e.OldCommit,
		NewCommit: e.NewCommit,
		RefName:   e.RefName,
		OldTarget: e.OldTarget,
		NewTarget: e.NewTarget,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}
	return string(b), nil
}

func (e *Event) unmarshalPayload(data string) error {
	var p payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return fmt.Errorf("unmarshaling payload: %w", err)
	}
	e.Commit = p.Commit
	e.OldCommit = p.OldCommit
	e.NewCommit = p.NewCommit
	e.RefName = p.RefName
	e.OldTarget = p.OldTarget
	e.NewTarget = p.NewTarget
	return nil
}

// Validate checks that the event carries the fields its kind requires.
func (e *Event) Validate() error {
	switch e.Kind {
	case KindCommitRecorded, KindCommitHidden, KindCommitUnhidden:
		if e.Commit == "" {
			return fmt.Errorf("%s event missing commit", e.Kind)
		}
	case KindCommitRewritten:
		if e.OldCommit == "" || e.NewCommit == "" {
			return fmt.Errorf("%s event missing old/new commit", e.Kind)
		}
	case KindRefUpdated:
		if e.RefName == "" {
			return fmt.Errorf("%s event missing ref name", e.Kind)
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// Rewritten builds a commit.rewritten event.
func Rewritten(old, new string) Event {
	return Event{Kind: KindCommitRewritten, OldCommit: old, NewCommit: new}
}

// Recorded builds a commit.recorded event.
func Recorded(hash string) Event {
	return Event{Kind: KindCommitRecorded, Commit: hash}
}

// Hidden builds a commit.hidden event.
func Hidden(hash string) Event {
	return Event{Kind: KindCommitHidden, Commit: hash}
}

// Unhidden builds a commit.unhidden event.
func Unhidden(hash string) Event {
	return Event{Kind: KindCommitUnhidden, Commit: hash}
}

// RefUpdated builds a ref.updated event.
func RefUpdated(name, old, new string) Event {
	return Event{Kind: KindRefUpdated, RefName: name, OldTarget: old, NewTarget: new}
}
