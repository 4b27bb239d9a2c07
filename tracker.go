package callrelay

import (
	"strings"
	"time"

	"github.com/codewandler/callrelay-go/events"
	"github.com/codewandler/callrelay-go/store"
)

type openTurn struct {
	store.Turn
	text strings.Builder
}

// tracker accumulates streamed deltas into turns. At most one turn is open
// at a time; closed turns are handed to sink and never touched again. It is
// confined to the session goroutine.
type tracker struct {
	elapsed        func() time.Duration
	sink           func(store.Turn)
	conversationID string
	open           *openTurn
}

func newTracker(elapsed func() time.Duration, sink func(store.Turn)) *tracker {
	return &tracker{
		elapsed:        elapsed,
		sink:           sink,
		conversationID: events.NewID(),
	}
}

// newConversation closes the open turn and starts a new conversation.
func (t *tracker) newConversation(id string) {
	t.closeTurn(true, false, "")
	if id == "" {
		id = events.NewID()
	}
	t.conversationID = id
}

// boundary handles an item boundary: a turn of another item is closed.
func (t *tracker) boundary(itemID string) {
	if t.open != nil && t.open.ItemID != "" && t.open.ItemID == itemID {
		return
	}
	t.closeTurn(true, false, "")
}

func (t *tracker) turnFor(role events.Role, itemID, responseID string) *openTurn {
	if t.open != nil {
		sameItem := itemID == "" || t.open.ItemID == "" || t.open.ItemID == itemID
		if t.open.Role == role && sameItem {
			if t.open.ItemID == "" {
				t.open.ItemID = itemID
			}
			return t.open
		}
		t.closeTurn(true, false, "")
	}
	t.open = &openTurn{Turn: store.Turn{
		ConversationID: t.conversationID,
		Role:           role,
		ItemID:         itemID,
		ResponseID:     responseID,
		StartOffset:    t.elapsed(),
	}}
	return t.open
}

func (t *tracker) text(role events.Role, itemID, responseID, delta string) {
	t.turnFor(role, itemID, responseID).text.WriteString(delta)
}

func (t *tracker) audio(itemID, responseID string, n int, d time.Duration) {
	turn := t.turnFor(events.RoleAssistant, itemID, responseID)
	turn.AudioBytes += n
	turn.AudioDuration += d
}

// textDone completes a text-only assistant item. The full text is used when
// no deltas were seen.
func (t *tracker) textDone(itemID, responseID, text string) {
	turn := t.turnFor(events.RoleAssistant, itemID, responseID)
	if turn.text.Len() == 0 {
		turn.text.WriteString(text)
	}
	t.closeTurn(true, false, "")
}

// complete closes the open turn of role as completed.
func (t *tracker) complete(role events.Role) {
	if t.open != nil && t.open.Role == role {
		t.closeTurn(true, false, "")
	}
}

// interrupt closes the open assistant turn after a barge-in.
func (t *tracker) interrupt() {
	if t.open != nil && t.open.Role == events.RoleAssistant {
		t.closeTurn(false, true, "")
	}
}

// transcript records a finished caller utterance. An open assistant turn
// stays open.
func (t *tracker) transcript(itemID, text string) {
	t.userTurn(itemID, text, "")
}

func (t *tracker) transcriptFailed(itemID, msg string) {
	t.userTurn(itemID, "", msg)
}

func (t *tracker) userTurn(itemID, text, errMsg string) {
	if t.open != nil && t.open.Role == events.RoleUser {
		t.open.text.WriteString(text)
		t.closeTurn(errMsg == "", false, errMsg)
		return
	}
	now := t.elapsed()
	t.sink(store.Turn{
		ConversationID: t.conversationID,
		Role:           events.RoleUser,
		ItemID:         itemID,
		Text:           text,
		StartOffset:    now,
		EndOffset:      now,
		Completed:      errMsg == "",
		Error:          errMsg,
	})
}

// close flushes the open turn when the session ends.
func (t *tracker) close() {
	t.closeTurn(false, false, "")
}

func (t *tracker) closeTurn(completed, interrupted bool, errMsg string) {
	if t.open == nil {
		return
	}
	turn := t.open.Turn
	turn.Text = t.open.text.String()
	t.open = nil

	turn.EndOffset = t.elapsed()
	turn.Completed = completed
	turn.Interrupted = interrupted
	turn.Error = errMsg
	t.sink(turn)
}

// current returns the open turn, if any.
func (t *tracker) current() (store.Turn, bool) {
	if t.open == nil {
		return store.Turn{}, false
	}
	turn := t.open.Turn
	turn.Text = t.open.text.String()
	return turn, true
}
