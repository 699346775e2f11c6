// Package matrixtest provides a recording Intent for connection and router
// tests.
package matrixtest

import (
	"context"
	"fmt"
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/hookline/hookline/internal/matrix"
)

// SentMessage is one recorded SendMessage call.
type SentMessage struct {
	RoomID  id.RoomID
	Content *matrix.MessageContent
}

// SentState is one recorded SendStateEvent call.
type SentState struct {
	RoomID    id.RoomID
	EventType string
	StateKey  string
	Content   any
}

// Intent records outgoing traffic and serves canned room state.
type Intent struct {
	User   id.UserID
	Rooms  []id.RoomID
	State  map[id.RoomID][]matrix.StateEvent
	SendFn func(roomID id.RoomID, content *matrix.MessageContent) (id.EventID, error)

	mu       sync.Mutex
	messages []SentMessage
	states   []SentState
	nextID   int
}

func NewIntent(user id.UserID) *Intent {
	return &Intent{User: user, State: make(map[id.RoomID][]matrix.StateEvent)}
}

func (i *Intent) UserID() id.UserID { return i.User }

func (i *Intent) SendMessage(ctx context.Context, roomID id.RoomID, content *matrix.MessageContent) (id.EventID, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.SendFn != nil {
		eventID, err := i.SendFn(roomID, content)
		if err != nil {
			return "", err
		}
		i.messages = append(i.messages, SentMessage{RoomID: roomID, Content: content})
		return eventID, nil
	}
	i.nextID++
	i.messages = append(i.messages, SentMessage{RoomID: roomID, Content: content})
	return id.EventID(fmt.Sprintf("$sent-%d", i.nextID)), nil
}

func (i *Intent) SendStateEvent(ctx context.Context, roomID id.RoomID, eventType, stateKey string, content any) (id.EventID, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.nextID++
	i.states = append(i.states, SentState{RoomID: roomID, EventType: eventType, StateKey: stateKey, Content: content})
	return id.EventID(fmt.Sprintf("$state-%d", i.nextID)), nil
}

func (i *Intent) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	return i.Rooms, nil
}

func (i *Intent) RoomState(ctx context.Context, roomID id.RoomID) ([]matrix.StateEvent, error) {
	return i.State[roomID], nil
}

// Messages returns a copy of the recorded messages.
func (i *Intent) Messages() []SentMessage {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]SentMessage(nil), i.messages...)
}

// States returns a copy of the recorded state events.
func (i *Intent) States() []SentState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]SentState(nil), i.states...)
}
