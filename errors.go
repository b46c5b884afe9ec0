package chatsync

import (
	"errors"
	"fmt"
)

var (
	// ErrConversationNotOpen is returned by operations that need the detailed
	// message list of a conversation that is not the open one.
	ErrConversationNotOpen = errors.New("conversation is not open")
	// ErrEngineClosed is returned after Close.
	ErrEngineClosed = errors.New("engine closed")
	// ErrNotConnected is returned by transports that have no live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrUnknownMessage is returned when a local message id is not in the list.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrNotFailed is returned when retrying or discarding a message that has
	// not failed.
	ErrNotFailed = errors.New("message has not failed")
)

// FetchError is a transient pull-channel failure. Prior state is retained.
type FetchError struct {
	Op             string
	ConversationID string
	Err            error
}

func (e *FetchError) Error() string {
	if e.ConversationID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.ConversationID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SendError reports a failed send for one optimistic message.
type SendError struct {
	ConversationID string
	LocalID        string
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s in %s: %v", e.LocalID, e.ConversationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// resultErr folds a transport error and an envelope into one error.
func resultErr(res *Result, err error) error {
	if err != nil {
		return err
	}
	if res == nil {
		return errors.New("empty response")
	}
	return res.Err()
}
