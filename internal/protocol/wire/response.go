package wire

import (
	"fmt"
	"strconv"
)

const (
	StatusOK     = 0
	StatusFailed = 1

	// NoID answers lines that carried no correlation id.
	NoID = "-"
)

// Response is `<id> <status> <message>`.
type Response struct {
	ID      string
	Status  int
	Message string
}

func (r Response) OK() bool {
	return r.Status == StatusOK
}

func (r Response) Command() Command {
	id := r.ID
	if id == "" {
		id = NoID
	}
	return Command{id, strconv.Itoa(r.Status), r.Message}
}

func (r Response) Encode() []byte {
	return Encode(r.Command())
}

// ParseResponse interprets a decoded line as a response. A missing message
// token is read as empty.
func ParseResponse(c Command) (Response, error) {
	if len(c) < 2 {
		return Response{}, fmt.Errorf("%w: response needs id and status", ErrShortCommand)
	}
	status, err := strconv.Atoi(c[1])
	if err != nil {
		return Response{}, fmt.Errorf("wire: invalid status %q: %w", c[1], err)
	}
	resp := Response{ID: c[0], Status: status}
	if len(c) > 2 {
		resp.Message = c[2]
	}
	return resp, nil
}

// Error is a failed response surfaced to client callers.
type Error struct {
	Verb    string
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("wire: %s failed status=%d: %s", e.Verb, e.Status, e.Message)
}
