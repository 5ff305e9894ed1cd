package logsink

import (
	"github.com/danmuck/edgeproc/internal/logging"
	"github.com/danmuck/edgeproc/internal/rpc"
)

// Collator is the dispatcher of the log collation server. A connection
// that sends `log <origin>` is answered once and then stays in raw mode;
// each line it sends is appended to the output prefixed with the origin.
type Collator struct {
	out     *FileSink
	streams int
}

func NewCollator(out *FileSink) *Collator {
	return &Collator{out: out}
}

// Streams returns the number of connections currently in log mode.
func (c *Collator) Streams() int { return c.streams }

func (c *Collator) Dispatch(call *rpc.Call) {
	switch call.Verb() {
	case LogVerb:
		origin := call.Arg(0)
		if origin == "" {
			origin = call.Remote()
		}
		c.streams++
		logging.Infof("logsink.Collator stream opened origin=%q remote=%q streams=%d", origin, call.Remote(), c.streams)
		call.OK("collating")
		prefix := []byte(origin + " ")
		call.Raw(func(line []byte) {
			if len(line) == 0 {
				return
			}
			out := make([]byte, 0, len(prefix)+len(line))
			out = append(out, prefix...)
			out = append(out, line...)
			c.out.WriteRaw(out)
		}, func() {
			c.streams--
			logging.Infof("logsink.Collator stream closed origin=%q streams=%d", origin, c.streams)
		})
	case "isalive":
		call.OK("alive")
	case "exit":
		call.OK("bye")
		call.CloseAfterReply()
	case "shutdown":
		call.OK("shutting down")
		call.ExitAfterReply(0)
	default:
		call.Failf("unknown verb: %s", call.Verb())
	}
}
